package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceBiweekly  Cadence = "biweekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceYearly    Cadence = "yearly"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceWeekly, CadenceBiweekly, CadenceMonthly, CadenceQuarterly, CadenceYearly:
		return true
	}
	return false
}

type RecurringStatus string

const (
	RecurringActive    RecurringStatus = "active"
	RecurringPaused    RecurringStatus = "paused"
	RecurringCompleted RecurringStatus = "completed"
	RecurringDeleted   RecurringStatus = "deleted"
)

// RecurringInvoice is a template the scheduler turns into invoices, one per
// cadence unit, starting at NextDueDate. When EndDate is set no invoice is
// generated for a due date after it.
type RecurringInvoice struct {
	gorm.Model
	AccountID             uint    `gorm:"not null;index"`
	Account               Account `json:"-"`
	Name                  string  `gorm:"not null"`
	ClientID              *uint
	ClientName            string `gorm:"not null"`
	ClientEmail           string
	Cadence               Cadence         `gorm:"not null"`
	NextDueDate           time.Time       `gorm:"not null;index"`
	EndDate               *time.Time
	Status                RecurringStatus `gorm:"not null;index"`
	Currency              string          `gorm:"not null;default:'USD'"`
	TaxRate               decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	DiscountAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	PaymentTerms          PaymentTerms    `gorm:"not null"`
	TemplateStyle         string          `gorm:"not null"`
	Notes                 string
	SendEmailOnGeneration bool
	AutoSendToClient      bool
	NeedsReview           bool
	LastGeneratedAt       *time.Time
	GeneratedCount        int                 `gorm:"not null;default:0"`
	LineItems             []RecurringLineItem `gorm:"constraint:OnDelete:CASCADE"`
}

// EndsBefore reports whether due falls after the definition's end date.
func (r *RecurringInvoice) EndsBefore(due time.Time) bool {
	return r.EndDate != nil && due.After(*r.EndDate)
}

type RecurringLineItem struct {
	gorm.Model
	RecurringInvoiceID uint            `gorm:"not null;index"`
	Position           int             `gorm:"not null"`
	Description        string          `gorm:"not null"`
	Quantity           decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	UnitPrice          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}
