package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoiceSent    InvoiceStatus = "sent"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoicePaid    InvoiceStatus = "paid"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceDraft:   {InvoiceSent, InvoicePaid},
	InvoiceSent:    {InvoiceOverdue, InvoicePaid},
	InvoiceOverdue: {InvoicePaid},
}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoiceOverdue, InvoicePaid:
		return true
	}
	return false
}

// CanTransitionTo reports whether an invoice may move from s to next.
// Statuses only move forward and paid is final.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentTerms string

const (
	TermsDueOnReceipt PaymentTerms = "due_on_receipt"
	TermsNet15        PaymentTerms = "net_15"
	TermsNet30        PaymentTerms = "net_30"
	TermsNet45        PaymentTerms = "net_45"
	TermsNet60        PaymentTerms = "net_60"
)

var termDays = map[PaymentTerms]int{
	TermsDueOnReceipt: 0,
	TermsNet15:        15,
	TermsNet30:        30,
	TermsNet45:        45,
	TermsNet60:        60,
}

func (p PaymentTerms) Valid() bool {
	_, ok := termDays[p]
	return ok
}

// DueDate returns the due date for an invoice issued on issue. Unknown terms
// fall back to net 30.
func (p PaymentTerms) DueDate(issue time.Time) time.Time {
	days, ok := termDays[p]
	if !ok {
		days = termDays[TermsNet30]
	}
	return issue.AddDate(0, 0, days)
}

type Invoice struct {
	gorm.Model
	AccountID          uint    `gorm:"not null;uniqueIndex:idx_account_invoice_number"`
	Account            Account `json:"-"`
	RecurringInvoiceID *uint   `gorm:"index"`
	ClientID           *uint
	InvoiceNumber      string        `gorm:"not null;uniqueIndex:idx_account_invoice_number"`
	Status             InvoiceStatus `gorm:"not null;index"`
	ClientName         string        `gorm:"not null"`
	ClientEmail        string
	Currency           string          `gorm:"not null;default:'USD'"`
	LineItems          []LineItem      `gorm:"constraint:OnDelete:CASCADE"`
	Subtotal           decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TaxRate            decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	TaxAmount          decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	DiscountAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Total              decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	IssueDate          time.Time       `gorm:"not null"`
	DueDate            time.Time       `gorm:"not null;index"`
	PaymentTerms       PaymentTerms    `gorm:"not null"`
	TemplateStyle      string          `gorm:"not null"`
	Notes              string
	PublicToken        string `gorm:"uniqueIndex;not null"`
	DocumentURL        string
	PaidAt             *time.Time
	LastReminderOffset *int
	LateFeeAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	LateFeeAppliedAt   *time.Time
}

type LineItem struct {
	gorm.Model
	InvoiceID   uint            `gorm:"not null;index"`
	Position    int             `gorm:"not null"`
	Description string          `gorm:"not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}

var hundred = decimal.NewFromInt(100)

// LineAmount is quantity times unit price, rounded half-even to cents.
func LineAmount(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).RoundBank(2)
}

// CalculateTotals fills line item amounts and the invoice subtotal, tax and total.
// total = subtotal + tax - discount + late fee, tax = subtotal * rate / 100
// rounded to cents.
func (inv *Invoice) CalculateTotals() {
	subtotal := decimal.Zero
	for i := range inv.LineItems {
		inv.LineItems[i].Amount = LineAmount(inv.LineItems[i].Quantity, inv.LineItems[i].UnitPrice)
		subtotal = subtotal.Add(inv.LineItems[i].Amount)
	}
	inv.Subtotal = subtotal
	inv.TaxAmount = subtotal.Mul(inv.TaxRate).Div(hundred).RoundBank(2)
	inv.Total = inv.Subtotal.Add(inv.TaxAmount).Sub(inv.DiscountAmount).Add(inv.LateFeeAmount)
}

// LateFeeType selects how an account's late fee is computed.
type LateFeeType string

const (
	LateFeeFlat       LateFeeType = "flat"
	LateFeePercentage LateFeeType = "percentage"
)

func (t LateFeeType) Valid() bool {
	return t == LateFeeFlat || t == LateFeePercentage
}

// LateFeeLog records one late fee applied to an invoice.
type LateFeeLog struct {
	gorm.Model
	InvoiceID   uint            `gorm:"not null;uniqueIndex"`
	AccountID   uint            `gorm:"not null;index"`
	FeeType     LateFeeType     `gorm:"not null"`
	FeeAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	DaysOverdue int             `gorm:"not null"`
	TotalBefore decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TotalAfter  decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	AppliedBy   string          `gorm:"not null"`
}

// IsOverdue reports whether the invoice is unpaid past its due date.
func (inv *Invoice) IsOverdue(now time.Time) bool {
	if inv.Status == InvoicePaid || inv.Status == InvoiceDraft {
		return false
	}
	return now.After(inv.DueDate.AddDate(0, 0, 1))
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"CAD": "C$",
	"AUD": "A$",
	"JPY": "¥",
	"INR": "₹",
}

func CurrencySymbol(currency string) string {
	if s, ok := currencySymbols[currency]; ok {
		return s
	}
	return currency
}
