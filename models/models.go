package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierBusiness     SubscriptionTier = "business"
)

func (t SubscriptionTier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierProfessional, TierBusiness:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// ActiveSubscriptionStatuses are the statuses whose tier quota can be spent.
var ActiveSubscriptionStatuses = []string{string(SubscriptionActive), string(SubscriptionTrialing)}

func (s SubscriptionStatus) IsActive() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// Account is the billing subject. Counters are only ever changed through
// conditional updates issued by the ledger package.
type Account struct {
	gorm.Model
	Name                  string             `gorm:"not null"`
	BillingEmail          string             `gorm:"not null"`
	SubscriptionTier      SubscriptionTier   `gorm:"not null;default:'free'"`
	SubscriptionStatus    SubscriptionStatus `gorm:"not null;default:'active'"`
	BillingCustomerID     string             `gorm:"index"`
	FreeCredits           int                `gorm:"not null;default:0"`
	CreditsBalance        int                `gorm:"not null;default:0"`
	TotalCreditsPurchased int                `gorm:"not null;default:0"`
	MonthlyUsage          int                `gorm:"not null;default:0"`
	PeriodStart           time.Time          `gorm:"not null"`
	InvoiceSequence       int                `gorm:"not null;default:0"`
	RemindersEnabled      bool               `gorm:"not null;default:false"`
	LateFeesEnabled       bool               `gorm:"not null;default:false"`
	LateFeeType           LateFeeType        `gorm:"not null;default:'flat'"`
	LateFeeAmount         decimal.Decimal    `gorm:"type:numeric(12,2);not null;default:0"`
	LateFeeGraceDays      int                `gorm:"not null;default:0"`
	LateFeeMaxAmount      decimal.Decimal    `gorm:"type:numeric(12,2);not null;default:0"` // zero means uncapped
	Users                 []User             `json:",omitempty"`
	Clients               []Client           `json:",omitempty"`
}

type User struct {
	gorm.Model
	Username     string `gorm:"unique;not null"`
	Email        string `gorm:"unique;not null"`
	PasswordHash string `gorm:"not null" json:"-"`
	APIKeyHash   string `gorm:"uniqueIndex" json:"-"`
	AccountID    uint   `gorm:"not null;index"`
	Account      Account `json:"-"`
	IsOwner      bool
}

type Client struct {
	gorm.Model
	AccountID uint   `gorm:"not null;index"`
	Name      string `gorm:"not null"`
	Email     string
	Address   string
}

type PaymentEventKind string

const (
	EventCreditPurchase     PaymentEventKind = "credit_purchase"
	EventSubscriptionChange PaymentEventKind = "subscription_change"
	EventClientPayment      PaymentEventKind = "client_payment"
)

// PaymentEvent records every billing-provider confirmation that changed state.
// EventID is the provider's identifier and makes redelivery harmless.
type PaymentEvent struct {
	gorm.Model
	EventID     string           `gorm:"uniqueIndex;not null"`
	Kind        PaymentEventKind `gorm:"not null"`
	AccountID   uint             `gorm:"index"`
	Credits     int
	Tier        SubscriptionTier
	Status      SubscriptionStatus
	InvoiceID   *uint
	Amount      decimal.Decimal `gorm:"type:numeric(12,2)"`
	Currency    string
	Metadata    datatypes.JSONMap
	ProcessedAt time.Time
}
