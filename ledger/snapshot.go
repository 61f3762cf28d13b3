package ledger

import (
	"context"
	"time"

	"invoicekits/models"
)

type Snapshot struct {
	Tier                  models.SubscriptionTier   `json:"tier"`
	Status                models.SubscriptionStatus `json:"status"`
	PlanName              string                    `json:"plan_name"`
	PeriodStart           time.Time                 `json:"period_start"`
	InvoicesUsed          int                       `json:"invoices_used"`
	InvoicesLimit         int                       `json:"invoices_limit"`
	UsagePercent          int                       `json:"usage_percent"`
	FreeCredits           int                       `json:"free_credits"`
	CreditsBalance        int                       `json:"credits_balance"`
	TotalCreditsPurchased int                       `json:"total_credits_purchased"`
	AvailableCredits      int                       `json:"available_credits"`
	CanCreate             bool                      `json:"can_create"`
	RecurringInvoices     bool                      `json:"recurring_invoices"`
	MaxRecurring          int                       `json:"max_recurring"`
	Templates             []string                  `json:"templates"`
	Watermark             bool                      `json:"watermark"`
}

// SnapshotOf describes the entitlements of account as seen at now.
func SnapshotOf(account models.Account, now time.Time) Snapshot {
	policy := PolicyFor(account.SubscriptionTier)
	used := UsageInPeriod(account, now)

	percent := 0
	if policy.InvoicesPerMonth > 0 {
		percent = min(100, used*100/policy.InvoicesPerMonth)
	}

	return Snapshot{
		Tier:                  account.SubscriptionTier,
		Status:                account.SubscriptionStatus,
		PlanName:              policy.Name,
		PeriodStart:           PeriodStart(now),
		InvoicesUsed:          used,
		InvoicesLimit:         policy.InvoicesPerMonth,
		UsagePercent:          percent,
		FreeCredits:           account.FreeCredits,
		CreditsBalance:        account.CreditsBalance,
		TotalCreditsPurchased: account.TotalCreditsPurchased,
		AvailableCredits:      account.FreeCredits + account.CreditsBalance,
		CanCreate:             CanCreate(account, now),
		RecurringInvoices:     policy.RecurringInvoices,
		MaxRecurring:          policy.MaxRecurring,
		Templates:             policy.AvailableTemplates(),
		Watermark:             policy.Watermark,
	}
}

func (l *Ledger) Snapshot(ctx context.Context, accountID uint, now time.Time) (Snapshot, error) {
	account, err := loadAccount(l.db.WithContext(ctx), accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(account, now), nil
}
