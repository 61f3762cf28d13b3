package ledger

import (
	"context"
	"errors"
	"time"

	"invoicekits/apperrors"
	"invoicekits/logger"
	"invoicekits/models"

	"gorm.io/gorm"
)

// Consumption tells which entitlement paid for an invoice creation.
type Consumption string

const (
	ConsumedQuota           Consumption = "tier_quota"
	ConsumedFreeCredit      Consumption = "free_credit"
	ConsumedPurchasedCredit Consumption = "purchased_credit"
)

// Ledger gates invoice creation on tier quota and credits. All counter changes
// are conditional UPDATEs so two concurrent creations cannot both spend the
// last unit.
type Ledger struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// CanCreate reports whether account may create one more invoice at now.
// It has no side effects.
func CanCreate(account models.Account, now time.Time) bool {
	if hasQuota(account, now) {
		return true
	}
	return account.FreeCredits > 0 || account.CreditsBalance > 0
}

func hasQuota(account models.Account, now time.Time) bool {
	if !account.SubscriptionStatus.IsActive() {
		return false
	}
	limit := PolicyFor(account.SubscriptionTier).InvoicesPerMonth
	if limit == Unlimited {
		return true
	}
	return UsageInPeriod(account, now) < limit
}

// UsageInPeriod is the usage counter as seen at now: zero once the stored
// period has rolled over, even before the reset is written.
func UsageInPeriod(account models.Account, now time.Time) int {
	if account.PeriodStart.Before(PeriodStart(now)) {
		return 0
	}
	return account.MonthlyUsage
}

func (l *Ledger) CanCreate(ctx context.Context, accountID uint, now time.Time) (bool, error) {
	account, err := loadAccount(l.db.WithContext(ctx), accountID)
	if err != nil {
		return false, err
	}
	return CanCreate(account, now), nil
}

// RecordCreation consumes one entitlement in its own transaction.
func (l *Ledger) RecordCreation(ctx context.Context, accountID uint, now time.Time) (Consumption, error) {
	var consumed Consumption
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		consumed, err = RecordCreationTx(tx, accountID, now)
		return err
	})
	return consumed, err
}

// CreateWithEntitlement consumes one entitlement and runs create in the same
// transaction. If create fails nothing is consumed.
func (l *Ledger) CreateWithEntitlement(ctx context.Context, accountID uint, now time.Time, create func(tx *gorm.DB) error) (Consumption, error) {
	var consumed Consumption
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		consumed, err = RecordCreationTx(tx, accountID, now)
		if err != nil {
			return err
		}
		return create(tx)
	})
	if err != nil {
		return "", err
	}
	l.log.Debugw("entitlement consumed", "account_id", accountID, "consumed", consumed)
	return consumed, nil
}

// RecordCreationTx consumes one entitlement inside tx. Tier quota is spent
// first for active subscribers, then free credits, then purchased credits.
func RecordCreationTx(tx *gorm.DB, accountID uint, now time.Time) (Consumption, error) {
	if err := rolloverAccount(tx, accountID, now); err != nil {
		return "", err
	}

	account, err := loadAccount(tx, accountID)
	if err != nil {
		return "", err
	}

	if account.SubscriptionStatus.IsActive() {
		policy := PolicyFor(account.SubscriptionTier)
		q := tx.Model(&models.Account{}).
			Where("id = ? AND subscription_tier = ? AND subscription_status IN ?", account.ID, string(account.SubscriptionTier), models.ActiveSubscriptionStatuses)
		if policy.InvoicesPerMonth != Unlimited {
			q = q.Where("monthly_usage < ?", policy.InvoicesPerMonth)
		}
		ok, err := applied(q.UpdateColumn("monthly_usage", gorm.Expr("monthly_usage + ?", 1)))
		if err != nil {
			return "", err
		}
		if ok {
			return ConsumedQuota, nil
		}
	}

	ok, err := consumeCredit(tx, account.ID, "free_credits")
	if err != nil {
		return "", err
	}
	if ok {
		return ConsumedFreeCredit, nil
	}

	ok, err = consumeCredit(tx, account.ID, "credits_balance")
	if err != nil {
		return "", err
	}
	if ok {
		return ConsumedPurchasedCredit, nil
	}

	return "", apperrors.Newf("account %d has no invoice quota or credits left", account.ID).
		WithHint("You have reached your invoice limit. Upgrade your plan or purchase credits to create more invoices.").
		Mark(apperrors.ErrQuotaExceeded)
}

// consumeCredit decrements column by one if it is positive.
func consumeCredit(tx *gorm.DB, accountID uint, column string) (bool, error) {
	return applied(tx.Model(&models.Account{}).
		Where("id = ? AND "+column+" > 0", accountID).
		UpdateColumn(column, gorm.Expr(column+" - ?", 1)))
}

func rolloverAccount(tx *gorm.DB, accountID uint, now time.Time) error {
	start := PeriodStart(now)
	err := tx.Model(&models.Account{}).
		Where("id = ? AND period_start < ?", accountID, start).
		UpdateColumns(map[string]interface{}{"monthly_usage": 0, "period_start": start}).Error
	if err != nil {
		return apperrors.Wrap(err).WithMessage("roll over usage period").Mark(apperrors.ErrDatabase)
	}
	return nil
}

// RolloverPeriods resets the usage counter of every account whose period
// started before the current month.
func (l *Ledger) RolloverPeriods(ctx context.Context, now time.Time) (int64, error) {
	start := PeriodStart(now)
	res := l.db.WithContext(ctx).Model(&models.Account{}).
		Where("period_start < ?", start).
		UpdateColumns(map[string]interface{}{"monthly_usage": 0, "period_start": start})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error).WithMessage("roll over usage periods").Mark(apperrors.ErrDatabase)
	}
	if res.RowsAffected > 0 {
		l.log.Infow("usage periods rolled over", "accounts", res.RowsAffected, "period_start", start)
	}
	return res.RowsAffected, nil
}

// GrantCredits adds purchased credits for a confirmed payment. A repeated
// event id returns ErrDuplicatePaymentEvent and grants nothing.
func (l *Ledger) GrantCredits(ctx context.Context, event models.PaymentEvent, now time.Time) error {
	if event.Credits <= 0 {
		return apperrors.Newf("credit grant must be positive, got %d", event.Credits).Mark(apperrors.ErrValidation)
	}
	event.Kind = models.EventCreditPurchase

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ClaimPaymentEvent(tx, &event, now); err != nil {
			return err
		}
		return mustApply(tx.Model(&models.Account{}).
			Where("id = ?", event.AccountID).
			UpdateColumns(map[string]interface{}{
				"credits_balance":         gorm.Expr("credits_balance + ?", event.Credits),
				"total_credits_purchased": gorm.Expr("total_credits_purchased + ?", event.Credits),
			}), event.AccountID)
	})
	if err != nil {
		return err
	}
	l.log.Infow("credits granted", "account_id", event.AccountID, "credits", event.Credits, "event_id", event.EventID)
	return nil
}

// ApplySubscriptionChange sets the tier and/or status carried by a billing
// event, once per event id.
func (l *Ledger) ApplySubscriptionChange(ctx context.Context, event models.PaymentEvent, now time.Time) error {
	updates := map[string]interface{}{}
	if event.Tier != "" {
		if !event.Tier.Valid() {
			return apperrors.Newf("unknown subscription tier %q", event.Tier).Mark(apperrors.ErrValidation)
		}
		updates["subscription_tier"] = string(event.Tier)
	}
	if event.Status != "" {
		updates["subscription_status"] = string(event.Status)
	}
	if len(updates) == 0 {
		return apperrors.New("subscription change carries neither tier nor status").Mark(apperrors.ErrValidation)
	}
	event.Kind = models.EventSubscriptionChange

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ClaimPaymentEvent(tx, &event, now); err != nil {
			return err
		}
		return mustApply(tx.Model(&models.Account{}).Where("id = ?", event.AccountID).Updates(updates), event.AccountID)
	})
	if err != nil {
		return err
	}
	l.log.Infow("subscription changed", "account_id", event.AccountID, "tier", event.Tier, "status", event.Status, "event_id", event.EventID)
	return nil
}

// ClaimPaymentEvent records event inside tx, failing with
// ErrDuplicatePaymentEvent if its id was already recorded. The unique index on
// event_id settles concurrent deliveries.
func ClaimPaymentEvent(tx *gorm.DB, event *models.PaymentEvent, now time.Time) error {
	if event.EventID == "" {
		return apperrors.New("payment event id is required").Mark(apperrors.ErrValidation)
	}

	var seen int64
	if err := tx.Unscoped().Model(&models.PaymentEvent{}).Where("event_id = ?", event.EventID).Count(&seen).Error; err != nil {
		return apperrors.Wrap(err).WithMessage("check payment event").Mark(apperrors.ErrDatabase)
	}
	if seen > 0 {
		return duplicateEvent(event.EventID)
	}

	event.ProcessedAt = now.UTC()
	if err := tx.Create(event).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return duplicateEvent(event.EventID)
		}
		return apperrors.Wrap(err).WithMessage("record payment event").Mark(apperrors.ErrDatabase)
	}
	return nil
}

func duplicateEvent(id string) error {
	return apperrors.Newf("payment event %s already processed", id).Mark(apperrors.ErrDuplicatePaymentEvent)
}

func loadAccount(db *gorm.DB, accountID uint) (models.Account, error) {
	var account models.Account
	if err := db.First(&account, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account, apperrors.Newf("account %d not found", accountID).Mark(apperrors.ErrNotFound)
		}
		return account, apperrors.Wrap(err).WithMessage("load account").Mark(apperrors.ErrDatabase)
	}
	return account, nil
}

func applied(res *gorm.DB) (bool, error) {
	if res.Error != nil {
		return false, apperrors.Wrap(res.Error).WithMessage("update account counters").Mark(apperrors.ErrDatabase)
	}
	return res.RowsAffected == 1, nil
}

func mustApply(res *gorm.DB, accountID uint) error {
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf("account %d not found", accountID).Mark(apperrors.ErrNotFound)
	}
	return nil
}
