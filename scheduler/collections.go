package scheduler

import (
	"context"
	"slices"
	"time"

	"invoicekits/apperrors"
	"invoicekits/invoicing"
	"invoicekits/models"
	"invoicekits/notify"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
)

const (
	StageReminder      = "reminder"
	StageLateFee       = "late_fee"
	StageNotifyLateFee = "notify_late_fee"
)

// InvoiceError is one failure while chasing an unpaid invoice.
type InvoiceError struct {
	InvoiceID     uint   `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Stage         string `json:"stage"`
	Message       string `json:"error"`
	Err           error  `json:"-"`
}

// SweepReport summarizes one pass over unpaid invoices.
type SweepReport struct {
	Candidates int            `json:"candidates"`
	Applied    int            `json:"applied"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Errors     []InvoiceError `json:"errors"`
}

type sweepOutcome struct {
	result result
	errs   []InvoiceError
}

func (r *SweepReport) collect(outcomes []sweepOutcome) {
	for _, o := range outcomes {
		switch o.result {
		case resultProcessed:
			r.Applied++
		case resultSkipped:
			r.Skipped++
		case resultFailed:
			r.Failed++
		}
		r.Errors = append(r.Errors, o.errs...)
	}
}

// reminderOffset picks the reminder an invoice daysPastDue days from its due
// date should get now: the latest offset already reached that is later than
// the last one sent. Missed days collapse into a single reminder.
func reminderOffset(offsets []int, daysPastDue int, last *int) (int, bool) {
	best, found := 0, false
	for _, offset := range offsets {
		if offset > daysPastDue || (last != nil && offset <= *last) {
			continue
		}
		if !found || offset > best {
			best, found = offset, true
		}
	}
	return best, found
}

// SendReminders emails clients of unpaid invoices on the configured days
// around the due date, for accounts that turned reminders on. Each offset is
// claimed with a compare-and-set before the email goes out, so an invoice
// never gets the same reminder twice.
func (s *Scheduler) SendReminders(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Errors: []InvoiceError{}}
	if len(s.reminderOffsets) == 0 {
		return report, nil
	}
	earliest := slices.Min(s.reminderOffsets)
	latest := slices.Max(s.reminderOffsets)
	today := invoicing.StartOfDay(now)

	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Account").
		Joins("JOIN accounts ON accounts.id = invoices.account_id AND accounts.deleted_at IS NULL").
		Where("accounts.reminders_enabled = ?", true).
		Where("invoices.status IN ? AND invoices.client_email <> ''", invoicing.UnpaidStatuses).
		Where("invoices.due_date <= ?", today.AddDate(0, 0, -earliest)).
		Where("invoices.last_reminder_offset IS NULL OR invoices.last_reminder_offset < ?", latest).
		Order("invoices.due_date, invoices.id").
		Find(&invoices).Error
	if err != nil {
		return report, apperrors.Wrap(err).WithMessage("load invoices needing reminders").Mark(apperrors.ErrDatabase)
	}
	report.Candidates = len(invoices)

	p := pool.NewWithResults[sweepOutcome]().WithMaxGoroutines(s.workers)
	for _, inv := range invoices {
		p.Go(func() sweepOutcome {
			return s.remind(ctx, inv, now)
		})
	}
	report.collect(p.Wait())

	s.log.Infow("payment reminders finished",
		"date", today,
		"candidates", report.Candidates,
		"sent", report.Applied,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report, nil
}

func (s *Scheduler) remind(ctx context.Context, inv models.Invoice, now time.Time) sweepOutcome {
	log := s.log.With("invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber)

	offset, ok := reminderOffset(s.reminderOffsets, invoicing.DaysPastDue(inv.DueDate, now), inv.LastReminderOffset)
	if !ok {
		return sweepOutcome{result: resultSkipped}
	}

	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status IN ?", inv.ID, invoicing.UnpaidStatuses).
		Where("last_reminder_offset IS NULL OR last_reminder_offset < ?", offset).
		UpdateColumn("last_reminder_offset", offset)
	if res.Error != nil {
		err := apperrors.Wrap(res.Error).WithMessage("claim payment reminder").Mark(apperrors.ErrDatabase)
		log.Errorw("payment reminder claim failed", "error", err)
		return sweepOutcome{result: resultFailed, errs: []InvoiceError{invoiceError(inv, StageReminder, err)}}
	}
	if res.RowsAffected != 1 {
		return sweepOutcome{result: resultSkipped}
	}

	if err := s.notifier.PaymentReminder(ctx, inv, inv.Account.Name, offset); err != nil {
		log.Warnw("payment reminder failed", "days_from_due", offset, "error", err)
		return sweepOutcome{result: resultFailed, errs: []InvoiceError{invoiceError(inv, StageReminder, err)}}
	}
	log.Infow("payment reminder sent", "days_from_due", offset)
	return sweepOutcome{result: resultProcessed}
}

// ApplyLateFees charges each account's late fee once on invoices that are
// still unpaid more than the account's grace days after their due date.
func (s *Scheduler) ApplyLateFees(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{Errors: []InvoiceError{}}
	today := invoicing.StartOfDay(now)

	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Account").
		Joins("JOIN accounts ON accounts.id = invoices.account_id AND accounts.deleted_at IS NULL").
		Where("accounts.late_fees_enabled = ? AND accounts.late_fee_amount > ?", true, 0).
		Where("invoices.status IN ? AND invoices.late_fee_applied_at IS NULL AND invoices.due_date < ?", invoicing.UnpaidStatuses, today).
		Order("invoices.due_date, invoices.id").
		Find(&invoices).Error
	if err != nil {
		return report, apperrors.Wrap(err).WithMessage("load invoices for late fees").Mark(apperrors.ErrDatabase)
	}

	invoices = lo.Filter(invoices, func(inv models.Invoice, _ int) bool {
		return invoicing.DaysPastDue(inv.DueDate, now) > inv.Account.LateFeeGraceDays
	})
	report.Candidates = len(invoices)

	p := pool.NewWithResults[sweepOutcome]().WithMaxGoroutines(s.workers)
	for _, inv := range invoices {
		p.Go(func() sweepOutcome {
			return s.chargeLateFee(ctx, inv, now)
		})
	}
	report.collect(p.Wait())

	s.log.Infow("late fees finished",
		"date", today,
		"candidates", report.Candidates,
		"applied", report.Applied,
		"skipped", report.Skipped,
		"failed", report.Failed)
	return report, nil
}

func (s *Scheduler) chargeLateFee(ctx context.Context, inv models.Invoice, now time.Time) sweepOutcome {
	log := s.log.With("invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber)

	entry, err := invoicing.ApplyLateFee(ctx, s.db, inv, inv.Account, now)
	if err != nil {
		log.Errorw("late fee failed", "error", err)
		return sweepOutcome{result: resultFailed, errs: []InvoiceError{invoiceError(inv, StageLateFee, err)}}
	}
	if entry == nil {
		return sweepOutcome{result: resultSkipped}
	}
	log.Infow("late fee applied", "fee", entry.FeeAmount, "days_overdue", entry.DaysOverdue)

	inv.Total = entry.TotalAfter
	inv.LateFeeAmount = entry.FeeAmount
	notice := notify.LateFeeNotice{
		AccountID:   inv.AccountID,
		AccountName: inv.Account.Name,
		OwnerEmail:  s.ownerEmail(ctx, inv.Account),
		Invoice:     inv,
		Fee:         entry.FeeAmount,
		TotalBefore: entry.TotalBefore,
	}
	if err := s.notifier.LateFeeApplied(ctx, notice); err != nil {
		log.Warnw("late fee notification failed", "error", err)
		return sweepOutcome{result: resultProcessed, errs: []InvoiceError{invoiceError(inv, StageNotifyLateFee, err)}}
	}
	return sweepOutcome{result: resultProcessed}
}

// CollectionSettings are an account's reminder and late fee preferences.
type CollectionSettings struct {
	RemindersEnabled bool               `json:"reminders_enabled"`
	LateFeesEnabled  bool               `json:"late_fees_enabled"`
	LateFeeType      models.LateFeeType `json:"late_fee_type"`
	LateFeeAmount    decimal.Decimal    `json:"late_fee_amount"`
	LateFeeGraceDays int                `json:"late_fee_grace_days"`
	LateFeeMaxAmount decimal.Decimal    `json:"late_fee_max_amount"`
}

func SettingsOf(account models.Account) CollectionSettings {
	return CollectionSettings{
		RemindersEnabled: account.RemindersEnabled,
		LateFeesEnabled:  account.LateFeesEnabled,
		LateFeeType:      account.LateFeeType,
		LateFeeAmount:    account.LateFeeAmount,
		LateFeeGraceDays: account.LateFeeGraceDays,
		LateFeeMaxAmount: account.LateFeeMaxAmount,
	}
}

// UpdateCollectionSettings validates and stores an account's reminder and
// late fee preferences.
func (s *Scheduler) UpdateCollectionSettings(ctx context.Context, accountID uint, in CollectionSettings) (CollectionSettings, error) {
	if in.LateFeeType == "" {
		in.LateFeeType = models.LateFeeFlat
	}
	if !in.LateFeeType.Valid() {
		return in, apperrors.Newf("unknown late fee type %q", in.LateFeeType).Mark(apperrors.ErrValidation)
	}
	if in.LateFeeAmount.IsNegative() || in.LateFeeMaxAmount.IsNegative() {
		return in, apperrors.New("late fee amounts must not be negative").Mark(apperrors.ErrValidation)
	}
	if in.LateFeeType == models.LateFeePercentage && in.LateFeeAmount.GreaterThan(decimal.NewFromInt(100)) {
		return in, apperrors.New("late fee percentage must be between 0 and 100").Mark(apperrors.ErrValidation)
	}
	if in.LateFeeGraceDays < 0 || in.LateFeeGraceDays > 365 {
		return in, apperrors.New("late fee grace days must be between 0 and 365").Mark(apperrors.ErrValidation)
	}
	if in.LateFeesEnabled && !in.LateFeeAmount.IsPositive() {
		return in, apperrors.New("late fee amount is required when late fees are enabled").Mark(apperrors.ErrValidation)
	}

	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).UpdateColumns(map[string]interface{}{
		"reminders_enabled":   in.RemindersEnabled,
		"late_fees_enabled":   in.LateFeesEnabled,
		"late_fee_type":       string(in.LateFeeType),
		"late_fee_amount":     in.LateFeeAmount.RoundBank(2),
		"late_fee_grace_days": in.LateFeeGraceDays,
		"late_fee_max_amount": in.LateFeeMaxAmount.RoundBank(2),
	})
	if res.Error != nil {
		return in, apperrors.Wrap(res.Error).WithMessage("update collection settings").Mark(apperrors.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return in, apperrors.Newf("account %d not found", accountID).Mark(apperrors.ErrNotFound)
	}
	s.log.Infow("collection settings updated", "account_id", accountID, "reminders", in.RemindersEnabled, "late_fees", in.LateFeesEnabled)

	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, accountID).Error; err != nil {
		return in, apperrors.Wrap(err).WithMessage("load account").Mark(apperrors.ErrDatabase)
	}
	return SettingsOf(account), nil
}

func invoiceError(inv models.Invoice, stage string, err error) InvoiceError {
	return InvoiceError{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Stage:         stage,
		Message:       err.Error(),
		Err:           err,
	}
}
