package scheduler

import (
	"context"
	"errors"
	"slices"
	"time"

	"invoicekits/apperrors"
	"invoicekits/config"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/models"
	"invoicekits/notify"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"
)

// Notifier is told about invoices after they are committed. Its errors are
// reported, never rolled back.
type Notifier interface {
	InvoiceGenerated(ctx context.Context, notice notify.GeneratedNotice) error
	InvoiceToClient(ctx context.Context, inv models.Invoice, accountName string) error
	PaymentReminder(ctx context.Context, inv models.Invoice, accountName string, daysFromDue int) error
	LateFeeApplied(ctx context.Context, notice notify.LateFeeNotice) error
}

type Scheduler struct {
	db              *gorm.DB
	ledger          *ledger.Ledger
	notifier        Notifier
	log             *logger.Logger
	workers         int
	reminderOffsets []int
}

type Option func(*Scheduler)

// WithWorkers bounds how many definitions a tick processes at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithReminderOffsets sets the days relative to the due date on which
// payment reminders go out. An empty list turns reminders off.
func WithReminderOffsets(offsets []int) Option {
	return func(s *Scheduler) {
		s.reminderOffsets = slices.Clone(offsets)
	}
}

func New(db *gorm.DB, l *ledger.Ledger, notifier Notifier, log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:              db,
		ledger:          l,
		notifier:        notifier,
		log:             log,
		workers:         1,
		reminderOffsets: config.DefaultReminderOffsets(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefinitionError is one failure while processing a definition.
type DefinitionError struct {
	DefinitionID uint   `json:"definition_id"`
	AccountID    uint   `json:"account_id"`
	Stage        string `json:"stage"`
	Message      string `json:"error"`
	Err          error  `json:"-"`
}

const (
	StageEligibility  = "eligibility"
	StageAdvance      = "advance"
	StageMaterialize  = "materialize"
	StageNotifyOwner  = "notify_owner"
	StageNotifyClient = "notify_client"
)

type TickReport struct {
	Date      time.Time         `json:"date"`
	Due       int               `json:"due"`
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Invoices  []string          `json:"invoices"`
	Errors    []DefinitionError `json:"errors"`
}

type result int

const (
	resultProcessed result = iota
	resultSkipped
	resultFailed
)

type outcome struct {
	result  result
	invoice string
	errs    []DefinitionError
}

// errLostRace means another tick advanced the definition first.
var errLostRace = errors.New("definition already advanced")

// RunDailyTick materializes every active definition due on or before now.
// Definitions are independent: one failing never stops or undoes another.
func (s *Scheduler) RunDailyTick(ctx context.Context, now time.Time) (TickReport, error) {
	report := TickReport{Date: now.UTC(), Invoices: []string{}, Errors: []DefinitionError{}}

	var due []models.RecurringInvoice
	err := s.db.WithContext(ctx).
		Preload("Account").
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("status = ? AND needs_review = ? AND next_due_date <= ?", string(models.RecurringActive), false, now.UTC()).
		Where("end_date IS NULL OR end_date >= next_due_date").
		Order("next_due_date, id").
		Find(&due).Error
	if err != nil {
		return report, apperrors.Wrap(err).WithMessage("load due recurring invoices").Mark(apperrors.ErrDatabase)
	}
	report.Due = len(due)

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(s.workers)
	for _, def := range due {
		p.Go(func() outcome {
			return s.process(ctx, def, now)
		})
	}

	for _, o := range p.Wait() {
		switch o.result {
		case resultProcessed:
			report.Processed++
			report.Invoices = append(report.Invoices, o.invoice)
		case resultSkipped:
			report.Skipped++
		case resultFailed:
			report.Failed++
		}
		report.Errors = append(report.Errors, o.errs...)
	}

	s.log.Infow("daily tick finished",
		"date", report.Date,
		"due", report.Due,
		"processed", report.Processed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"errors", len(report.Errors))
	return report, nil
}

func (s *Scheduler) process(ctx context.Context, def models.RecurringInvoice, now time.Time) outcome {
	log := s.log.With("definition_id", def.ID, "account_id", def.AccountID)

	ok, err := s.eligible(ctx, def)
	if err != nil {
		log.Errorw("eligibility check failed", "error", err)
		return outcome{result: resultFailed, errs: []DefinitionError{defError(def, StageEligibility, err)}}
	}
	if !ok {
		log.Infow("recurring invoice skipped, plan does not allow it", "tier", def.Account.SubscriptionTier)
		return outcome{result: resultSkipped}
	}

	inv, _, err := s.materialize(ctx, def, now, models.RecurringActive)
	switch {
	case errors.Is(err, errLostRace):
		log.Infow("recurring invoice already generated by another run")
		return outcome{result: resultSkipped}
	case apperrors.IsScheduleAdvance(err):
		log.Errorw("recurring schedule flagged for review", "error", err)
		return outcome{result: resultFailed, errs: []DefinitionError{defError(def, StageAdvance, err)}}
	case err != nil:
		log.Errorw("recurring invoice generation failed", "error", err)
		return outcome{result: resultFailed, errs: []DefinitionError{defError(def, StageMaterialize, err)}}
	}

	log.Infow("recurring invoice generated", "invoice_number", inv.InvoiceNumber)
	return outcome{
		result:  resultProcessed,
		invoice: inv.InvoiceNumber,
		errs:    s.notify(ctx, def, inv),
	}
}

// eligible reports whether the account's tier still covers def. On capped
// tiers only the oldest healthy active definitions up to the cap are served;
// the rest stay due until the account upgrades or frees a slot. Definitions
// flagged for review never hold a slot.
func (s *Scheduler) eligible(ctx context.Context, def models.RecurringInvoice) (bool, error) {
	policy := ledger.PolicyFor(def.Account.SubscriptionTier)
	if !policy.RecurringInvoices {
		return false, nil
	}
	if policy.MaxRecurring == ledger.Unlimited {
		return true, nil
	}

	var older int64
	err := s.db.WithContext(ctx).Model(&models.RecurringInvoice{}).
		Where("account_id = ? AND status = ? AND needs_review = ? AND id < ?", def.AccountID, string(models.RecurringActive), false, def.ID).
		Count(&older).Error
	if err != nil {
		return false, apperrors.Wrap(err).WithMessage("count recurring invoices").Mark(apperrors.ErrDatabase)
	}
	return older < int64(policy.MaxRecurring), nil
}

// materialize creates the invoice for def's current due date and advances the
// schedule by one cadence unit, in one transaction, returning the invoice and
// the due date it stored. The advance is a compare-and-set on the observed
// next due date, so a concurrent or repeated run cannot fire the same period
// twice. A definition whose next due date passes its end date is completed in
// the same update.
func (s *Scheduler) materialize(ctx context.Context, def models.RecurringInvoice, now time.Time, statuses ...models.RecurringStatus) (models.Invoice, time.Time, error) {
	next, err := NextDue(def.NextDueDate, def.Cadence)
	if err != nil {
		s.flagForReview(ctx, def.ID)
		return models.Invoice{}, time.Time{}, err
	}

	inv, err := invoicing.FromRecurring(def, now)
	if err != nil {
		return models.Invoice{}, time.Time{}, err
	}

	updates := map[string]interface{}{
		"next_due_date":     next.UTC(),
		"last_generated_at": now.UTC(),
		"generated_count":   gorm.Expr("generated_count + ?", 1),
	}
	completes := def.EndsBefore(next)
	if completes {
		updates["status"] = string(models.RecurringCompleted)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RecurringInvoice{}).
			Where("id = ? AND next_due_date = ? AND status IN ?", def.ID, def.NextDueDate.UTC(), statusStrings(statuses)).
			UpdateColumns(updates)
		if res.Error != nil {
			return apperrors.Wrap(res.Error).WithMessage("advance recurring schedule").Mark(apperrors.ErrDatabase)
		}
		if res.RowsAffected != 1 {
			return errLostRace
		}
		return invoicing.Insert(tx, &inv)
	})
	if err != nil {
		return models.Invoice{}, time.Time{}, err
	}
	if completes {
		s.log.Infow("recurring invoice reached its end date", "definition_id", def.ID, "end_date", def.EndDate)
	}
	return inv, next, nil
}

func (s *Scheduler) flagForReview(ctx context.Context, id uint) {
	err := s.db.WithContext(ctx).Model(&models.RecurringInvoice{}).Where("id = ?", id).UpdateColumn("needs_review", true).Error
	if err != nil {
		s.log.Errorw("failed to flag recurring invoice for review", "definition_id", id, "error", err)
	}
}

// notify runs after commit. Failures are returned for the report only.
func (s *Scheduler) notify(ctx context.Context, def models.RecurringInvoice, inv models.Invoice) []DefinitionError {
	var errs []DefinitionError
	log := s.log.With("definition_id", def.ID, "invoice_number", inv.InvoiceNumber)

	if def.SendEmailOnGeneration {
		notice := notify.GeneratedNotice{
			AccountID:      def.AccountID,
			AccountName:    def.Account.Name,
			OwnerEmail:     s.ownerEmail(ctx, def.Account),
			DefinitionID:   def.ID,
			DefinitionName: def.Name,
			Invoice:        inv,
		}
		if err := s.notifier.InvoiceGenerated(ctx, notice); err != nil {
			log.Warnw("owner notification failed", "error", err)
			errs = append(errs, defError(def, StageNotifyOwner, err))
		}
	}

	if def.AutoSendToClient && inv.ClientEmail != "" {
		if err := s.notifier.InvoiceToClient(ctx, inv, def.Account.Name); err != nil {
			log.Warnw("client email failed", "error", err)
			errs = append(errs, defError(def, StageNotifyClient, err))
		}
	}
	return errs
}

func (s *Scheduler) ownerEmail(ctx context.Context, account models.Account) string {
	var owner models.User
	err := s.db.WithContext(ctx).Where("account_id = ? AND is_owner = ?", account.ID, true).First(&owner).Error
	if err == nil && owner.Email != "" {
		return owner.Email
	}
	return account.BillingEmail
}

// MarkOverdue moves sent invoices past their due date to overdue.
func (s *Scheduler) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	n, err := invoicing.MarkOverdue(ctx, s.db, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infow("invoices marked overdue", "count", n)
	}
	return n, nil
}

type JobReport struct {
	PeriodsRolledOver int64       `json:"periods_rolled_over"`
	Tick              TickReport  `json:"tick"`
	MarkedOverdue     int64       `json:"marked_overdue"`
	Reminders         SweepReport `json:"reminders"`
	LateFees          SweepReport `json:"late_fees"`
}

// RunDailyJob is the once-a-day entry point. In order it rolls usage periods
// over, runs the recurring tick, marks overdue invoices, sends payment
// reminders and applies late fees.
func (s *Scheduler) RunDailyJob(ctx context.Context, now time.Time) (JobReport, error) {
	var report JobReport
	var err error

	if report.PeriodsRolledOver, err = s.ledger.RolloverPeriods(ctx, now); err != nil {
		return report, err
	}
	if report.Tick, err = s.RunDailyTick(ctx, now); err != nil {
		return report, err
	}
	if report.MarkedOverdue, err = s.MarkOverdue(ctx, now); err != nil {
		return report, err
	}
	if report.Reminders, err = s.SendReminders(ctx, now); err != nil {
		return report, err
	}
	if report.LateFees, err = s.ApplyLateFees(ctx, now); err != nil {
		return report, err
	}
	return report, nil
}

func defError(def models.RecurringInvoice, stage string, err error) DefinitionError {
	return DefinitionError{
		DefinitionID: def.ID,
		AccountID:    def.AccountID,
		Stage:        stage,
		Message:      err.Error(),
		Err:          err,
	}
}

func statusStrings(statuses []models.RecurringStatus) []string {
	return lo.Map(statuses, func(st models.RecurringStatus, _ int) string { return string(st) })
}
