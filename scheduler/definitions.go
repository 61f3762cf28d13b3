package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"invoicekits/apperrors"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/models"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefinitionInput is the user-editable part of a recurring invoice.
type DefinitionInput struct {
	Name                  string                    `json:"name"`
	ClientID              *uint                     `json:"client_id"`
	ClientName            string                    `json:"client_name"`
	ClientEmail           string                    `json:"client_email"`
	Cadence               models.Cadence            `json:"cadence"`
	StartDate             string                    `json:"start_date"` // YYYY-MM-DD, defaults to today
	EndDate               string                    `json:"end_date"`   // YYYY-MM-DD, empty for no end
	Currency              string                    `json:"currency"`
	TaxRate               decimal.Decimal           `json:"tax_rate"`
	DiscountAmount        decimal.Decimal           `json:"discount_amount"`
	PaymentTerms          models.PaymentTerms       `json:"payment_terms"`
	TemplateStyle         string                    `json:"template_style"`
	Notes                 string                    `json:"notes"`
	SendEmailOnGeneration bool                      `json:"send_email_on_generation"`
	AutoSendToClient      bool                      `json:"auto_send_to_client"`
	LineItems             []invoicing.LineItemInput `json:"line_items"`
}

var activeOrPaused = []models.RecurringStatus{models.RecurringActive, models.RecurringPaused}

var deletable = []models.RecurringStatus{models.RecurringActive, models.RecurringPaused, models.RecurringCompleted}

// Generated is the result of a manual generation.
type Generated struct {
	Invoice            models.Invoice    `json:"invoice"`
	NextDueDate        time.Time         `json:"next_due_date"`
	NotificationErrors []DefinitionError `json:"notification_errors"`
}

func (s *Scheduler) Get(ctx context.Context, accountID, id uint) (*models.RecurringInvoice, error) {
	var def models.RecurringInvoice
	err := s.db.WithContext(ctx).
		Preload("Account").
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id = ? AND account_id = ?", id, accountID).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf("recurring invoice %d not found", id).Mark(apperrors.ErrNotFound)
		}
		return nil, apperrors.Wrap(err).WithMessage("load recurring invoice").Mark(apperrors.ErrDatabase)
	}
	return &def, nil
}

// Create stores a new active definition. Active and paused definitions both
// count against the tier's cap.
func (s *Scheduler) Create(ctx context.Context, accountID uint, in DefinitionInput, now time.Time) (*models.RecurringInvoice, error) {
	def := models.RecurringInvoice{AccountID: accountID, Status: models.RecurringActive}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account models.Account
		if err := tx.First(&account, accountID).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("load account").Mark(apperrors.ErrDatabase)
		}
		policy := ledger.PolicyFor(account.SubscriptionTier)
		if !policy.RecurringInvoices {
			return featureNotInPlan(account.SubscriptionTier)
		}

		var current int64
		err := tx.Model(&models.RecurringInvoice{}).
			Where("account_id = ? AND status IN ?", accountID, statusStrings(activeOrPaused)).
			Count(&current).Error
		if err != nil {
			return apperrors.Wrap(err).WithMessage("count recurring invoices").Mark(apperrors.ErrDatabase)
		}
		if !policy.AllowsMoreRecurring(current) {
			return capReached(policy)
		}

		if err := s.apply(tx, &def, account, in, now, true); err != nil {
			return err
		}
		if err := tx.Create(&def).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("create recurring invoice").Mark(apperrors.ErrDatabase)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("recurring invoice created", "account_id", accountID, "definition_id", def.ID, "cadence", def.Cadence, "next_due_date", def.NextDueDate)
	return &def, nil
}

// Update replaces the editable fields and line items of a definition and
// clears any review flag.
func (s *Scheduler) Update(ctx context.Context, accountID, id uint, in DefinitionInput, now time.Time) (*models.RecurringInvoice, error) {
	def, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if err := editable(def); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.apply(tx, def, def.Account, in, now, in.StartDate != ""); err != nil {
			return err
		}
		def.NeedsReview = false

		if err := tx.Where("recurring_invoice_id = ?", def.ID).Delete(&models.RecurringLineItem{}).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("replace line items").Mark(apperrors.ErrDatabase)
		}
		if err := tx.Omit("Account").Save(def).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("update recurring invoice").Mark(apperrors.ErrDatabase)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("recurring invoice updated", "account_id", accountID, "definition_id", def.ID)
	return def, nil
}

// apply validates in and copies it onto def. The next due date is only taken
// from in when setStart is true.
func (s *Scheduler) apply(tx *gorm.DB, def *models.RecurringInvoice, account models.Account, in DefinitionInput, now time.Time, setStart bool) error {
	if strings.TrimSpace(in.Name) == "" {
		return apperrors.New("name is required").Mark(apperrors.ErrValidation)
	}
	if !in.Cadence.Valid() {
		return apperrors.Newf("unknown cadence %q", in.Cadence).Mark(apperrors.ErrValidation)
	}
	if err := invoicing.ValidateLineItems(in.LineItems); err != nil {
		return err
	}
	if in.TaxRate.IsNegative() || in.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return apperrors.New("tax rate must be between 0 and 100").Mark(apperrors.ErrValidation)
	}
	if in.DiscountAmount.IsNegative() {
		return apperrors.New("discount must not be negative").Mark(apperrors.ErrValidation)
	}
	if err := invoicing.ValidateDiscount(in.LineItems, in.TaxRate, in.DiscountAmount); err != nil {
		return err
	}

	terms := lo.Ternary(in.PaymentTerms == "", models.TermsNet30, in.PaymentTerms)
	if !terms.Valid() {
		return apperrors.Newf("unknown payment terms %q", in.PaymentTerms).Mark(apperrors.ErrValidation)
	}
	style := lo.Ternary(in.TemplateStyle == "", ledger.DefaultTemplate, in.TemplateStyle)
	if !ledger.PolicyFor(account.SubscriptionTier).AllowsTemplate(style) {
		return apperrors.Newf("template %q is not available on the %s plan", style, account.SubscriptionTier).
			WithHint("Upgrade your plan to use this template.").
			Mark(apperrors.ErrPermissionDenied)
	}

	clientName, clientEmail := in.ClientName, in.ClientEmail
	if in.ClientID != nil {
		var client models.Client
		err := tx.Where("id = ? AND account_id = ?", *in.ClientID, account.ID).First(&client).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Newf("client %d not found", *in.ClientID).Mark(apperrors.ErrNotFound)
		}
		if err != nil {
			return apperrors.Wrap(err).WithMessage("load client").Mark(apperrors.ErrDatabase)
		}
		clientName, clientEmail = client.Name, client.Email
	}
	if strings.TrimSpace(clientName) == "" {
		return apperrors.New("a client id or client name is required").Mark(apperrors.ErrValidation)
	}

	if setStart {
		start, err := parseStartDate(in.StartDate, now)
		if err != nil {
			return err
		}
		def.NextDueDate = start
	}
	end, err := parseEndDate(in.EndDate, def.NextDueDate)
	if err != nil {
		return err
	}
	def.EndDate = end

	def.Name = in.Name
	def.ClientID = in.ClientID
	def.ClientName = clientName
	def.ClientEmail = clientEmail
	def.Cadence = in.Cadence
	def.Currency = strings.ToUpper(lo.Ternary(in.Currency == "", "USD", in.Currency))
	def.TaxRate = in.TaxRate
	def.DiscountAmount = in.DiscountAmount
	def.PaymentTerms = terms
	def.TemplateStyle = style
	def.Notes = in.Notes
	def.SendEmailOnGeneration = in.SendEmailOnGeneration
	def.AutoSendToClient = in.AutoSendToClient
	def.LineItems = lo.Map(in.LineItems, func(item invoicing.LineItemInput, i int) models.RecurringLineItem {
		return models.RecurringLineItem{
			Position:    i + 1,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	})
	return nil
}

func parseStartDate(raw string, now time.Time) (time.Time, error) {
	today := invoicing.StartOfDay(now)
	if raw == "" {
		return today, nil
	}
	start, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, apperrors.Newf("start date %q is not YYYY-MM-DD", raw).Mark(apperrors.ErrValidation)
	}
	if start.Before(today) {
		return time.Time{}, apperrors.New("start date must not be in the past").Mark(apperrors.ErrValidation)
	}
	return start, nil
}

// parseEndDate reads an optional last due date. It may not fall before the
// next due date.
func parseEndDate(raw string, nextDue time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	end, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, apperrors.Newf("end date %q is not YYYY-MM-DD", raw).Mark(apperrors.ErrValidation)
	}
	if end.Before(nextDue) {
		return nil, apperrors.Newf("end date %s is before the next due date %s", raw, nextDue.Format(time.DateOnly)).
			Mark(apperrors.ErrValidation)
	}
	return &end, nil
}

// ToggleStatus flips a definition between active and paused. Resuming a
// definition whose due date has passed moves it to one cadence unit after
// today; missed periods are never generated. If that lands past the end
// date the definition is completed instead.
func (s *Scheduler) ToggleStatus(ctx context.Context, accountID, id uint, now time.Time) (*models.RecurringInvoice, error) {
	def, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	switch def.Status {
	case models.RecurringActive:
		updates["status"] = string(models.RecurringPaused)
	case models.RecurringPaused:
		policy := ledger.PolicyFor(def.Account.SubscriptionTier)
		if !policy.RecurringInvoices {
			return nil, featureNotInPlan(def.Account.SubscriptionTier)
		}
		var active int64
		err := s.db.WithContext(ctx).Model(&models.RecurringInvoice{}).
			Where("account_id = ? AND status = ? AND needs_review = ?", accountID, string(models.RecurringActive), false).
			Count(&active).Error
		if err != nil {
			return nil, apperrors.Wrap(err).WithMessage("count recurring invoices").Mark(apperrors.ErrDatabase)
		}
		if !policy.AllowsMoreRecurring(active) {
			return nil, capReached(policy)
		}

		updates["status"] = string(models.RecurringActive)
		today := invoicing.StartOfDay(now)
		if def.NextDueDate.Before(today) {
			next, err := NextDue(today, def.Cadence)
			if err != nil {
				return nil, err
			}
			updates["next_due_date"] = next
			if def.EndsBefore(next) {
				updates["status"] = string(models.RecurringCompleted)
			}
		}
	default:
		return nil, editable(def)
	}

	res := s.db.WithContext(ctx).Model(&models.RecurringInvoice{}).
		Where("id = ? AND status = ?", def.ID, string(def.Status)).
		UpdateColumns(updates)
	if res.Error != nil {
		return nil, apperrors.Wrap(res.Error).WithMessage("toggle recurring invoice").Mark(apperrors.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return nil, apperrors.Newf("recurring invoice %d changed concurrently", id).Mark(apperrors.ErrInvalidOperation)
	}

	s.log.Infow("recurring invoice toggled", "account_id", accountID, "definition_id", id, "status", updates["status"])
	return s.Get(ctx, accountID, id)
}

// GenerateNow materializes the next invoice of def immediately, whatever its
// due date, and advances the schedule from the current due date.
func (s *Scheduler) GenerateNow(ctx context.Context, accountID, id uint, now time.Time) (*Generated, error) {
	def, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if err := editable(def); err != nil {
		return nil, err
	}
	if !ledger.PolicyFor(def.Account.SubscriptionTier).RecurringInvoices {
		return nil, featureNotInPlan(def.Account.SubscriptionTier)
	}

	inv, next, err := s.materialize(ctx, *def, now, activeOrPaused...)
	if errors.Is(err, errLostRace) {
		return nil, apperrors.Newf("recurring invoice %d changed concurrently", id).
			WithHint("The recurring invoice was just generated or changed. Reload and try again.").
			Mark(apperrors.ErrInvalidOperation)
	}
	if err != nil {
		return nil, err
	}

	s.log.Infow("recurring invoice generated manually", "account_id", accountID, "definition_id", id, "invoice_number", inv.InvoiceNumber)
	return &Generated{
		Invoice:            inv,
		NextDueDate:        next,
		NotificationErrors: s.notify(ctx, *def, inv),
	}, nil
}

// Delete soft-deletes a definition, completed ones included. It cannot be
// restored.
func (s *Scheduler) Delete(ctx context.Context, accountID, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RecurringInvoice{}).
			Where("id = ? AND account_id = ? AND status IN ?", id, accountID, statusStrings(deletable)).
			UpdateColumn("status", string(models.RecurringDeleted))
		if res.Error != nil {
			return apperrors.Wrap(res.Error).WithMessage("delete recurring invoice").Mark(apperrors.ErrDatabase)
		}
		if res.RowsAffected != 1 {
			return apperrors.Newf("recurring invoice %d not found", id).Mark(apperrors.ErrNotFound)
		}
		return tx.Delete(&models.RecurringInvoice{}, id).Error
	})
	if err != nil {
		return err
	}
	s.log.Infow("recurring invoice deleted", "account_id", accountID, "definition_id", id)
	return nil
}

func featureNotInPlan(tier models.SubscriptionTier) error {
	return apperrors.Newf("recurring invoices are not available on the %s plan", tier).
		WithHint("Upgrade to Professional or Business to use recurring invoices.").
		Mark(apperrors.ErrPermissionDenied)
}

func capReached(policy ledger.TierPolicy) error {
	return apperrors.Newf("%s plan allows %d recurring invoices", policy.Name, policy.MaxRecurring).
		WithHintf("You have reached the limit of %d recurring invoices on the %s plan. Upgrade to Business for unlimited recurring invoices.", policy.MaxRecurring, policy.Name).
		Mark(apperrors.ErrPermissionDenied)
}

// editable refuses definitions that will never generate again.
func editable(def *models.RecurringInvoice) error {
	switch def.Status {
	case models.RecurringDeleted:
		return apperrors.Newf("recurring invoice %d is deleted", def.ID).Mark(apperrors.ErrInvalidOperation)
	case models.RecurringCompleted:
		return apperrors.Newf("recurring invoice %d is completed", def.ID).
			WithHint("This recurring invoice has passed its end date. Create a new one to keep billing.").
			Mark(apperrors.ErrInvalidOperation)
	}
	return nil
}
