package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"invoicekits/apperrors"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StartOfDay truncates t to midnight UTC. Invoice and schedule dates are
// stored at this granularity.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type LineItemInput struct {
	Description string          `json:"description" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Draft carries everything needed to issue an invoice.
type Draft struct {
	ClientID       *uint
	ClientName     string
	ClientEmail    string
	Currency       string
	TaxRate        decimal.Decimal
	DiscountAmount decimal.Decimal
	PaymentTerms   models.PaymentTerms
	TemplateStyle  string
	Notes          string
	Status         models.InvoiceStatus
	LineItems      []LineItemInput
}

// ValidateLineItems checks an ordered line-item list.
func ValidateLineItems(items []LineItemInput) error {
	if len(items) == 0 {
		return apperrors.New("at least one line item is required").Mark(apperrors.ErrValidation)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Description) == "" {
			return apperrors.Newf("line item %d has no description", i+1).Mark(apperrors.ErrValidation)
		}
		if !item.Quantity.IsPositive() {
			return apperrors.Newf("line item %d quantity must be positive", i+1).Mark(apperrors.ErrValidation)
		}
		if item.UnitPrice.IsNegative() {
			return apperrors.Newf("line item %d unit price must not be negative", i+1).Mark(apperrors.ErrValidation)
		}
	}
	return nil
}

func (d *Draft) normalize() error {
	if strings.TrimSpace(d.ClientName) == "" {
		return apperrors.New("client name is required").Mark(apperrors.ErrValidation)
	}
	if err := ValidateLineItems(d.LineItems); err != nil {
		return err
	}
	if d.TaxRate.IsNegative() || d.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return apperrors.New("tax rate must be between 0 and 100").Mark(apperrors.ErrValidation)
	}
	if d.DiscountAmount.IsNegative() {
		return apperrors.New("discount must not be negative").Mark(apperrors.ErrValidation)
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}
	d.Currency = strings.ToUpper(d.Currency)
	if d.PaymentTerms == "" {
		d.PaymentTerms = models.TermsNet30
	}
	if !d.PaymentTerms.Valid() {
		return apperrors.Newf("unknown payment terms %q", d.PaymentTerms).Mark(apperrors.ErrValidation)
	}
	if d.TemplateStyle == "" {
		d.TemplateStyle = ledger.DefaultTemplate
	}
	if !lo.Contains(ledger.Templates, d.TemplateStyle) {
		return apperrors.Newf("unknown template style %q", d.TemplateStyle).Mark(apperrors.ErrValidation)
	}
	if d.Status == "" {
		d.Status = models.InvoiceDraft
	}
	if d.Status != models.InvoiceDraft && d.Status != models.InvoiceSent {
		return apperrors.Newf("new invoices start as draft or sent, not %q", d.Status).Mark(apperrors.ErrValidation)
	}
	return nil
}

// Build assembles an unsaved invoice with computed totals. The invoice number
// is left empty.
func Build(accountID uint, d Draft, now time.Time) (models.Invoice, error) {
	if err := d.normalize(); err != nil {
		return models.Invoice{}, err
	}
	issue := StartOfDay(now)
	inv := models.Invoice{
		AccountID:      accountID,
		ClientID:       d.ClientID,
		Status:         d.Status,
		ClientName:     d.ClientName,
		ClientEmail:    d.ClientEmail,
		Currency:       d.Currency,
		TaxRate:        d.TaxRate,
		DiscountAmount: d.DiscountAmount,
		IssueDate:      issue,
		DueDate:        d.PaymentTerms.DueDate(issue),
		PaymentTerms:   d.PaymentTerms,
		TemplateStyle:  d.TemplateStyle,
		Notes:          d.Notes,
		PublicToken:    uuid.NewString(),
		LineItems:      toLineItems(d.LineItems),
	}
	inv.CalculateTotals()
	if inv.Total.IsNegative() {
		return models.Invoice{}, discountTooLarge(inv)
	}
	return inv, nil
}

// ValidateDiscount rejects a discount larger than the subtotal plus tax of
// items.
func ValidateDiscount(items []LineItemInput, taxRate, discount decimal.Decimal) error {
	inv := models.Invoice{TaxRate: taxRate, DiscountAmount: discount, LineItems: toLineItems(items)}
	inv.CalculateTotals()
	if inv.Total.IsNegative() {
		return discountTooLarge(inv)
	}
	return nil
}

func discountTooLarge(inv models.Invoice) error {
	return apperrors.Newf("discount %s exceeds the invoice amount %s", inv.DiscountAmount.StringFixed(2), inv.Subtotal.Add(inv.TaxAmount).StringFixed(2)).
		WithHint("The discount cannot be larger than the subtotal plus tax.").
		Mark(apperrors.ErrValidation)
}

func toLineItems(items []LineItemInput) []models.LineItem {
	return lo.Map(items, func(item LineItemInput, i int) models.LineItem {
		return models.LineItem{
			Position:    i + 1,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	})
}

// FromRecurring copies a recurring definition's template into a new invoice
// issued at now. The result is always sent.
func FromRecurring(def models.RecurringInvoice, now time.Time) (models.Invoice, error) {
	inv, err := Build(def.AccountID, Draft{
		ClientID:       def.ClientID,
		ClientName:     def.ClientName,
		ClientEmail:    def.ClientEmail,
		Currency:       def.Currency,
		TaxRate:        def.TaxRate,
		DiscountAmount: def.DiscountAmount,
		PaymentTerms:   def.PaymentTerms,
		TemplateStyle:  def.TemplateStyle,
		Notes:          def.Notes,
		Status:         models.InvoiceSent,
		LineItems: lo.Map(def.LineItems, func(item models.RecurringLineItem, _ int) LineItemInput {
			return LineItemInput{Description: item.Description, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
		}),
	}, now)
	if err != nil {
		return inv, err
	}
	inv.RecurringInvoiceID = &def.ID
	return inv, nil
}

// NextNumber allocates the next per-account invoice number inside tx.
func NextNumber(tx *gorm.DB, accountID uint) (string, error) {
	res := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("invoice_sequence", gorm.Expr("invoice_sequence + ?", 1))
	if res.Error != nil {
		return "", apperrors.Wrap(res.Error).WithMessage("allocate invoice number").Mark(apperrors.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return "", apperrors.Newf("account %d not found", accountID).Mark(apperrors.ErrNotFound)
	}

	var seq int
	if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Pluck("invoice_sequence", &seq).Error; err != nil {
		return "", apperrors.Wrap(err).WithMessage("read invoice number").Mark(apperrors.ErrDatabase)
	}
	return FormatNumber(seq), nil
}

func FormatNumber(seq int) string {
	return fmt.Sprintf("INV-%05d", seq)
}

// Insert numbers inv and saves it with its line items inside tx.
func Insert(tx *gorm.DB, inv *models.Invoice) error {
	number, err := NextNumber(tx, inv.AccountID)
	if err != nil {
		return err
	}
	inv.InvoiceNumber = number
	if err := tx.Create(inv).Error; err != nil {
		return apperrors.Wrap(err).WithMessage("create invoice").Mark(apperrors.ErrDatabase)
	}
	return nil
}

// Service handles invoices created by account users.
type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	log    *logger.Logger
}

func NewService(db *gorm.DB, l *ledger.Ledger, log *logger.Logger) *Service {
	return &Service{db: db, ledger: l, log: log}
}

// Create issues a new invoice for accountID, spending one entitlement in the
// same transaction.
func (s *Service) Create(ctx context.Context, accountID uint, d Draft, now time.Time) (*models.Invoice, ledger.Consumption, error) {
	inv, err := Build(accountID, d, now)
	if err != nil {
		return nil, "", err
	}

	consumed, err := s.ledger.CreateWithEntitlement(ctx, accountID, now, func(tx *gorm.DB) error {
		var account models.Account
		if err := tx.First(&account, accountID).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("load account").Mark(apperrors.ErrDatabase)
		}
		if !ledger.PolicyFor(account.SubscriptionTier).AllowsTemplate(inv.TemplateStyle) {
			return apperrors.Newf("template %q is not available on the %s plan", inv.TemplateStyle, account.SubscriptionTier).
				WithHint("Upgrade your plan to use this template.").
				Mark(apperrors.ErrPermissionDenied)
		}
		if inv.ClientID != nil {
			if err := ensureClient(tx, accountID, *inv.ClientID); err != nil {
				return err
			}
		}
		return Insert(tx, &inv)
	})
	if err != nil {
		return nil, "", err
	}

	s.log.Infow("invoice created", "account_id", accountID, "invoice_number", inv.InvoiceNumber, "consumed", consumed)
	return &inv, consumed, nil
}

func ensureClient(tx *gorm.DB, accountID, clientID uint) error {
	var n int64
	if err := tx.Model(&models.Client{}).Where("id = ? AND account_id = ?", clientID, accountID).Count(&n).Error; err != nil {
		return apperrors.Wrap(err).WithMessage("check client").Mark(apperrors.ErrDatabase)
	}
	if n == 0 {
		return apperrors.Newf("client %d not found", clientID).Mark(apperrors.ErrNotFound)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, accountID, invoiceID uint) (*models.Invoice, error) {
	return find(s.db.WithContext(ctx).Where("id = ? AND account_id = ?", invoiceID, accountID), fmt.Sprintf("invoice %d", invoiceID))
}

// GetByToken loads an invoice by its public access token.
func (s *Service) GetByToken(ctx context.Context, token string) (*models.Invoice, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, apperrors.New("invoice not found").Mark(apperrors.ErrNotFound)
	}
	return find(s.db.WithContext(ctx).Where("public_token = ?", token), "invoice")
}

func find(q *gorm.DB, what string) (*models.Invoice, error) {
	var inv models.Invoice
	err := q.Preload("LineItems", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf("%s not found", what).Mark(apperrors.ErrNotFound)
		}
		return nil, apperrors.Wrap(err).WithMessage("load invoice").Mark(apperrors.ErrDatabase)
	}
	return &inv, nil
}

// Transition moves an invoice to next. The update only applies if the status
// is still the one that was checked, so concurrent transitions cannot skip a
// state or reopen a paid invoice.
func (s *Service) Transition(ctx context.Context, accountID, invoiceID uint, next models.InvoiceStatus, now time.Time) (*models.Invoice, error) {
	if !next.Valid() {
		return nil, apperrors.Newf("unknown invoice status %q", next).Mark(apperrors.ErrValidation)
	}
	inv, err := s.Get(ctx, accountID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransitionTo(next) {
		return nil, apperrors.Newf("invoice %s cannot move from %s to %s", inv.InvoiceNumber, inv.Status, next).
			WithHint("Invoice status can only move forward and paid invoices cannot be changed.").
			Mark(apperrors.ErrInvalidOperation)
	}

	updates := map[string]interface{}{"status": string(next)}
	if next == models.InvoicePaid {
		paidAt := now.UTC()
		updates["paid_at"] = paidAt
		inv.PaidAt = &paidAt
	}
	res := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND status = ?", inv.ID, string(inv.Status)).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.Wrap(res.Error).WithMessage("update invoice status").Mark(apperrors.ErrDatabase)
	}
	if res.RowsAffected != 1 {
		return nil, apperrors.Newf("invoice %s changed concurrently", inv.InvoiceNumber).Mark(apperrors.ErrInvalidOperation)
	}

	inv.Status = next
	s.log.Infow("invoice status changed", "account_id", accountID, "invoice_number", inv.InvoiceNumber, "status", next)
	return inv, nil
}

// SetDocumentURL stores where the rendered document of an invoice lives.
func (s *Service) SetDocumentURL(ctx context.Context, invoiceID uint, url string) error {
	err := s.db.WithContext(ctx).Model(&models.Invoice{}).Where("id = ?", invoiceID).UpdateColumn("document_url", url).Error
	if err != nil {
		return apperrors.Wrap(err).WithMessage("store document url").Mark(apperrors.ErrDatabase)
	}
	return nil
}

// RecordClientPayment marks the invoice addressed by token as paid for a
// confirmed client-portal payment, once per event id. Paying an invoice that
// is already paid records the event and changes nothing.
func (s *Service) RecordClientPayment(ctx context.Context, token string, event models.PaymentEvent, now time.Time) error {
	inv, err := s.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	event.Kind = models.EventClientPayment
	event.AccountID = inv.AccountID
	event.InvoiceID = &inv.ID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ledger.ClaimPaymentEvent(tx, &event, now); err != nil {
			return err
		}
		return tx.Model(&models.Invoice{}).
			Where("id = ? AND status <> ?", inv.ID, string(models.InvoicePaid)).
			Updates(map[string]interface{}{"status": string(models.InvoicePaid), "paid_at": now.UTC()}).Error
	})
	if err != nil {
		return err
	}
	s.log.Infow("client payment recorded", "account_id", inv.AccountID, "invoice_number", inv.InvoiceNumber, "event_id", event.EventID)
	return nil
}

// MarkOverdue moves sent invoices whose due date is before today to overdue.
func MarkOverdue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&models.Invoice{}).
		Where("status = ? AND due_date < ?", string(models.InvoiceSent), StartOfDay(now)).
		UpdateColumn("status", string(models.InvoiceOverdue))
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error).WithMessage("mark overdue invoices").Mark(apperrors.ErrDatabase)
	}
	return res.RowsAffected, nil
}
