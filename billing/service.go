package billing

import (
	"context"
	"errors"
	"time"

	"invoicekits/apperrors"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service applies billing-provider instructions to accounts and invoices.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	invoices *invoicing.Service
	log      *logger.Logger
}

func NewService(db *gorm.DB, l *ledger.Ledger, invoices *invoicing.Service, log *logger.Logger) *Service {
	return &Service{db: db, ledger: l, invoices: invoices, log: log}
}

// Apply carries out ins. A redelivered event returns ErrDuplicatePaymentEvent
// and changes nothing.
func (s *Service) Apply(ctx context.Context, ins Instruction, now time.Time) error {
	log := s.log.With("event_id", ins.EventID, "action", ins.Action)

	switch ins.Action {
	case ActionIgnore:
		log.Debugw("billing event ignored", "reason", ins.Reason)
		return nil

	case ActionClientPayment:
		return s.invoices.RecordClientPayment(ctx, ins.InvoiceToken, models.PaymentEvent{
			EventID:  ins.EventID,
			Amount:   ins.Amount,
			Currency: ins.Currency,
			Metadata: eventMetadata(ins),
		}, now)
	}

	account, err := s.resolveAccount(ctx, ins)
	if err != nil {
		return err
	}
	event := models.PaymentEvent{
		EventID:   ins.EventID,
		AccountID: account.ID,
		Credits:   ins.Credits,
		Tier:      ins.Tier,
		Status:    ins.Status,
		Amount:    ins.Amount,
		Currency:  ins.Currency,
		Metadata:  eventMetadata(ins),
	}

	switch ins.Action {
	case ActionGrantCredits:
		err = s.ledger.GrantCredits(ctx, event, now)
	case ActionSubscriptionChange:
		err = s.ledger.ApplySubscriptionChange(ctx, event, now)
	default:
		return apperrors.Newf("unknown billing action %q", ins.Action).Mark(apperrors.ErrValidation)
	}
	if err != nil {
		return err
	}

	if ins.CustomerID != "" && account.BillingCustomerID == "" {
		err := s.db.WithContext(ctx).Model(&models.Account{}).
			Where("id = ? AND billing_customer_id = ?", account.ID, "").
			UpdateColumn("billing_customer_id", ins.CustomerID).Error
		if err != nil {
			log.Warnw("failed to store billing customer id", "account_id", account.ID, "error", err)
		}
	}
	return nil
}

// resolveAccount finds the account an instruction is about: by the account id
// we put in the checkout metadata, else by the provider's customer id.
func (s *Service) resolveAccount(ctx context.Context, ins Instruction) (models.Account, error) {
	var account models.Account
	q := s.db.WithContext(ctx)
	switch {
	case ins.AccountID != 0:
		q = q.Where("id = ?", ins.AccountID)
	case ins.CustomerID != "":
		q = q.Where("billing_customer_id = ?", ins.CustomerID)
	default:
		return account, apperrors.Newf("event %s names no account or customer", ins.EventID).Mark(apperrors.ErrValidation)
	}

	if err := q.First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account, apperrors.Newf("no account for event %s", ins.EventID).Mark(apperrors.ErrNotFound)
		}
		return account, apperrors.Wrap(err).WithMessage("resolve account").Mark(apperrors.ErrDatabase)
	}
	return account, nil
}

// eventMetadata is what we keep of the provider event beyond the typed columns.
func eventMetadata(ins Instruction) datatypes.JSONMap {
	meta := datatypes.JSONMap{"action": string(ins.Action)}
	if ins.CustomerID != "" {
		meta["customer_id"] = ins.CustomerID
	}
	if ins.InvoiceToken != "" {
		meta["invoice_token"] = ins.InvoiceToken
	}
	return meta
}
