package billing

import (
	"encoding/json"
	"strconv"

	"invoicekits/apperrors"
	"invoicekits/models"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Checkout session metadata keys written by StripeCheckout.
const (
	MetaType         = "type"
	MetaAccountID    = "account_id"
	MetaCredits      = "credits"
	MetaPlan         = "plan"
	MetaInvoiceToken = "invoice_token"

	TypeCreditPurchase = "credit_purchase"
	TypePlanPurchase   = "plan_purchase"
	TypeClientPayment  = "client_portal_payment"
)

type Action string

const (
	ActionIgnore             Action = "ignore"
	ActionGrantCredits       Action = "grant_credits"
	ActionSubscriptionChange Action = "subscription_change"
	ActionClientPayment      Action = "client_payment"
)

// Instruction is what a provider event asks us to do, independent of the
// provider's payload shapes.
type Instruction struct {
	Action       Action
	EventID      string
	AccountID    uint
	CustomerID   string
	Credits      int
	Tier         models.SubscriptionTier
	Status       models.SubscriptionStatus
	InvoiceToken string
	Amount       decimal.Decimal
	Currency     string
	Reason       string
}

// ParseStripeEvent verifies the Stripe-Signature header and decodes the event.
func ParseStripeEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, apperrors.Wrap(err).
			WithHint("Invalid webhook signature or payload").
			Mark(apperrors.ErrValidation)
	}
	return event, nil
}

// Translate maps a Stripe event onto an Instruction. Events we do not act on
// come back as ActionIgnore with a reason.
func Translate(event stripe.Event) (Instruction, error) {
	ins := Instruction{Action: ActionIgnore, EventID: event.ID}
	if event.Data == nil {
		ins.Reason = "event has no data"
		return ins, nil
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return ins, invalidPayload(err, "checkout session")
		}
		return translateCheckout(ins, session)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ins, invalidPayload(err, "subscription")
		}
		ins.Action = ActionSubscriptionChange
		ins.CustomerID = customerID(sub.Customer)
		if err := setAccountID(&ins, sub.Metadata); err != nil {
			return ins, err
		}
		if string(event.Type) == "customer.subscription.deleted" {
			ins.Tier = models.TierFree
			ins.Status = models.SubscriptionCanceled
			return ins, nil
		}
		ins.Status = subscriptionStatus(sub.Status)
		if plan := sub.Metadata[MetaPlan]; plan != "" {
			ins.Tier = models.SubscriptionTier(plan)
		}
		return ins, nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ins, invalidPayload(err, "invoice")
		}
		ins.Action = ActionSubscriptionChange
		ins.CustomerID = customerID(inv.Customer)
		ins.Status = models.SubscriptionPastDue
		return ins, nil
	}

	ins.Reason = "unhandled event type " + string(event.Type)
	return ins, nil
}

func translateCheckout(ins Instruction, session stripe.CheckoutSession) (Instruction, error) {
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		ins.Reason = "checkout session not paid"
		return ins, nil
	}
	ins.CustomerID = customerID(session.Customer)
	ins.Amount = decimal.New(session.AmountTotal, -2)
	ins.Currency = string(session.Currency)
	if err := setAccountID(&ins, session.Metadata); err != nil {
		return ins, err
	}

	switch session.Metadata[MetaType] {
	case TypeCreditPurchase:
		credits, err := strconv.Atoi(session.Metadata[MetaCredits])
		if err != nil || credits <= 0 {
			return ins, apperrors.Newf("checkout session %s carries invalid credits %q", session.ID, session.Metadata[MetaCredits]).
				Mark(apperrors.ErrValidation)
		}
		ins.Action = ActionGrantCredits
		ins.Credits = credits
	case TypePlanPurchase:
		ins.Action = ActionSubscriptionChange
		ins.Tier = models.SubscriptionTier(session.Metadata[MetaPlan])
		ins.Status = models.SubscriptionActive
	case TypeClientPayment:
		ins.Action = ActionClientPayment
		ins.InvoiceToken = session.Metadata[MetaInvoiceToken]
		if ins.InvoiceToken == "" {
			return ins, apperrors.Newf("checkout session %s has no invoice token", session.ID).Mark(apperrors.ErrValidation)
		}
	default:
		ins.Reason = "checkout session without a known type"
	}
	return ins, nil
}

func setAccountID(ins *Instruction, metadata map[string]string) error {
	raw := metadata[MetaAccountID]
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return apperrors.Newf("invalid account id %q in event metadata", raw).Mark(apperrors.ErrValidation)
	}
	ins.AccountID = uint(id)
	return nil
}

func subscriptionStatus(s stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionInactive
	}
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func invalidPayload(err error, what string) error {
	return apperrors.Wrap(err).WithMessagef("decode %s", what).
		WithHint("Invalid webhook payload").
		Mark(apperrors.ErrValidation)
}
