package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"invoicekits/apperrors"
	"invoicekits/config"
	"invoicekits/logger"
	"invoicekits/models"

	"github.com/stripe/stripe-go/v82"
)

// CheckoutLinker creates hosted payment pages.
type CheckoutLinker interface {
	CreditPackCheckout(ctx context.Context, account models.Account, packID string, pack config.CreditPack) (string, error)
	InvoiceCheckout(ctx context.Context, inv models.Invoice) (string, error)
}

type StripeCheckout struct {
	client     *stripe.Client
	successURL string
	cancelURL  string
	log        *logger.Logger
}

func NewStripeCheckout(cfg config.StripeConfig, log *logger.Logger) *StripeCheckout {
	return &StripeCheckout{
		client:     stripe.NewClient(cfg.SecretKey, nil),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		log:        log,
	}
}

func (c *StripeCheckout) CreditPackCheckout(ctx context.Context, account models.Account, packID string, pack config.CreditPack) (string, error) {
	metadata := map[string]string{
		MetaType:      TypeCreditPurchase,
		MetaAccountID: strconv.FormatUint(uint64(account.ID), 10),
		MetaCredits:   strconv.Itoa(pack.Credits),
		"pack":        packID,
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(pack.Name),
					},
					UnitAmount: stripe.Int64(pack.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Metadata:   metadata,
	}
	if account.BillingCustomerID != "" {
		params.Customer = stripe.String(account.BillingCustomerID)
	} else {
		params.CustomerEmail = stripe.String(account.BillingEmail)
	}
	return c.create(ctx, params)
}

func (c *StripeCheckout) InvoiceCheckout(ctx context.Context, inv models.Invoice) (string, error) {
	if err := Payable(inv); err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(inv.Currency)),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Invoice %s", inv.InvoiceNumber)),
					},
					UnitAmount: stripe.Int64(MinorUnits(inv)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
		Metadata: map[string]string{
			MetaType:         TypeClientPayment,
			MetaInvoiceToken: inv.PublicToken,
		},
	}
	if inv.ClientEmail != "" {
		params.CustomerEmail = stripe.String(inv.ClientEmail)
	}
	return c.create(ctx, params)
}

func (c *StripeCheckout) create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (string, error) {
	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		c.log.Errorw("failed to create Stripe checkout session", "error", err, "type", params.Metadata[MetaType])
		return "", apperrors.Wrap(err).
			WithHint("Unable to create a payment link right now. Please try again.").
			Mark(apperrors.ErrUnavailable)
	}
	return session.URL, nil
}

// Payable rejects invoices a client cannot be charged for: paid ones and
// ones whose total is not positive.
func Payable(inv models.Invoice) error {
	if inv.Status == models.InvoicePaid {
		return apperrors.Newf("invoice %s is already paid", inv.InvoiceNumber).
			WithHint("This invoice has already been paid.").
			Mark(apperrors.ErrInvalidOperation)
	}
	if MinorUnits(inv) <= 0 {
		return apperrors.Newf("invoice %s has a total of %s", inv.InvoiceNumber, inv.Total.StringFixed(2)).
			WithHint("This invoice has no amount to pay.").
			Mark(apperrors.ErrInvalidOperation)
	}
	return nil
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true, "VND": true}

// MinorUnits is the invoice total in the currency's smallest unit.
func MinorUnits(inv models.Invoice) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(inv.Currency)] {
		return inv.Total.Round(0).IntPart()
	}
	return inv.Total.Shift(2).Round(0).IntPart()
}
