package handlers

import (
	"io"
	"net/http"

	"invoicekits/apperrors"
	"invoicekits/billing"
	"invoicekits/database"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 64 << 10

// StripeWebhook applies a signed Stripe event. Redeliveries of an event that
// was already applied are acknowledged without doing anything.
func StripeWebhook(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "StripeWebhook")
	defer span.End()

	secret := svc.Config.Stripe.WebhookSecret
	if secret == "" {
		err := apperrors.New("stripe webhook secret is not configured").Mark(apperrors.ErrUnavailable)
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	event, err := billing.ParseStripeEvent(payload, c.GetHeader("Stripe-Signature"), secret)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"stripe.event_id": event.ID, "stripe.event_type": string(event.Type)})

	ins, err := billing.Translate(event)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	err = svc.Billing.Apply(ctx, ins, svc.Now())
	if apperrors.IsDuplicatePaymentEvent(err) {
		svc.Log.Infow("duplicate stripe event acknowledged", "event_id", event.ID)
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "action": ins.Action})
}

// CreateCreditCheckout starts a hosted checkout for one of the configured
// credit packs.
func CreateCreditCheckout(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "CreateCreditCheckout")
	defer span.End()

	packID := c.Param("pack")
	pack, ok := svc.Config.Ledger.CreditPacks[packID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown credit pack"})
		return
	}
	if svc.Checkout == nil {
		err := apperrors.New("checkout is not configured").Mark(apperrors.ErrUnavailable)
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	var account models.Account
	if err := database.DB.WithContext(ctx).First(&account, callerAccountID(c)).Error; err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	url, err := svc.Checkout.CreditPackCheckout(ctx, account, packID, pack)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"credit_pack": packID, "credits": pack.Credits})

	c.JSON(http.StatusOK, gin.H{"checkout_url": url, "pack": packID, "credits": pack.Credits})
}
