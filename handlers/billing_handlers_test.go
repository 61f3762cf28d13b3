package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"invoicekits/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

func signedEvent(t *testing.T, payload string, secret string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func creditPurchaseEvent(eventID string, accountID uint) string {
	return fmt.Sprintf(`{
		"id": %q, "object": "event", "type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test", "object": "checkout.session", "payment_status": "paid",
			"customer": "cus_alice", "amount_total": 3900, "currency": "usd",
			"metadata": {"type": "credit_purchase", "account_id": "%d", "credits": "50"}
		}}
	}`, eventID, accountID)
}

func (e *testEnv) postWebhook(payload []byte, signature string) int {
	w := e.do(http.MethodPost, "/webhooks/stripe", map[string]string{"Stripe-Signature": signature}, payload)
	return w.Code
}

func TestStripeWebhookGrantsCreditsOnce(t *testing.T) {
	env := setupTestEnv(t)
	_, accountID := env.signup(t, "alice")

	payload, sig := signedEvent(t, creditPurchaseEvent("evt_credits", accountID), "whsec_test")

	w := env.do(http.MethodPost, "/webhooks/stripe", map[string]string{"Stripe-Signature": sig}, payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "processed")

	w = env.do(http.MethodPost, "/webhooks/stripe", map[string]string{"Stripe-Signature": sig}, payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	var account models.Account
	require.NoError(t, env.db.First(&account, accountID).Error)
	assert.Equal(t, 50, account.CreditsBalance)
	assert.Equal(t, 50, account.TotalCreditsPurchased)
	assert.Equal(t, "cus_alice", account.BillingCustomerID)

	var events int64
	env.db.Model(&models.PaymentEvent{}).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestStripeWebhookPlanChanges(t *testing.T) {
	env := setupTestEnv(t)
	_, accountID := env.signup(t, "alice")
	require.NoError(t, env.db.Model(&models.Account{}).Where("id = ?", accountID).UpdateColumn("billing_customer_id", "cus_alice").Error)

	payload, sig := signedEvent(t, `{
		"id": "evt_sub", "object": "event", "type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "active",
			"customer": "cus_alice", "metadata": {"plan": "business"}}}
	}`, "whsec_test")
	assert.Equal(t, http.StatusOK, env.postWebhook(payload, sig))

	var account models.Account
	require.NoError(t, env.db.First(&account, accountID).Error)
	assert.Equal(t, models.TierBusiness, account.SubscriptionTier)

	payload, sig = signedEvent(t, `{
		"id": "evt_failed", "object": "event", "type": "invoice.payment_failed",
		"data": {"object": {"id": "in_1", "object": "invoice", "customer": "cus_alice"}}
	}`, "whsec_test")
	assert.Equal(t, http.StatusOK, env.postWebhook(payload, sig))

	require.NoError(t, env.db.First(&account, accountID).Error)
	assert.Equal(t, models.TierBusiness, account.SubscriptionTier)
	assert.Equal(t, models.SubscriptionPastDue, account.SubscriptionStatus)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	env := setupTestEnv(t)
	_, accountID := env.signup(t, "alice")

	payload, sig := signedEvent(t, creditPurchaseEvent("evt_forged", accountID), "whsec_other")
	assert.Equal(t, http.StatusBadRequest, env.postWebhook(payload, sig))
	assert.Equal(t, http.StatusBadRequest, env.postWebhook(payload, ""))

	var account models.Account
	require.NoError(t, env.db.First(&account, accountID).Error)
	assert.Equal(t, 0, account.CreditsBalance)
}

func TestStripeWebhookIgnoresUnknownEvents(t *testing.T) {
	env := setupTestEnv(t)

	payload, sig := signedEvent(t, `{"id": "evt_other", "object": "event", "type": "customer.created", "data": {"object": {"id": "cus_1"}}}`, "whsec_test")
	w := env.do(http.MethodPost, "/webhooks/stripe", map[string]string{"Stripe-Signature": sig}, payload)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignore")
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.Stripe.WebhookSecret = ""

	payload, sig := signedEvent(t, creditPurchaseEvent("evt_x", 1), "whsec_test")
	assert.Equal(t, http.StatusServiceUnavailable, env.postWebhook(payload, sig))
}

func TestCreateCreditCheckout(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/billing/credits/pack_7/checkout", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.as(apiKey, http.MethodPost, "/billing/credits/pack_50/checkout", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "https://checkout.test/pack/pack_50")
	assert.Equal(t, []string{"pack_50"}, env.checkout.packs)
}
