package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"invoicekits/models"
	"invoicekits/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinitionRequest() gin.H {
	return gin.H{
		"name":        "Monthly retainer",
		"client_name": "Globex",
		"cadence":     "monthly",
		"line_items": []gin.H{
			{"description": "Retainer", "quantity": 1, "unit_price": "1000"},
		},
	}
}

func TestRecurringRequiresPlan(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/recurring", sampleDefinitionRequest())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Upgrade to Professional or Business")
}

func TestRecurringLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, accountID := env.signup(t, "alice")
	env.setTier(t, accountID, models.TierProfessional)

	w := env.as(apiKey, http.MethodPost, "/recurring", sampleDefinitionRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	def := decode[models.RecurringInvoice](t, w)
	assert.Equal(t, models.RecurringActive, def.Status)
	assert.True(t, def.NextDueDate.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)))
	path := fmt.Sprintf("/recurring/%d", def.ID)

	w = env.as(apiKey, http.MethodGet, "/recurring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.RecurringInvoice](t, w), 1)

	update := sampleDefinitionRequest()
	update["name"] = "Quarterly retainer"
	update["cadence"] = "quarterly"
	w = env.as(apiKey, http.MethodPut, path, update)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.CadenceQuarterly, decode[models.RecurringInvoice](t, w).Cadence)

	w = env.as(apiKey, http.MethodPost, path+"/generate", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	generated := decode[scheduler.Generated](t, w)
	assert.Equal(t, "INV-00001", generated.Invoice.InvoiceNumber)
	assert.Equal(t, models.InvoiceSent, generated.Invoice.Status)
	assert.True(t, generated.NextDueDate.Equal(time.Date(2025, 4, 20, 0, 0, 0, 0, time.UTC)))

	w = env.as(apiKey, http.MethodPost, path+"/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RecurringPaused, decode[models.RecurringInvoice](t, w).Status)

	w = env.as(apiKey, http.MethodPost, path+"/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RecurringActive, decode[models.RecurringInvoice](t, w).Status)

	w = env.as(apiKey, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.as(apiKey, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.as(apiKey, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecurringIsScopedToAccount(t *testing.T) {
	env := setupTestEnv(t)
	aliceKey, aliceID := env.signup(t, "alice")
	bobKey, bobID := env.signup(t, "bob")
	env.setTier(t, aliceID, models.TierBusiness)
	env.setTier(t, bobID, models.TierBusiness)

	w := env.as(aliceKey, http.MethodPost, "/recurring", sampleDefinitionRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	path := fmt.Sprintf("/recurring/%d", decode[models.RecurringInvoice](t, w).ID)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, path},
		{http.MethodPost, path + "/toggle"},
		{http.MethodPost, path + "/generate"},
		{http.MethodDelete, path},
	} {
		w = env.as(bobKey, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestListRecurringOrdersLineItemsByPosition(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, accountID := env.signup(t, "alice")

	def := models.RecurringInvoice{
		AccountID:     accountID,
		Name:          "Quarterly audit",
		ClientName:    "Globex",
		Cadence:       models.CadenceQuarterly,
		NextDueDate:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Status:        models.RecurringActive,
		Currency:      "USD",
		PaymentTerms:  models.TermsNet30,
		TemplateStyle: "clean_slate",
		LineItems: []models.RecurringLineItem{
			{Position: 3, Description: "Report", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(50)},
			{Position: 1, Description: "Fieldwork", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(400)},
			{Position: 2, Description: "Review", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(200)},
		},
	}
	require.NoError(t, env.db.Create(&def).Error)

	w := env.as(apiKey, http.MethodGet, "/recurring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	defs := decode[[]models.RecurringInvoice](t, w)
	require.Len(t, defs, 1)
	require.Len(t, defs[0].LineItems, 3)
	assert.Equal(t, "Fieldwork", defs[0].LineItems[0].Description)
	assert.Equal(t, "Review", defs[0].LineItems[1].Description)
	assert.Equal(t, "Report", defs[0].LineItems[2].Description)
}

func TestRecurringValidation(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, accountID := env.signup(t, "alice")
	env.setTier(t, accountID, models.TierProfessional)

	req := sampleDefinitionRequest()
	req["cadence"] = "daily"
	w := env.as(apiKey, http.MethodPost, "/recurring", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = sampleDefinitionRequest()
	req["start_date"] = "2025-01-19"
	w = env.as(apiKey, http.MethodPost, "/recurring", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must not be in the past")

	req = sampleDefinitionRequest()
	req["start_date"] = "2025-02-01"
	req["end_date"] = "2025-01-31"
	w = env.as(apiKey, http.MethodPost, "/recurring", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "before the next due date")

	req = sampleDefinitionRequest()
	req["discount_amount"] = "1000.01"
	w = env.as(apiKey, http.MethodPost, "/recurring", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cannot be larger than the subtotal plus tax")
}

func TestRecurringCapOnProfessional(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, accountID := env.signup(t, "alice")
	env.setTier(t, accountID, models.TierProfessional)

	for i := 0; i < 10; i++ {
		w := env.as(apiKey, http.MethodPost, "/recurring", sampleDefinitionRequest())
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := env.as(apiKey, http.MethodPost, "/recurring", sampleDefinitionRequest())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "limit of 10 recurring invoices")
}
