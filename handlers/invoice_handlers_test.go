package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"invoicekits/ledger"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoiceRequest(status string) gin.H {
	return gin.H{
		"client_name":   "Globex",
		"client_email":  "ap@globex.test",
		"tax_rate":      "10",
		"payment_terms": "net_30",
		"status":        status,
		"line_items": []gin.H{
			{"description": "Consulting", "quantity": "2", "unit_price": "150.25"},
			{"description": "Hosting", "quantity": 1, "unit_price": 20},
		},
	}
}

func TestCreateInvoice(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/invoices", sampleInvoiceRequest("sent"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[CreateInvoiceResponse](t, w)
	assert.Equal(t, ledger.ConsumedQuota, resp.Consumed)
	assert.Equal(t, "INV-00001", resp.Invoice.InvoiceNumber)
	assert.Equal(t, models.InvoiceSent, resp.Invoice.Status)
	assert.Equal(t, "320.5", resp.Invoice.Subtotal.String())
	assert.Equal(t, "32.05", resp.Invoice.TaxAmount.String())
	assert.Equal(t, "352.55", resp.Invoice.Total.String())
	assert.Len(t, resp.Invoice.LineItems, 2)
}

func TestCreateInvoiceValidation(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/invoices", gin.H{"client_name": "Globex"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := sampleInvoiceRequest("")
	req["line_items"] = []gin.H{{"description": "Nothing", "quantity": 0, "unit_price": 10}}
	w = env.as(apiKey, http.MethodPost, "/invoices", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "quantity must be positive")

	req = sampleInvoiceRequest("")
	req["template_style"] = "neon_edge"
	w = env.as(apiKey, http.MethodPost, "/invoices", req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Upgrade your plan")

	req = sampleInvoiceRequest("sent")
	req["discount_amount"] = "1000"
	w = env.as(apiKey, http.MethodPost, "/invoices", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cannot be larger than the subtotal plus tax")
}

func TestCreateInvoiceQuotaExceeded(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, accountID := env.signup(t, "alice")
	require.NoError(t, env.db.Model(&models.Account{}).Where("id = ?", accountID).UpdateColumn("free_credits", 1).Error)

	for i := 1; i <= 6; i++ {
		w := env.as(apiKey, http.MethodPost, "/invoices", sampleInvoiceRequest(""))
		require.Equal(t, http.StatusCreated, w.Code, "invoice %d: %s", i, w.Body.String())
		resp := decode[CreateInvoiceResponse](t, w)
		assert.Equal(t, fmt.Sprintf("INV-%05d", i), resp.Invoice.InvoiceNumber)
		if i == 6 {
			assert.Equal(t, ledger.ConsumedFreeCredit, resp.Consumed)
		}
	}

	w := env.as(apiKey, http.MethodPost, "/invoices", sampleInvoiceRequest(""))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "Upgrade your plan or purchase credits")

	var count int64
	env.db.Model(&models.Invoice{}).Where("account_id = ?", accountID).Count(&count)
	assert.Equal(t, int64(6), count)
}

func TestCreateInvoiceFromSavedClient(t *testing.T) {
	env := setupTestEnv(t)
	aliceKey, _ := env.signup(t, "alice")
	bobKey, _ := env.signup(t, "bob")

	w := env.as(aliceKey, http.MethodPost, "/clients", gin.H{"name": "Initech", "email": "ap@initech.test"})
	require.Equal(t, http.StatusCreated, w.Code)
	client := decode[models.Client](t, w)

	req := sampleInvoiceRequest("")
	delete(req, "client_name")
	delete(req, "client_email")
	req["client_id"] = client.ID

	w = env.as(aliceKey, http.MethodPost, "/invoices", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[CreateInvoiceResponse](t, w)
	assert.Equal(t, "Initech", resp.Invoice.ClientName)
	assert.Equal(t, "ap@initech.test", resp.Invoice.ClientEmail)

	w = env.as(bobKey, http.MethodPost, "/invoices", req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetInvoiceAndTransitions(t *testing.T) {
	env := setupTestEnv(t)
	aliceKey, _ := env.signup(t, "alice")
	bobKey, _ := env.signup(t, "bob")

	w := env.as(aliceKey, http.MethodPost, "/invoices", sampleInvoiceRequest(""))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[CreateInvoiceResponse](t, w).Invoice.ID
	path := fmt.Sprintf("/invoices/%d", id)

	w = env.as(aliceKey, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.InvoiceDraft, decode[models.Invoice](t, w).Status)

	w = env.as(bobKey, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.as(aliceKey, http.MethodGet, "/invoices/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.as(aliceKey, http.MethodPost, path+"/status", gin.H{"status": "sent"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.as(aliceKey, http.MethodPost, path+"/status", gin.H{"status": "paid"})
	require.Equal(t, http.StatusOK, w.Code)
	paid := decode[models.Invoice](t, w)
	assert.Equal(t, models.InvoicePaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	w = env.as(aliceKey, http.MethodPost, path+"/status", gin.H{"status": "sent"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "paid invoices cannot be changed")

	w = env.as(aliceKey, http.MethodPost, path+"/status", gin.H{"status": "void"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvoiceDocuments(t *testing.T) {
	env := setupTestEnv(t)
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/invoices", sampleInvoiceRequest("sent"))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[CreateInvoiceResponse](t, w).Invoice.ID
	path := fmt.Sprintf("/invoices/%d/document", id)

	w = env.as(apiKey, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, htmlContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "INV-00001")
	assert.Contains(t, w.Body.String(), "FREE PLAN")

	w = env.as(apiKey, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "https://cdn.test/INV-00001.html")
	assert.Contains(t, string(env.store.objects["INV-00001"]), "Consulting")

	var inv models.Invoice
	require.NoError(t, env.db.First(&inv, id).Error)
	assert.Equal(t, "https://cdn.test/INV-00001.html", inv.DocumentURL)
}

func TestPublishDocumentWithoutStorage(t *testing.T) {
	env := setupTestEnv(t)
	svc.Store = nil
	apiKey, _ := env.signup(t, "alice")

	w := env.as(apiKey, http.MethodPost, "/invoices", sampleInvoiceRequest(""))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[CreateInvoiceResponse](t, w).Invoice.ID

	w = env.as(apiKey, http.MethodPost, fmt.Sprintf("/invoices/%d/document", id), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "Document storage is not configured")
}
