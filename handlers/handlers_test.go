package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"invoicekits/billing"
	"invoicekits/config"
	"invoicekits/database"
	"invoicekits/documents"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/models"
	"invoicekits/notify"
	"invoicekits/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	InitTracerForTests()
	m.Run()
}

var testNow = time.Date(2025, 1, 20, 12, 0, 0, 0, time.UTC)

type fakeCheckout struct {
	packs    []string
	invoices []string
}

func (f *fakeCheckout) CreditPackCheckout(_ context.Context, _ models.Account, packID string, _ config.CreditPack) (string, error) {
	f.packs = append(f.packs, packID)
	return "https://checkout.test/pack/" + packID, nil
}

func (f *fakeCheckout) InvoiceCheckout(_ context.Context, inv models.Invoice) (string, error) {
	f.invoices = append(f.invoices, inv.InvoiceNumber)
	return "https://checkout.test/invoice/" + inv.InvoiceNumber, nil
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, name string, data []byte, _ string) (string, error) {
	m.objects[name] = data
	return "https://cdn.test/" + name + ".html", nil
}

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	cfg      *config.Configuration
	checkout *fakeCheckout
	store    *memoryStore
}

func setupTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	database.DB = db

	cfg := config.GetDefaultConfig()
	cfg.Server.AdminToken = "admin-secret"
	cfg.Stripe.WebhookSecret = "whsec_test"

	log := logger.NewNop()
	l := ledger.New(db, log)
	invoices := invoicing.NewService(db, l, log)
	renderer, err := documents.NewRenderer()
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		cfg:      cfg,
		checkout: &fakeCheckout{},
		store:    &memoryStore{objects: map[string][]byte{}},
	}
	Setup(Services{
		Config:    cfg,
		Log:       log,
		Ledger:    l,
		Invoices:  invoices,
		Scheduler: scheduler.New(db, l, notify.NewLogNotifier(log), log),
		Billing:   billing.NewService(db, l, invoices, log),
		Checkout:  env.checkout,
		Renderer:  renderer,
		Store:     env.store,
		Now:       func() time.Time { return testNow },
	})

	r := gin.Default()
	RegisterRoutes(r)
	env.router = r
	return env
}

func (e *testEnv) do(method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}

	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) as(apiKey, method, path string, body interface{}) *httptest.ResponseRecorder {
	return e.do(method, path, map[string]string{apiKeyHeader: apiKey}, body)
}

// signup creates an account through the API and returns its API key and id.
func (e *testEnv) signup(t *testing.T, username string) (string, uint) {
	w := e.do(http.MethodPost, "/accounts", nil, gin.H{
		"name":          username + " Ltd",
		"billing_email": username + "@billing.test",
		"username":      username,
		"email":         username + "@example.test",
		"password":      "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CreateAccountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.APIKey)
	return resp.APIKey, resp.Account.ID
}

func (e *testEnv) setTier(t *testing.T, accountID uint, tier models.SubscriptionTier) {
	require.NoError(t, e.db.Model(&models.Account{}).Where("id = ?", accountID).
		UpdateColumn("subscription_tier", string(tier)).Error)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPing(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(http.MethodGet, "/ping", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestEnv(t)
	env.signup(t, "alice")

	w := env.do(http.MethodGet, "/account/entitlements", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Missing API key")

	w = env.as("inv_wrong", http.MethodGet, "/account/entitlements", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid API key")
}

func TestHashAPIKey(t *testing.T) {
	assert.Equal(t, HashAPIKey("inv_abc"), HashAPIKey("inv_abc"))
	assert.NotEqual(t, HashAPIKey("inv_abc"), HashAPIKey("inv_abd"))
	assert.Len(t, HashAPIKey("inv_abc"), 64)
}
