package documents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"invoicekits/apperrors"
	"invoicekits/config"
	"invoicekits/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice(style string) models.Invoice {
	inv := models.Invoice{
		InvoiceNumber: "INV-00003",
		Status:        models.InvoiceSent,
		ClientName:    "Globex <script>alert(1)</script>",
		Currency:      "GBP",
		TaxRate:       decimal.NewFromInt(20),
		IssueDate:     time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		DueDate:       time.Date(2025, 2, 19, 0, 0, 0, 0, time.UTC),
		PaymentTerms:  models.TermsNet30,
		TemplateStyle: style,
		LineItems: []models.LineItem{
			{Position: 1, Description: "Consulting", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.RequireFromString("120")},
		},
	}
	inv.CalculateTotals()
	return inv
}

func TestRenderFreeTierHasWatermark(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	html, err := r.Render(sampleInvoice("neon_edge"), models.Account{Name: "Acme", SubscriptionTier: models.TierFree})
	require.NoError(t, err)
	out := string(html)

	assert.Contains(t, out, `class="watermark"`)
	assert.Contains(t, out, "FREE PLAN")
	assert.Contains(t, out, "style-clean_slate", "free tier falls back to clean_slate")
	assert.Contains(t, out, "£432.00 GBP")
	assert.Contains(t, out, "Net 30")
	assert.Contains(t, out, "January 20, 2025")
	assert.NotContains(t, out, "<script>alert(1)</script>")
}

func TestRenderPaidTierUsesStyle(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	html, err := r.Render(sampleInvoice("neon_edge"), models.Account{Name: "Acme", SubscriptionTier: models.TierBusiness})
	require.NoError(t, err)
	out := string(html)

	assert.NotContains(t, out, "FREE PLAN")
	assert.Contains(t, out, "style-neon_edge")
	assert.Contains(t, out, "#22D3EE")
}

func TestStyleFor(t *testing.T) {
	assert.Equal(t, "classic_professional", StyleFor(models.Invoice{TemplateStyle: "classic_professional"}, models.TierStarter))
	assert.Equal(t, "clean_slate", StyleFor(models.Invoice{TemplateStyle: "executive"}, models.TierStarter))
	assert.Equal(t, "clean_slate", StyleFor(models.Invoice{TemplateStyle: "unknown"}, models.TierBusiness))
}

func testS3Config(endpoint string) config.S3Config {
	return config.S3Config{
		Enabled:       true,
		Endpoint:      endpoint,
		Region:        "us-east-1",
		AccessKey:     "AKIATEST",
		SecretKey:     "secret",
		Bucket:        "invoices-bucket",
		PublicBaseURL: "https://cdn.invoicekits.test/",
		UsePathStyle:  true,
		Prefix:        "/docs/",
	}
}

func TestNewUploaderValidation(t *testing.T) {
	cfg := testS3Config("")
	cfg.Bucket = ""
	cfg.SecretKey = " "
	_, err := NewUploader(cfg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "bucket, secret key")

	cfg = testS3Config("")
	cfg.PublicBaseURL = ""
	_, err = NewUploader(cfg)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	cfg = testS3Config("")
	cfg.Prefix = "/"
	u, err := NewUploader(cfg)
	require.NoError(t, err)
	assert.Equal(t, "invoices", u.cfg.Prefix)
}

func TestGenerateKey(t *testing.T) {
	u, err := NewUploader(testS3Config(""))
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2025, 3, 7, 23, 0, 0, 0, time.UTC) }

	key := u.generateKey("INV-00003 / final", "text/html; charset=utf-8")
	assert.Regexp(t, regexp.MustCompile(`^docs/2025/03/07/INV-00003-final-[0-9a-f-]{36}\.html$`), key)
}

func TestUploaderPut(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	u, err := NewUploader(testS3Config(server.URL))
	require.NoError(t, err)

	url, err := u.Put(context.Background(), "INV-00003", []byte("<html></html>"), "")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/invoices-bucket/docs/"), path)
	assert.True(t, strings.HasPrefix(url, "https://cdn.invoicekits.test/docs/"), url)
	assert.True(t, strings.HasSuffix(url, ".html"), url)
}

func TestUploaderRejectsEmptyDocument(t *testing.T) {
	u, err := NewUploader(testS3Config(""))
	require.NoError(t, err)
	_, err = u.Put(context.Background(), "INV-1", nil, "")
	assert.Error(t, err)
}
