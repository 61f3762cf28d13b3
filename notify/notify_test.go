package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"invoicekits/apperrors"
	"invoicekits/logger"
	"invoicekits/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice() models.Invoice {
	return models.Invoice{
		InvoiceNumber: "INV-00012",
		ClientName:    "Globex",
		ClientEmail:   "ap@globex.test",
		Currency:      "EUR",
		Total:         decimal.RequireFromString("99.5"),
		DueDate:       time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
		PublicToken:   "3f1e2d4c-0000-4000-8000-000000000001",
	}
}

type recordingMailer struct {
	sent []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.sent = append(m.sent, msg)
	return m.err
}

func TestInvoiceGeneratedEmail(t *testing.T) {
	mailer := &recordingMailer{}
	n := NewEmailNotifier(mailer, "billing@invoicekits.test", "", "https://app.invoicekits.test/", logger.NewNop())

	err := n.InvoiceGenerated(context.Background(), GeneratedNotice{
		AccountID:      1,
		OwnerEmail:     "owner@acme.test",
		DefinitionName: "Monthly retainer",
		Invoice:        sampleInvoice(),
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, "Recurring Invoice Generated: INV-00012", msg.Subject)
	assert.Equal(t, []string{"owner@acme.test"}, msg.To)
	assert.Equal(t, "billing@invoicekits.test", msg.From)
	assert.Contains(t, msg.Text, "€99.50")
	assert.Contains(t, msg.Text, "https://app.invoicekits.test/public/invoices/3f1e2d4c-0000-4000-8000-000000000001")
}

func TestInvoiceToClientEmail(t *testing.T) {
	mailer := &recordingMailer{}
	n := NewEmailNotifier(mailer, "billing@invoicekits.test", "owner@acme.test", "https://app.invoicekits.test", logger.NewNop())

	require.NoError(t, n.InvoiceToClient(context.Background(), sampleInvoice(), "Acme Studio"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Invoice INV-00012 from Acme Studio", mailer.sent[0].Subject)
	assert.Equal(t, "owner@acme.test", mailer.sent[0].ReplyTo)
}

func TestPaymentReminderEmail(t *testing.T) {
	cases := []struct {
		days    int
		subject string
		label   string
	}{
		{-3, "Reminder: Invoice INV-00012 Due Soon", "is due in 3 days"},
		{-1, "Reminder: Invoice INV-00012 Due Soon", "is due in 1 day"},
		{0, "Payment Due Today: Invoice INV-00012", "is due today"},
		{7, "OVERDUE: Invoice INV-00012 - Immediate Attention Required", "was due 7 days ago"},
	}
	for _, tc := range cases {
		mailer := &recordingMailer{}
		n := NewEmailNotifier(mailer, "billing@invoicekits.test", "", "https://app.invoicekits.test", logger.NewNop())

		require.NoError(t, n.PaymentReminder(context.Background(), sampleInvoice(), "Acme Studio", tc.days))
		require.Len(t, mailer.sent, 1)
		msg := mailer.sent[0]
		assert.Equal(t, []string{"ap@globex.test"}, msg.To)
		assert.Equal(t, tc.subject, msg.Subject)
		assert.Contains(t, msg.Text, tc.label)
		assert.Contains(t, msg.Text, "€99.50")
	}
}

func TestLateFeeAppliedEmail(t *testing.T) {
	mailer := &recordingMailer{}
	n := NewEmailNotifier(mailer, "billing@invoicekits.test", "", "https://app.invoicekits.test", logger.NewNop())

	inv := sampleInvoice()
	inv.Total = decimal.RequireFromString("109.5")
	err := n.LateFeeApplied(context.Background(), LateFeeNotice{
		AccountID:   1,
		OwnerEmail:  "owner@acme.test",
		Invoice:     inv,
		Fee:         decimal.NewFromInt(10),
		TotalBefore: decimal.RequireFromString("99.5"),
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "Late Fee Applied: Invoice INV-00012", mailer.sent[0].Subject)
	assert.Contains(t, mailer.sent[0].Text, "Original amount: €99.50")
	assert.Contains(t, mailer.sent[0].Text, "New total: €109.50")

	err = n.LateFeeApplied(context.Background(), LateFeeNotice{AccountID: 1, Invoice: inv})
	assert.True(t, apperrors.IsNotificationDelivery(err))
}

func TestDeliveryFailuresAreMarked(t *testing.T) {
	mailer := &recordingMailer{err: apperrors.New("smtp down").Mark(apperrors.ErrUnavailable)}
	n := NewEmailNotifier(mailer, "billing@invoicekits.test", "", "https://app.invoicekits.test", logger.NewNop())

	err := n.InvoiceToClient(context.Background(), sampleInvoice(), "Acme Studio")
	assert.True(t, apperrors.IsNotificationDelivery(err))

	inv := sampleInvoice()
	inv.ClientEmail = ""
	err = n.InvoiceToClient(context.Background(), inv, "Acme Studio")
	assert.True(t, apperrors.IsNotificationDelivery(err))
}

func TestHTTPMailerSend(t *testing.T) {
	var got Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer server.Close()

	m := NewHTTPMailer(server.URL, "re_test", 0, logger.NewNop())
	err := m.Send(context.Background(), Message{From: "a@b.test", To: []string{"c@d.test"}, Subject: "hi", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Subject)
}

func TestHTTPMailerClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"invalid from address"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	m := NewHTTPMailer(server.URL, "re_test", 3, logger.NewNop())
	err := m.Send(context.Background(), Message{To: []string{"c@d.test"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(logger.NewNop())
	assert.NoError(t, n.InvoiceGenerated(context.Background(), GeneratedNotice{Invoice: sampleInvoice()}))
	assert.NoError(t, n.InvoiceToClient(context.Background(), sampleInvoice(), "Acme"))
	assert.NoError(t, n.PaymentReminder(context.Background(), sampleInvoice(), "Acme", 3))
	assert.NoError(t, n.LateFeeApplied(context.Background(), LateFeeNotice{Invoice: sampleInvoice()}))
}
