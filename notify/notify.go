package notify

import (
	"context"
	"fmt"
	"strings"

	"invoicekits/apperrors"
	"invoicekits/logger"
	"invoicekits/models"

	"github.com/shopspring/decimal"
)

// GeneratedNotice describes an invoice the scheduler just materialized.
type GeneratedNotice struct {
	AccountID      uint
	AccountName    string
	OwnerEmail     string
	DefinitionID   uint
	DefinitionName string
	Invoice        models.Invoice
}

// LateFeeNotice describes a late fee just added to an invoice.
type LateFeeNotice struct {
	AccountID   uint
	AccountName string
	OwnerEmail  string
	Invoice     models.Invoice
	Fee         decimal.Decimal
	TotalBefore decimal.Decimal
}

type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Mailer delivers one message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// EmailNotifier turns invoice events into emails.
type EmailNotifier struct {
	mailer    Mailer
	from      string
	replyTo   string
	publicURL string
	log       *logger.Logger
}

func NewEmailNotifier(mailer Mailer, from, replyTo, publicURL string, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{
		mailer:    mailer,
		from:      from,
		replyTo:   replyTo,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log,
	}
}

// InvoiceGenerated tells the account owner a recurring invoice was created.
func (n *EmailNotifier) InvoiceGenerated(ctx context.Context, notice GeneratedNotice) error {
	if notice.OwnerEmail == "" {
		return apperrors.Newf("account %d has no owner email", notice.AccountID).Mark(apperrors.ErrNotificationDelivery)
	}
	inv := notice.Invoice
	text := fmt.Sprintf(
		"Your recurring invoice %q generated invoice %s for %s.\n\nTotal: %s%s\nDue: %s\n\nView it at %s\n",
		notice.DefinitionName, inv.InvoiceNumber, inv.ClientName,
		models.CurrencySymbol(inv.Currency), inv.Total.StringFixed(2),
		inv.DueDate.Format("January 2, 2006"),
		n.PublicLink(inv),
	)
	return n.send(ctx, Message{
		To:      []string{notice.OwnerEmail},
		Subject: "Recurring Invoice Generated: " + inv.InvoiceNumber,
		Text:    text,
	})
}

// InvoiceToClient sends the invoice link to the client.
func (n *EmailNotifier) InvoiceToClient(ctx context.Context, inv models.Invoice, accountName string) error {
	if inv.ClientEmail == "" {
		return apperrors.Newf("invoice %s has no client email", inv.InvoiceNumber).Mark(apperrors.ErrNotificationDelivery)
	}
	text := fmt.Sprintf(
		"Hello %s,\n\n%s has sent you invoice %s for %s%s, due %s.\n\nView and pay it at %s\n",
		inv.ClientName, accountName, inv.InvoiceNumber,
		models.CurrencySymbol(inv.Currency), inv.Total.StringFixed(2),
		inv.DueDate.Format("January 2, 2006"),
		n.PublicLink(inv),
	)
	return n.send(ctx, Message{
		To:      []string{inv.ClientEmail},
		Subject: fmt.Sprintf("Invoice %s from %s", inv.InvoiceNumber, accountName),
		Text:    text,
	})
}

// PaymentReminder reminds the client of an unpaid invoice. daysFromDue is
// negative before the due date.
func (n *EmailNotifier) PaymentReminder(ctx context.Context, inv models.Invoice, accountName string, daysFromDue int) error {
	if inv.ClientEmail == "" {
		return apperrors.Newf("invoice %s has no client email", inv.InvoiceNumber).Mark(apperrors.ErrNotificationDelivery)
	}
	amount := models.CurrencySymbol(inv.Currency) + inv.Total.StringFixed(2)
	text := fmt.Sprintf(
		"Hello %s,\n\nInvoice %s from %s for %s %s (%s).\n\nView and pay it at %s\n",
		inv.ClientName, inv.InvoiceNumber, accountName, amount,
		dueLabel(daysFromDue), inv.DueDate.Format("January 2, 2006"),
		n.PublicLink(inv),
	)
	return n.send(ctx, Message{
		To:      []string{inv.ClientEmail},
		Subject: ReminderSubject(inv.InvoiceNumber, daysFromDue),
		Text:    text,
	})
}

// ReminderSubject words the subject by whether the invoice is due soon, due
// today or overdue.
func ReminderSubject(number string, daysFromDue int) string {
	switch {
	case daysFromDue < 0:
		return fmt.Sprintf("Reminder: Invoice %s Due Soon", number)
	case daysFromDue == 0:
		return fmt.Sprintf("Payment Due Today: Invoice %s", number)
	default:
		return fmt.Sprintf("OVERDUE: Invoice %s - Immediate Attention Required", number)
	}
}

func dueLabel(daysFromDue int) string {
	switch {
	case daysFromDue == 0:
		return "is due today"
	case daysFromDue == -1:
		return "is due in 1 day"
	case daysFromDue < 0:
		return fmt.Sprintf("is due in %d days", -daysFromDue)
	case daysFromDue == 1:
		return "was due 1 day ago"
	default:
		return fmt.Sprintf("was due %d days ago", daysFromDue)
	}
}

// LateFeeApplied tells the account owner a late fee was added to an invoice.
func (n *EmailNotifier) LateFeeApplied(ctx context.Context, notice LateFeeNotice) error {
	if notice.OwnerEmail == "" {
		return apperrors.Newf("account %d has no owner email", notice.AccountID).Mark(apperrors.ErrNotificationDelivery)
	}
	inv := notice.Invoice
	symbol := models.CurrencySymbol(inv.Currency)
	text := fmt.Sprintf(
		"A late fee of %s%s was applied to invoice %s for %s.\n\nOriginal amount: %s%s\nLate fee: %s%s\nNew total: %s%s\n\nThe invoice was due on %s.\n",
		symbol, notice.Fee.StringFixed(2), inv.InvoiceNumber, inv.ClientName,
		symbol, notice.TotalBefore.StringFixed(2),
		symbol, notice.Fee.StringFixed(2),
		symbol, inv.Total.StringFixed(2),
		inv.DueDate.Format("January 2, 2006"),
	)
	return n.send(ctx, Message{
		To:      []string{notice.OwnerEmail},
		Subject: "Late Fee Applied: Invoice " + inv.InvoiceNumber,
		Text:    text,
	})
}

func (n *EmailNotifier) PublicLink(inv models.Invoice) string {
	return n.publicURL + "/public/invoices/" + inv.PublicToken
}

func (n *EmailNotifier) send(ctx context.Context, msg Message) error {
	msg.From = n.from
	msg.ReplyTo = n.replyTo
	if err := n.mailer.Send(ctx, msg); err != nil {
		return apperrors.Wrap(err).
			WithMessagef("send %q to %s", msg.Subject, strings.Join(msg.To, ",")).
			Mark(apperrors.ErrNotificationDelivery)
	}
	n.log.Debugw("email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// LogNotifier only logs. Used when email delivery is disabled.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) InvoiceGenerated(_ context.Context, notice GeneratedNotice) error {
	n.log.Infow("recurring invoice generated",
		"account_id", notice.AccountID,
		"definition_id", notice.DefinitionID,
		"invoice_number", notice.Invoice.InvoiceNumber)
	return nil
}

func (n *LogNotifier) InvoiceToClient(_ context.Context, inv models.Invoice, accountName string) error {
	n.log.Infow("invoice ready for client",
		"account", accountName,
		"invoice_number", inv.InvoiceNumber,
		"client_email", inv.ClientEmail)
	return nil
}

func (n *LogNotifier) PaymentReminder(_ context.Context, inv models.Invoice, accountName string, daysFromDue int) error {
	n.log.Infow("payment reminder due",
		"account", accountName,
		"invoice_number", inv.InvoiceNumber,
		"days_from_due", daysFromDue)
	return nil
}

func (n *LogNotifier) LateFeeApplied(_ context.Context, notice LateFeeNotice) error {
	n.log.Infow("late fee applied",
		"account_id", notice.AccountID,
		"invoice_number", notice.Invoice.InvoiceNumber,
		"fee", notice.Fee.StringFixed(2))
	return nil
}
