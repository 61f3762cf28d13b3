package handlers

import (
	"context"
	"net/http"

	"invoicekits/apperrors"
	"invoicekits/billing"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
)

// publicInvoice loads the invoice behind a public token. Drafts have not been
// sent to anyone and stay private.
func publicInvoice(ctx context.Context, token string) (*models.Invoice, error) {
	inv, err := svc.Invoices.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Status == models.InvoiceDraft {
		return nil, apperrors.New("invoice not found").Mark(apperrors.ErrNotFound)
	}
	return inv, nil
}

func ViewPublicInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "ViewPublicInvoice")
	defer span.End()

	inv, err := publicInvoice(ctx, c.Param("token"))
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	html, err := renderInvoice(c, *inv)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.Data(http.StatusOK, htmlContentType, html)
}

// PayPublicInvoice hands the client a checkout link for the invoice total.
// The invoice is marked paid when the provider confirms the payment. Paid
// invoices and invoices with nothing to pay are refused.
func PayPublicInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "PayPublicInvoice")
	defer span.End()

	inv, err := publicInvoice(ctx, c.Param("token"))
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	if err := billing.Payable(*inv); err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	if svc.Checkout == nil {
		err := apperrors.New("checkout is not configured").Mark(apperrors.ErrUnavailable)
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	url, err := svc.Checkout.InvoiceCheckout(ctx, *inv)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkout_url": url, "invoice_number": inv.InvoiceNumber})
}
