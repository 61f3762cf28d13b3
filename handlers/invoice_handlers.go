package handlers

import (
	"errors"
	"net/http"

	"invoicekits/apperrors"
	"invoicekits/database"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const htmlContentType = "text/html; charset=utf-8"

type CreateInvoiceRequest struct {
	ClientID       *uint                     `json:"client_id"`
	ClientName     string                    `json:"client_name"`
	ClientEmail    string                    `json:"client_email" binding:"omitempty,email"`
	Currency       string                    `json:"currency"`
	TaxRate        decimal.Decimal           `json:"tax_rate"`
	DiscountAmount decimal.Decimal           `json:"discount_amount"`
	PaymentTerms   models.PaymentTerms       `json:"payment_terms"`
	TemplateStyle  string                    `json:"template_style"`
	Notes          string                    `json:"notes"`
	Status         models.InvoiceStatus      `json:"status"`
	LineItems      []invoicing.LineItemInput `json:"line_items" binding:"required"`
}

type CreateInvoiceResponse struct {
	Invoice  *models.Invoice    `json:"invoice"`
	Consumed ledger.Consumption `json:"consumed"`
}

// CreateInvoice issues an invoice if the account still has quota or credits.
// Running out answers 402 with an upgrade hint.
func CreateInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "CreateInvoice")
	defer span.End()

	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID := callerAccountID(c)
	draft := invoicing.Draft{
		ClientID:       req.ClientID,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		Currency:       req.Currency,
		TaxRate:        req.TaxRate,
		DiscountAmount: req.DiscountAmount,
		PaymentTerms:   req.PaymentTerms,
		TemplateStyle:  req.TemplateStyle,
		Notes:          req.Notes,
		Status:         req.Status,
		LineItems:      req.LineItems,
	}

	// Saved clients fill in whatever the request left out.
	if req.ClientID != nil && (draft.ClientName == "" || draft.ClientEmail == "") {
		var client models.Client
		err := database.DB.WithContext(ctx).Where("id = ? AND account_id = ?", *req.ClientID, accountID).First(&client).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetError(err.Error(), "")
			c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
			return
		} else if err != nil {
			span.SetError(err.Error(), "")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve client"})
			return
		}
		if draft.ClientName == "" {
			draft.ClientName = client.Name
		}
		if draft.ClientEmail == "" {
			draft.ClientEmail = client.Email
		}
	}

	inv, consumed, err := svc.Invoices.Create(ctx, accountID, draft, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"invoice.number": inv.InvoiceNumber, "ledger.consumed": string(consumed)})

	c.JSON(http.StatusCreated, CreateInvoiceResponse{Invoice: inv, Consumed: consumed})
}

func GetInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GetInvoice")
	defer span.End()

	invoiceID, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	inv, err := svc.Invoices.Get(ctx, callerAccountID(c), invoiceID)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

type UpdateInvoiceStatusRequest struct {
	Status models.InvoiceStatus `json:"status" binding:"required"`
}

func UpdateInvoiceStatus(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "UpdateInvoiceStatus")
	defer span.End()

	invoiceID, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	var req UpdateInvoiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inv, err := svc.Invoices.Transition(ctx, callerAccountID(c), invoiceID, req.Status, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

// RenderInvoiceDocument returns the invoice as an HTML document.
func RenderInvoiceDocument(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "RenderInvoiceDocument")
	defer span.End()

	invoiceID, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	inv, err := svc.Invoices.Get(ctx, callerAccountID(c), invoiceID)
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

// PublishInvoiceDocument renders the invoice, uploads it to object storage and
// remembers the URL on the invoice.
func PublishInvoiceDocument(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "PublishInvoiceDocument")
	defer span.End()

	if svc.Store == nil {
		err := apperrors.New("document storage is not configured").
			WithHint("Document storage is not configured.").
			Mark(apperrors.ErrUnavailable)
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	invoiceID, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	inv, err := svc.Invoices.Get(ctx, callerAccountID(c), invoiceID)
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

	url, err := svc.Store.Put(ctx, inv.InvoiceNumber, html, htmlContentType)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	if err := svc.Invoices.SetDocumentURL(ctx, inv.ID, url); err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice_number": inv.InvoiceNumber, "document_url": url})
}

func renderInvoice(c *gin.Context, inv models.Invoice) ([]byte, error) {
	var account models.Account
	if err := database.DB.WithContext(c.Request.Context()).First(&account, inv.AccountID).Error; err != nil {
		return nil, apperrors.Wrap(err).WithMessage("load invoice account").Mark(apperrors.ErrDatabase)
	}
	html, err := svc.Renderer.Render(inv, account)
	if err != nil {
		return nil, apperrors.Wrap(err).WithMessage("render invoice").Err()
	}
	return html, nil
}
