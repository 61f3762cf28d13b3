package handlers

import (
	"net/http"

	"invoicekits/database"
	"invoicekits/models"
	"invoicekits/scheduler"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func ListRecurringInvoices(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "ListRecurringInvoices")
	defer span.End()

	var defs []models.RecurringInvoice
	err := database.DB.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("account_id = ?", callerAccountID(c)).
		Order("id").
		Find(&defs).Error
	if err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve recurring invoices"})
		return
	}

	c.JSON(http.StatusOK, defs)
}

func CreateRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "CreateRecurringInvoice")
	defer span.End()

	var req scheduler.DefinitionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := svc.Scheduler.Create(ctx, callerAccountID(c), req, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"recurring.id": def.ID, "recurring.cadence": string(def.Cadence)})

	c.JSON(http.StatusCreated, def)
}

func GetRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GetRecurringInvoice")
	defer span.End()

	id, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	def, err := svc.Scheduler.Get(ctx, callerAccountID(c), id)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, def)
}

func UpdateRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "UpdateRecurringInvoice")
	defer span.End()

	id, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	var req scheduler.DefinitionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := svc.Scheduler.Update(ctx, callerAccountID(c), id, req, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, def)
}

// ToggleRecurringInvoice pauses an active definition or resumes a paused one.
func ToggleRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "ToggleRecurringInvoice")
	defer span.End()

	id, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	def, err := svc.Scheduler.ToggleStatus(ctx, callerAccountID(c), id, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"recurring.status": string(def.Status)})

	c.JSON(http.StatusOK, def)
}

// GenerateRecurringInvoice issues the next invoice of a definition right away.
func GenerateRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GenerateRecurringInvoice")
	defer span.End()

	id, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	generated, err := svc.Scheduler.GenerateNow(ctx, callerAccountID(c), id, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"invoice.number": generated.Invoice.InvoiceNumber})

	c.JSON(http.StatusCreated, generated)
}

func DeleteRecurringInvoice(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "DeleteRecurringInvoice")
	defer span.End()

	id, err := idParam(c)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	if err := svc.Scheduler.Delete(ctx, callerAccountID(c), id); err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Recurring invoice deleted"})
}
