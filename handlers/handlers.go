package handlers

import (
	"net/http"
	"strconv"
	"time"

	"invoicekits/apperrors"
	"invoicekits/billing"
	"invoicekits/config"
	"invoicekits/documents"
	"invoicekits/invoicing"
	"invoicekits/ledger"
	"invoicekits/logger"
	"invoicekits/scheduler"

	"github.com/gin-gonic/gin"
)

// Services is everything the handlers call into. Handlers talk to
// database.DB directly for plain reads and writes, like the rest of the app.
type Services struct {
	Config    *config.Configuration
	Log       *logger.Logger
	Ledger    *ledger.Ledger
	Invoices  *invoicing.Service
	Scheduler *scheduler.Scheduler
	Billing   *billing.Service
	Checkout  billing.CheckoutLinker
	Renderer  *documents.Renderer
	Store     documents.Store // nil when object storage is disabled
	Now       func() time.Time
}

var svc Services

// Setup installs the services used by every handler.
func Setup(s Services) {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Log == nil {
		s.Log = logger.L
	}
	svc = s
}

// RegisterRoutes mounts the public, authenticated and admin routes on r.
func RegisterRoutes(r *gin.Engine) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	r.POST("/accounts", CreateAccount)
	r.POST("/webhooks/stripe", StripeWebhook)
	r.GET("/public/invoices/:token", ViewPublicInvoice)
	r.POST("/public/invoices/:token/pay", PayPublicInvoice)

	authRequired := r.Group("/")
	authRequired.Use(AuthMiddleware())
	{
		authRequired.GET("/account", GetAccountSummary)
		authRequired.GET("/account/entitlements", GetEntitlements)
		authRequired.GET("/account/settings", GetCollectionSettings)
		authRequired.PUT("/account/settings", UpdateCollectionSettings)

		authRequired.POST("/clients", CreateClient)
		authRequired.GET("/clients", ListClients)

		authRequired.POST("/invoices", CreateInvoice)
		authRequired.GET("/invoices/:id", GetInvoice)
		authRequired.POST("/invoices/:id/status", UpdateInvoiceStatus)
		authRequired.GET("/invoices/:id/document", RenderInvoiceDocument)
		authRequired.POST("/invoices/:id/document", PublishInvoiceDocument)

		authRequired.GET("/recurring", ListRecurringInvoices)
		authRequired.POST("/recurring", CreateRecurringInvoice)
		authRequired.GET("/recurring/:id", GetRecurringInvoice)
		authRequired.PUT("/recurring/:id", UpdateRecurringInvoice)
		authRequired.POST("/recurring/:id/toggle", ToggleRecurringInvoice)
		authRequired.POST("/recurring/:id/generate", GenerateRecurringInvoice)
		authRequired.DELETE("/recurring/:id", DeleteRecurringInvoice)

		authRequired.POST("/billing/credits/:pack/checkout", CreateCreditCheckout)
	}

	admin := r.Group("/admin")
	admin.Use(AdminMiddleware())
	{
		admin.POST("/run_tick", RunTick)
		admin.POST("/clear_db", ClearDatabase)
	}
}

// respondError writes err as {"error": ...} with the status its category maps to.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		svc.Log.Errorw("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": apperrors.DisplayMessage(err)})
}

func callerAccountID(c *gin.Context) uint {
	return uint(c.GetUint64("callerAccountID"))
}

func idParam(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, apperrors.Newf("invalid id %q", c.Param("id")).Mark(apperrors.ErrValidation)
	}
	return uint(id), nil
}
