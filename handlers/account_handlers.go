package handlers

import (
	"errors"
	"net/http"
	"strings"

	"invoicekits/database"
	"invoicekits/ledger"
	"invoicekits/models"
	"invoicekits/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type CreateAccountRequest struct {
	Name         string `json:"name" binding:"required"`
	BillingEmail string `json:"billing_email" binding:"required,email"`
	Username     string `json:"username" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	Password     string `json:"password" binding:"required,min=6"`
}

type CreateAccountResponse struct {
	Account models.Account `json:"account"`
	UserID  uint           `json:"user_id"`
	APIKey  string         `json:"api_key"`
}

// CreateAccount signs up an account on the free tier together with its owner.
// The API key is only ever returned here.
func CreateAccount(c *gin.Context) {
	_, span := Tracer.StartSpan(c.Request.Context(), "CreateAccount")
	defer span.End()

	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(map[string]interface{}{"account.name": req.Name, "username": req.Username})

	var existingUser models.User
	if err := database.DB.Where("username = ? OR email = ?", req.Username, req.Email).First(&existingUser).Error; err == nil {
		err = errors.New("username or email already in use")
		span.SetError(err.Error(), "")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check for existing user"})
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}

	apiKey := "inv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := svc.Now()
	account := models.Account{
		Name:               req.Name,
		BillingEmail:       req.BillingEmail,
		SubscriptionTier:   models.TierFree,
		SubscriptionStatus: models.SubscriptionActive,
		FreeCredits:        svc.Config.Ledger.SignupFreeCredits,
		PeriodStart:        ledger.PeriodStart(now),
	}
	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hashedPassword),
		APIKeyHash:   HashAPIKey(apiKey),
		IsOwner:      true,
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		user.AccountID = account.ID
		return tx.Create(&user).Error
	})
	if err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create account"})
		return
	}

	svc.Log.Infow("account created", "account_id", account.ID, "user_id", user.ID)
	c.JSON(http.StatusCreated, CreateAccountResponse{Account: account, UserID: user.ID, APIKey: apiKey})
}

func GetEntitlements(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GetEntitlements")
	defer span.End()

	snapshot, err := svc.Ledger.Snapshot(ctx, callerAccountID(c), svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type AccountSummaryResponse struct {
	AccountName      string                    `json:"account_name"`
	BillingEmail     string                    `json:"billing_email"`
	Tier             models.SubscriptionTier   `json:"tier"`
	Status           models.SubscriptionStatus `json:"status"`
	TotalUsers       int64                     `json:"total_users"`
	TotalInvoices    int64                     `json:"total_invoices"`
	InvoicesByStatus map[string]int64          `json:"invoices_by_status"`
	ActiveRecurring  int64                     `json:"active_recurring"`
	LatestInvoices   []models.Invoice          `json:"latest_invoices"`
	Entitlements     ledger.Snapshot           `json:"entitlements"`
}

func GetAccountSummary(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GetAccountSummary")
	defer span.End()

	accountID := callerAccountID(c)
	db := database.DB.WithContext(ctx)

	var account models.Account
	if err := db.First(&account, accountID).Error; err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	var totalUsers int64
	db.Model(&models.User{}).Where("account_id = ?", accountID).Count(&totalUsers)

	var counts []struct {
		Status string
		Total  int64
	}
	db.Model(&models.Invoice{}).Select("status, count(*) as total").
		Where("account_id = ?", accountID).Group("status").Scan(&counts)

	byStatus := make(map[string]int64, len(counts))
	var totalInvoices int64
	for _, row := range counts {
		byStatus[row.Status] = row.Total
		totalInvoices += row.Total
	}

	var activeRecurring int64
	db.Model(&models.RecurringInvoice{}).
		Where("account_id = ? AND status = ?", accountID, string(models.RecurringActive)).
		Count(&activeRecurring)

	var latestInvoices []models.Invoice
	db.Where("account_id = ?", accountID).Order("issue_date desc, id desc").Limit(5).Find(&latestInvoices)

	c.JSON(http.StatusOK, AccountSummaryResponse{
		AccountName:      account.Name,
		BillingEmail:     account.BillingEmail,
		Tier:             account.SubscriptionTier,
		Status:           account.SubscriptionStatus,
		TotalUsers:       totalUsers,
		TotalInvoices:    totalInvoices,
		InvoicesByStatus: byStatus,
		ActiveRecurring:  activeRecurring,
		LatestInvoices:   latestInvoices,
		Entitlements:     ledger.SnapshotOf(account, svc.Now()),
	})
}

func GetCollectionSettings(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "GetCollectionSettings")
	defer span.End()

	var account models.Account
	if err := database.DB.WithContext(ctx).First(&account, callerAccountID(c)).Error; err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, scheduler.SettingsOf(account))
}

// UpdateCollectionSettings turns payment reminders and late fees on or off
// for the caller's account.
func UpdateCollectionSettings(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "UpdateCollectionSettings")
	defer span.End()

	var req scheduler.CollectionSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := svc.Scheduler.UpdateCollectionSettings(ctx, callerAccountID(c), req)
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"account.reminders": settings.RemindersEnabled, "account.late_fees": settings.LateFeesEnabled})

	c.JSON(http.StatusOK, settings)
}
