package handlers

import (
	"net/http"

	"invoicekits/database"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
)

type CreateClientRequest struct {
	Name    string `json:"name" binding:"required"`
	Email   string `json:"email" binding:"omitempty,email"`
	Address string `json:"address"`
}

func CreateClient(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "CreateClient")
	defer span.End()

	var req CreateClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client := models.Client{
		AccountID: callerAccountID(c),
		Name:      req.Name,
		Email:     req.Email,
		Address:   req.Address,
	}
	if err := database.DB.WithContext(ctx).Create(&client).Error; err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create client"})
		return
	}

	c.JSON(http.StatusCreated, client)
}

func ListClients(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "ListClients")
	defer span.End()

	var clients []models.Client
	if err := database.DB.WithContext(ctx).Where("account_id = ?", callerAccountID(c)).Order("name").Find(&clients).Error; err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve clients"})
		return
	}

	c.JSON(http.StatusOK, clients)
}
