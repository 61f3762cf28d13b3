package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"invoicekits/database"
	"invoicekits/models"

	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader     = "X-API-Key"
	adminTokenHeader = "X-Admin-Token"
)

// HashAPIKey is the form an API key is stored and looked up in.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			c.Abort()
			return
		}

		var callerUser models.User
		if err := database.DB.Where("api_key_hash = ?", HashAPIKey(key)).First(&callerUser).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Set("callerUserID", uint64(callerUser.ID))
		c.Set("callerAccountID", uint64(callerUser.AccountID))

		c.Next()
	}
}

// AdminMiddleware guards operator endpoints. With no admin token configured
// they are switched off.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := svc.Config.Server.AdminToken
		if expected == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(adminTokenHeader)), []byte(expected)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
