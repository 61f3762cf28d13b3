package handlers

import (
	"net/http"

	"invoicekits/database"

	"github.com/gin-gonic/gin"
)

// RunTick runs the daily job on demand, for deployments that trigger it
// from an external scheduler.
func RunTick(c *gin.Context) {
	ctx, span := Tracer.StartSpan(c.Request.Context(), "RunTick")
	defer span.End()

	report, err := svc.Scheduler.RunDailyJob(ctx, svc.Now())
	if err != nil {
		span.SetError(err.Error(), "")
		respondError(c, err)
		return
	}
	span.SetAttributes(map[string]interface{}{
		"tick.due":       report.Tick.Due,
		"tick.processed": report.Tick.Processed,
		"tick.failed":    report.Tick.Failed,
	})

	c.JSON(http.StatusOK, report)
}

func ClearDatabase(c *gin.Context) {
	_, span := Tracer.StartSpan(c.Request.Context(), "ClearDatabase")
	defer span.End()

	if svc.Config.IsProduction() {
		c.JSON(http.StatusForbidden, gin.H{"error": "Clearing the database is disabled in production"})
		return
	}

	err := database.ClearDBAndMigrate()
	if err != nil {
		span.SetError(err.Error(), "")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear and migrate database"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Database cleared and migrated successfully"})
}
