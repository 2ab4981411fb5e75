package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/database"
	"github.com/inkboard/inkboard/pkg/response"
)

// Health reports liveness and database reachability for readiness checks.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(requestContext(c), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus := "ok"
		if err := database.Ping(ctx, db); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = "unavailable"
		}

		response.Success(c, status, gin.H{
			"status":     http.StatusText(status),
			"database":   dbStatus,
			"checked_at": time.Now().UTC(),
		})
	}
}
