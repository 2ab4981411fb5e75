package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inkboard/inkboard/pkg/metrics"
)

// Metrics records request latency metrics for each HTTP request. Unmatched
// routes share a single path label.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
