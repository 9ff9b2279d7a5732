package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"market-data-server/internal/metrics"
)

// responseTime stamps X-Response-Time and records request latency.
func responseTime(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		c.Writer.Header().Set("X-Response-Time", elapsed.Round(time.Microsecond).String())

		if m != nil {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPDuration.WithLabelValues(
				c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
			).Observe(elapsed.Seconds())
		}
	}
}

// setDataCount stamps X-Data-Count for list responses.
func setDataCount(c *gin.Context, n int) {
	c.Header("X-Data-Count", strconv.Itoa(n))
}
