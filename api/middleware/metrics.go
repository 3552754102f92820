package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/metrics"
)

// Metrics records request count and latency per route. Unmatched routes
// are grouped under "unmatched" to keep label cardinality bounded.
func Metrics(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
