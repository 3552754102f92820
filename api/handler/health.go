package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// InFlightCounter reports how many captures are running.
type InFlightCounter interface {
	InFlight() int
}

// Health returns a handler for GET /api/v1/health.
//
// Degrades status when more than 80% of the capture slots are busy.
func Health(counter InFlightCounter, maxSlots int, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		inFlight := counter.InFlight()

		status := "healthy"
		if maxSlots > 0 && inFlight > int(float64(maxSlots)*0.8) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:   status,
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			InFlight: inFlight,
			MaxSlots: maxSlots,
			Version:  Version,
		})
	}
}
