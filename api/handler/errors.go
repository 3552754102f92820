package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/models"
)

// respondError maps a CaptureError to the correct HTTP status code and
// writes a structured JSON error response.
func respondError(c *gin.Context, err error) {
	ce := models.AsCaptureError(err)
	c.JSON(mapErrorToStatus(ce), models.ErrorResponse{Error: ce.ToDetail()})
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.CaptureError) int {
	switch e.Code {
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeSession, models.ErrCodeNavigation:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}
