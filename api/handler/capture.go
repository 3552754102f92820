package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/evidence/cache"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/models"
)

// Capturer runs a single capture request.
type Capturer interface {
	Capture(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult
}

// Capture returns a handler for POST /api/v1/capture.
//
// Orchestration flow:
//  1. Parse & validate request, apply defaults.
//  2. Cache lookup when max_age > 0.
//  3. Engine.Capture (never errors; the status carries the outcome).
//  4. Cache store, respond 200 for success/partial and 422 for failed.
func Capture(eng Capturer, cc *cache.Cache, cfg config.CaptureConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.CaptureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, models.NewCaptureError(models.ErrCodeInvalidInput, err.Error(), nil))
			return
		}
		req.Defaults(cfg.OutputDir, cfg.DefaultTimeout, cfg.DefaultPadding)
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		var cacheKey string
		if cc != nil && req.MaxAge > 0 {
			cacheKey = cache.Key(req.URL, req.Description, req.SceneID, req.OutputDir, req.PaddingPx())
			if cached, hit := cc.Get(cacheKey, req.MaxAge); hit {
				out := *cached
				out.CacheStatus = "hit"
				c.JSON(http.StatusOK, &out)
				return
			}
		}

		// ── 3. Capture ──────────────────────────────────────────────
		result := eng.Capture(c.Request.Context(), &req)

		// ── 4. Cache store + respond ────────────────────────────────
		if cacheKey != "" {
			cc.Set(cacheKey, result)
			out := *result
			out.CacheStatus = "miss"
			result = &out
		}

		status := http.StatusOK
		if result.Status == models.StatusFailed {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, result)
	}
}
