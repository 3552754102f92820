package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/use-agent/evidence/api/handler"
	"github.com/use-agent/evidence/api/middleware"
	"github.com/use-agent/evidence/cache"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/metrics"
)

// Engine is the capture engine as seen by the HTTP layer.
type Engine interface {
	handler.Capturer
	handler.InFlightCounter
}

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Engine   Engine
	Scenes   handler.SceneCapturer
	Batches  *handler.BatchStore
	Cache    *cache.Cache
	Webhooks handler.Notifier
	Metrics  *metrics.Collector

	// Limiter throttles protected routes; nil builds one from cfg that
	// lives as long as the process.
	Limiter *middleware.Limiter

	// Gatherer backs GET /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger → Metrics
//	API:     Auth (if enabled) → Rate
//	Capture: Captures (per-key in-flight cap)
//
// Health and metrics are outside auth so monitoring always works.
func NewRouter(d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(middleware.Metrics(d.Metrics))

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(d.Engine, cfg.Capture.MaxConcurrent, startTime))

	// Protected group: auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = middleware.NewLimiter(cfg.RateLimit)
	}
	protected.Use(limiter.Rate())

	// Capture
	protected.POST("/capture", limiter.Captures(), handler.Capture(d.Engine, d.Cache, cfg.Capture))

	// Batch
	protected.POST("/batch/capture", handler.PostBatch(d.Batches, d.Scenes, d.Webhooks, cfg.Capture))
	protected.GET("/batch/:id", handler.GetBatch(d.Batches))

	return r
}
