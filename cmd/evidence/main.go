package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/use-agent/evidence/api"
	"github.com/use-agent/evidence/api/handler"
	"github.com/use-agent/evidence/api/middleware"
	"github.com/use-agent/evidence/browser"
	"github.com/use-agent/evidence/cache"
	"github.com/use-agent/evidence/capture"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/llm"
	"github.com/use-agent/evidence/metrics"
	"github.com/use-agent/evidence/scene"
	"github.com/use-agent/evidence/session"
	"github.com/use-agent/evidence/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("evidence starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"browserMode", cfg.Browser.Mode,
		"driver", cfg.Browser.Driver,
		"maxConcurrent", cfg.Capture.MaxConcurrent,
	)

	// ── 3. Session provider ─────────────────────────────────────────
	var sessions session.Provider
	switch cfg.Browser.Mode {
	case "local":
		local := session.NewLocal(session.LocalOptions{
			Headless:   cfg.Browser.Headless,
			NoSandbox:  cfg.Browser.NoSandbox,
			BrowserBin: cfg.Browser.BrowserBin,
			Proxy:      cfg.Browser.Proxy,
		})
		defer local.Close()
		sessions = local
	default:
		sessions = session.NewBrowserbase(session.BrowserbaseOptions{
			APIKey:         cfg.Remote.APIKey,
			ProjectID:      cfg.Remote.ProjectID,
			BaseURL:        cfg.Remote.BaseURL,
			RequestTimeout: cfg.Remote.RequestTimeout,
		})
	}

	// ── 4. Page driver ──────────────────────────────────────────────
	var connector browser.Connector
	switch cfg.Browser.Driver {
	case "playwright":
		pw, err := browser.NewPlaywrightConnector(cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
		if err != nil {
			slog.Error("failed to start playwright", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pw.Stop(); err != nil {
				slog.Warn("playwright stop failed", "error", err)
			}
		}()
		connector = pw
	default:
		connector = browser.NewRodConnector(browser.RodOptions{
			Stealth:        cfg.Browser.Stealth,
			BlockAds:       cfg.Browser.BlockAds,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
		})
	}

	// ── 5. Capture engine + metrics ─────────────────────────────────
	if cfg.LLM.APIKey == "" {
		slog.Warn("EVIDENCE_LLM_API_KEY is not set; anchor selection will fail and captures end partial")
	}
	selector := llm.NewClient(llm.Params{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	eng := capture.NewEngine(sessions, connector, selector, cfg.Capture, cfg.LLM.Timeout)
	eng.SetMetrics(collector)

	// ── 6. Cache, batch store, webhooks ─────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries)
	defer cc.Close()

	// Batch jobs outlive their POST request and end with the process.
	batches := handler.NewBatchStore(context.Background(), time.Hour)
	defer batches.Close()

	hooks := webhook.NewClient(webhook.Options{
		RetryMax:     cfg.Webhook.RetryMax,
		RetryWaitMin: cfg.Webhook.RetryWaitMin,
		RetryWaitMax: cfg.Webhook.RetryWaitMax,
		Timeout:      cfg.Webhook.Timeout,
	})

	limiter := middleware.NewLimiter(cfg.RateLimit)
	defer limiter.Close()

	// ── 7. Setup router ─────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(api.Deps{
		Engine:   eng,
		Scenes:   scene.NewCapturer(eng, cfg.Capture.MaxConcurrent),
		Batches:  batches,
		Cache:    cc,
		Webhooks: hooks,
		Metrics:  collector,
		Limiter:  limiter,
		Gatherer: reg,
	}, cfg, startTime)

	// ── 8. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// A capture can run up to its own deadline; give it that long.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Capture.DefaultTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully", "inFlight", eng.InFlight())
	}

	// Batches keep capturing until the same deadline; captures still
	// running then are canceled and their scenes recorded as failed.
	if err := batches.Shutdown(ctx); err != nil {
		slog.Warn("batch jobs canceled at shutdown deadline", "error", err)
	}

	// Completion webhooks for those batches get a short grace of their own.
	hookCtx, hookCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer hookCancel()
	if err := hooks.Wait(hookCtx); err != nil {
		slog.Warn("webhook deliveries abandoned at shutdown", "error", err)
	}

	// Deferred closers stop local browsers and the playwright driver.
	slog.Info("evidence stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
