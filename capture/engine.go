// Package capture turns a URL and an element description into a bundle of
// screenshots that degrades from the precise element down to the full page.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/use-agent/evidence/browser"
	"github.com/use-agent/evidence/config"
	"github.com/use-agent/evidence/metrics"
	"github.com/use-agent/evidence/models"
	"github.com/use-agent/evidence/session"
	"golang.org/x/sync/semaphore"
)

// MaxPromptCandidates bounds how many candidates the anchor selector sees.
const MaxPromptCandidates = 30

// releaseTimeout bounds session release, which runs detached from the
// request context so an expired request still frees its session.
const releaseTimeout = 10 * time.Second

// AnchorSelector picks up to four candidates matching a description, best
// first. Results are expected, not guaranteed, to be verbatim candidates.
type AnchorSelector interface {
	SelectAnchors(ctx context.Context, description string, candidates []string) ([]string, error)
}

// State is a step of the capture flow, logged at debug level.
type State string

const (
	StateLoading        State = "LOADING"
	StateBlocked        State = "BLOCKED"
	StateRecon          State = "RECON"
	StateAnchorSelect   State = "ANCHOR_SELECT"
	StateLocate         State = "LOCATE"
	StateElementFound   State = "ELEMENT_FOUND"
	StateLocateFailed   State = "LOCATE_FAILED"
	StateCapturePrecise State = "CAPTURE_PRECISE"
	StateDone           State = "DONE"
)

// Engine runs capture requests. It holds no per-request state and is safe
// for concurrent use; every request owns its browser session.
type Engine struct {
	sessions  session.Provider
	connector browser.Connector
	selector  AnchorSelector
	locator   *ElementLocator
	cfg       config.CaptureConfig

	anchorTimeout time.Duration
	metrics       *metrics.Collector
	sleep         func(ctx context.Context, d time.Duration) error

	// slots caps concurrent captures, and with them open browser sessions,
	// across every caller of the engine.
	slots    *semaphore.Weighted
	maxSlots int
	inFlight atomic.Int32
}

// NewEngine wires the engine's collaborators. anchorTimeout bounds each
// anchor selection call independently of the request deadline.
func NewEngine(
	sessions session.Provider,
	connector browser.Connector,
	selector AnchorSelector,
	cfg config.CaptureConfig,
	anchorTimeout time.Duration,
) *Engine {
	maxSlots := cfg.MaxConcurrent
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &Engine{
		sessions:      sessions,
		connector:     connector,
		selector:      selector,
		locator:       NewElementLocator(cfg.ScrollTimeout),
		cfg:           cfg,
		anchorTimeout: anchorTimeout,
		sleep:         sleepCtx,
		slots:         semaphore.NewWeighted(int64(maxSlots)),
		maxSlots:      maxSlots,
	}
}

// InFlight returns the number of captures currently holding a slot.
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// MaxSlots returns the concurrent capture limit.
func (e *Engine) MaxSlots() int {
	return e.maxSlots
}

// SetMetrics attaches a metrics collector. A nil collector records nothing.
func (e *Engine) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capture runs one request end to end. It never returns an error: every
// failure is recorded on the result, and the status reflects what was
// captured before it occurred.
//
// Lifecycle (numbered steps match the inline comments):
//
//  0. Acquire slot      – waits for one of MaxConcurrent capture slots
//  1. Acquire session   – DEFER: release on every exit path
//  2. Load              – navigate, DOM-ready, settle delay
//  3. Anti-bot check    – blocked pages end failed with no files
//  4. Full page         – first guaranteed artifact; status becomes partial
//  5. Viewport          – second guaranteed artifact
//  6. Reconnaissance    – real visible text only
//  7. Anchor selection  – LLM picks from the candidates
//  8. Locate            – anchors x strategies, first success wins
//  9. Precise captures  – padded, tight, container; status becomes success
//  10. Finalize         – timing recorded exactly once, in a defer
func (e *Engine) Capture(ctx context.Context, req *models.CaptureRequest) (result *models.CaptureResult) {
	start := time.Now()
	result = models.NewCaptureResult()
	log := slog.With("scene", req.SceneID, "url", req.URL)
	enter := func(s State) { log.Debug("capture state", "state", s) }

	// ── 10. Finalize ──────────────────────────────────────────────────
	// Registered first so it runs last, after the session is released.
	defer func() {
		if r := recover(); r != nil {
			log.Error("capture panicked", "panic", r)
			result.Fail(models.NewCaptureError(models.ErrCodeInternal, fmt.Sprintf("panic: %v", r), nil))
			if result.Status == models.StatusSuccess {
				result.Status = models.StatusPartial
			}
		}
		result.TimingMs = time.Since(start).Milliseconds()
		e.metrics.ObserveCapture(result)
		enter(StateDone)
		log.Info("capture finished",
			"status", result.Status,
			"timing_ms", result.TimingMs,
			"strategy", result.StrategyUsed,
			"error_code", result.ErrorCode,
		)
	}()

	if timeout := req.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// ── 0. Acquire slot ───────────────────────────────────────────────
	if err := e.slots.Acquire(ctx, 1); err != nil {
		result.Fail(models.NewCaptureError(models.ErrCodeTimeout, "deadline reached waiting for a capture slot", err))
		return result
	}
	defer e.slots.Release(1)
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	defer e.metrics.TrackInFlight()()

	// ── 1. Acquire session ────────────────────────────────────────────
	sess, err := e.sessions.Create(ctx)
	if err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeSession, "failed to acquire browser session"))
		return result
	}
	log = log.With("session", sess.ID)

	// ── 1b. CRITICAL DEFER: release the session whatever happens ──────
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := e.sessions.Release(rctx, sess.ID); err != nil {
			log.Warn("session release failed", "error", err)
		}
	}()

	page, closePage, err := e.connector.Connect(ctx, sess.ConnectURL)
	if err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeSession, "failed to connect to browser session"))
		return result
	}
	defer closePage()

	// ── 2. Load ───────────────────────────────────────────────────────
	enter(StateLoading)
	if err := page.Goto(ctx, req.URL, e.cfg.NavigationTimeout); err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeNavigation, "navigation failed"))
		return result
	}
	if err := page.WaitForLoadState(ctx, browser.LoadStateDOMContentLoaded, e.cfg.DOMReadyTimeout); err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeLoadTimeout, "page did not reach DOM-ready"))
		return result
	}
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeTimeout, "deadline reached during settle delay"))
		return result
	}

	// ── 3. Anti-bot check ─────────────────────────────────────────────
	title, err := page.Title(ctx)
	if err != nil {
		log.Warn("could not read page title", "error", err)
	}
	if isBlockedTitle(title) {
		enter(StateBlocked)
		result.Fail(models.NewCaptureError(models.ErrCodeAntiBot,
			fmt.Sprintf("page blocked by anti-bot protection (title %q)", title), nil))
		return result
	}

	// ── 4. Full page (guaranteed) ─────────────────────────────────────
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		result.Fail(models.NewCaptureError(models.ErrCodeScreenshot, "failed to create output directory", err))
		return result
	}
	if err := e.shoot(ctx, page, req, models.VariantFullPage, result, browser.ScreenshotOptions{FullPage: true}); err != nil {
		result.Fail(err)
		return result
	}
	// From here on the request can no longer end in failed.
	result.Status = models.StatusPartial

	// ── 5. Viewport (guaranteed) ──────────────────────────────────────
	if err := e.shoot(ctx, page, req, models.VariantViewport, result, browser.ScreenshotOptions{}); err != nil {
		result.Fail(err)
		return result
	}

	// ── 6. Reconnaissance ─────────────────────────────────────────────
	enter(StateRecon)
	candidates, err := Reconnoiter(ctx, page)
	if err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeReconEmpty, "text reconnaissance failed"))
		return result
	}
	if len(candidates) == 0 {
		result.Fail(models.NewCaptureError(models.ErrCodeReconEmpty, "no text candidates found on page", nil))
		return result
	}
	log.Debug("reconnaissance complete", "candidates", len(candidates))

	// ── 7. Anchor selection ───────────────────────────────────────────
	enter(StateAnchorSelect)
	shown := candidates
	if len(shown) > MaxPromptCandidates {
		shown = shown[:MaxPromptCandidates]
	}
	anchors, selErr := e.selectAnchors(ctx, req.Description, shown)
	if selErr != nil {
		log.Warn("anchor selection failed", "error", selErr)
	}
	if len(anchors) == 0 {
		result.Fail(models.NewCaptureError(models.ErrCodeAnchorsEmpty, "anchor selection returned no anchors", selErr))
		return result
	}
	logUnlistedAnchors(log, anchors, shown)

	// ── 8. Locate ─────────────────────────────────────────────────────
	enter(StateLocate)
	match, tried := e.locator.Locate(ctx, page, anchors)
	if match == nil {
		enter(StateLocateFailed)
		msg := fmt.Sprintf("no visible element matched anchors %s", quoteList(tried))
		if ctx.Err() != nil {
			result.Fail(models.NewCaptureError(models.ErrCodeTimeout, msg, ctx.Err()))
		} else {
			result.Fail(models.NewCaptureError(models.ErrCodeLocatorMiss, msg, nil))
		}
		return result
	}
	enter(StateElementFound)
	log.Debug("element located", "anchor", match.Anchor, "strategy", match.Strategy, "selector", match.Selector)

	// ── 9. Precise captures ───────────────────────────────────────────
	enter(StateCapturePrecise)
	ext, err := pageExtent(ctx, page)
	if err != nil {
		result.Fail(e.classify(ctx, err, models.ErrCodeScreenshot, "failed to read page extent"))
		return result
	}
	padding := float64(req.PaddingPx())

	// Padded and tight shots exist together or not at all: a partial
	// result carries only generic captures.
	if err := e.shootClip(ctx, page, req, models.VariantElementPadded, result, Clamp(match.Box, padding, ext)); err != nil {
		result.Fail(err)
		return result
	}
	if err := e.shootClip(ctx, page, req, models.VariantElementTight, result, Clamp(match.Box, 0, ext)); err != nil {
		e.discard(log, result, models.VariantElementPadded)
		result.Fail(err)
		return result
	}

	// The container shot is a bonus: a miss or failure leaves success intact.
	if box, err := FindContainer(ctx, match.Element); err != nil {
		log.Debug("container lookup failed", "error", err)
	} else if box != nil {
		if err := e.shootClip(ctx, page, req, models.VariantContext, result, Clamp(*box, padding, ext)); err != nil {
			log.Debug("container capture failed", "error", err)
		}
	}

	result.Status = models.StatusSuccess
	result.ElementSelector = match.Selector
	result.AnchorTextFound = match.Anchor
	result.StrategyUsed = match.Strategy
	return result
}

func (e *Engine) selectAnchors(ctx context.Context, description string, candidates []string) ([]string, error) {
	if e.selector == nil {
		return nil, errors.New("no anchor selector configured")
	}
	actx := ctx
	if e.anchorTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.anchorTimeout)
		defer cancel()
	}
	anchors, err := e.selector.SelectAnchors(actx, description, candidates)
	if err != nil {
		return nil, err
	}
	return anchors, nil
}

// shoot writes one artifact and records its path on success.
func (e *Engine) shoot(ctx context.Context, page browser.Page, req *models.CaptureRequest,
	v models.Variant, result *models.CaptureResult, opts browser.ScreenshotOptions) error {
	path := models.ArtifactPath(req.OutputDir, req.SceneID, v)
	if err := page.Screenshot(ctx, path, opts); err != nil {
		return e.classify(ctx, err, models.ErrCodeScreenshot, fmt.Sprintf("%s screenshot failed", v))
	}
	result.SetArtifact(v, path)
	return nil
}

// discard removes an artifact that must not outlive a failed step.
func (e *Engine) discard(log *slog.Logger, result *models.CaptureResult, v models.Variant) {
	path := result.Artifact(v)
	if path == "" {
		return
	}
	result.SetArtifact(v, "")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove discarded artifact", "path", path, "error", err)
	}
}

func (e *Engine) shootClip(ctx context.Context, page browser.Page, req *models.CaptureRequest,
	v models.Variant, result *models.CaptureResult, clip browser.Rect) error {
	if !clip.Visible() {
		return models.NewCaptureError(models.ErrCodeScreenshot,
			fmt.Sprintf("%s clip is empty after clamping to page bounds", v), nil)
	}
	return e.shoot(ctx, page, req, v, result, browser.ScreenshotOptions{Clip: &clip})
}

// classify wraps err under code, unless the request deadline is what
// actually expired.
func (e *Engine) classify(ctx context.Context, err error, code, msg string) *models.CaptureError {
	var ce *models.CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if ctx.Err() != nil {
		return models.NewCaptureError(models.ErrCodeTimeout, msg+": capture deadline exceeded", err)
	}
	return models.NewCaptureError(code, msg, err)
}

// isBlockedTitle is a coarse interstitial check: Cloudflare's challenge
// page is titled "Just a moment...".
func isBlockedTitle(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "moment") || strings.Contains(t, "cloudflare")
}

// logUnlistedAnchors separates "selector returned text that is not on the
// page" from ordinary locator misses in the logs.
func logUnlistedAnchors(log *slog.Logger, anchors, candidates []string) {
	listed := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		listed[c] = struct{}{}
	}
	for _, a := range anchors {
		if _, ok := listed[a]; !ok {
			log.Debug("anchor is not a verbatim candidate", "anchor", a)
		}
	}
}

func quoteList(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(q, ", ") + "]"
}
