package scene

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/use-agent/evidence/models"
	"golang.org/x/sync/errgroup"
)

// Engine runs a single capture request.
type Engine interface {
	Capture(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult
}

// Options are applied to every capture request of a run.
type Options struct {
	OutputDir string
	Timeout   int // seconds
	Padding   *int
}

// Capturer drives scenes through the capture engine.
type Capturer struct {
	engine        Engine
	maxConcurrent int
}

// NewCapturer creates a Capturer running at most maxConcurrent captures at once.
func NewCapturer(engine Engine, maxConcurrent int) *Capturer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Capturer{engine: engine, maxConcurrent: maxConcurrent}
}

// sources lists the primary URL then the fallbacks, without blanks or repeats.
func (e Investigated) sources() []string {
	seen := make(map[string]struct{}, 1+len(e.Fallbacks))
	out := make([]string, 0, 1+len(e.Fallbacks))
	for _, u := range append([]string{e.URL}, e.Fallbacks...) {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// attemptDir keeps each source's artifacts apart: files are named by scene
// id, and a kept partial bundle must not be overwritten by a later attempt.
func attemptDir(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	return filepath.Join(base, fmt.Sprintf("fallback_%d", attempt))
}

// CaptureScene captures evidence for an Investigated scene, trying its
// sources in rank order. The first success wins; failing that the first
// partial bundle is kept; if every source fails the scene becomes Failed
// with the last error. Scenes in any other state are left untouched.
func (c *Capturer) CaptureScene(ctx context.Context, s *Scene, opts Options) {
	inv, ok := s.Evidence.(Investigated)
	if !ok {
		return
	}
	log := slog.With("scene", s.ID)

	var (
		partial    *Captured
		lastReason = "no source URL"
	)
	for i, u := range inv.sources() {
		if err := ctx.Err(); err != nil {
			lastReason = err.Error()
			break
		}

		result := c.engine.Capture(ctx, &models.CaptureRequest{
			URL:         u,
			Description: s.Description,
			SceneID:     s.ID,
			OutputDir:   attemptDir(opts.OutputDir, i),
			Timeout:     opts.Timeout,
			Padding:     opts.Padding,
		})

		switch result.Status {
		case models.StatusSuccess:
			s.Evidence = Captured{SourceURL: u, Bundle: result}
			return
		case models.StatusPartial:
			if partial == nil {
				partial = &Captured{SourceURL: u, Bundle: result}
			}
		}
		if result.ErrorMessage != "" {
			lastReason = result.ErrorMessage
		}
		log.Debug("source did not yield precise evidence",
			"url", u, "status", result.Status, "error", result.ErrorMessage)
	}

	if partial != nil {
		s.Evidence = *partial
		return
	}
	s.Evidence = Failed{Reason: lastReason}
}

// CaptureAll runs CaptureScene for every scene with bounded concurrency.
// onDone, if set, is called from the worker goroutine after each scene.
func (c *Capturer) CaptureAll(ctx context.Context, scenes []*Scene, opts Options, onDone func(*Scene)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for _, s := range scenes {
		g.Go(func() error {
			c.CaptureScene(gctx, s, opts)
			if onDone != nil {
				onDone(s)
			}
			return nil
		})
	}
	return g.Wait()
}
