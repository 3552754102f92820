package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/google/uuid"
)

// LocalOptions configures locally launched browsers.
type LocalOptions struct {
	Headless   bool
	NoSandbox  bool
	BrowserBin string
	Proxy      string
}

// Local launches a dedicated Chromium process per session.
type Local struct {
	opts LocalOptions

	mu        sync.Mutex
	launchers map[string]*launcher.Launcher
}

// NewLocal creates a Local provider.
func NewLocal(opts LocalOptions) *Local {
	return &Local{opts: opts, launchers: make(map[string]*launcher.Launcher)}
}

func (p *Local) newLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(p.opts.Headless).
		NoSandbox(p.opts.NoSandbox)

	if p.opts.BrowserBin != "" {
		l = l.Bin(p.opts.BrowserBin)
	}
	if p.opts.Proxy != "" {
		l = l.Proxy(p.opts.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("hide-scrollbars"))
	l.Set(flags.Flag("no-first-run"))
	return l
}

// Create launches a browser and returns its CDP endpoint.
func (p *Local) Create(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := p.newLauncher()
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("local: launch browser: %w", err)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.launchers[id] = l
	p.mu.Unlock()

	slog.Debug("local browser launched", "session", id, "controlURL", controlURL)
	return &Session{ID: id, ConnectURL: controlURL}, nil
}

// Release kills the session's browser and removes its user-data dir.
func (p *Local) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	l, ok := p.launchers[id]
	delete(p.launchers, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	l.Kill()
	done := make(chan struct{})
	go func() {
		l.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("local: cleanup session %s: %w", id, ctx.Err())
	}

	slog.Debug("local browser released", "session", id)
	return nil
}

// Active returns the number of browsers currently running.
func (p *Local) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.launchers)
}

// Close kills every browser still running. Call on shutdown.
func (p *Local) Close() {
	p.mu.Lock()
	ls := p.launchers
	p.launchers = make(map[string]*launcher.Launcher)
	p.mu.Unlock()

	for id, l := range ls {
		l.Kill()
		l.Cleanup()
		slog.Info("local browser killed on shutdown", "session", id)
	}
}
