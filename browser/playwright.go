package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightConnector attaches to CDP endpoints through a Playwright driver
// process started once at construction.
type PlaywrightConnector struct {
	pw             *playwright.Playwright
	viewportWidth  int
	viewportHeight int
}

// NewPlaywrightConnector starts the Playwright driver. Call Stop on shutdown.
func NewPlaywrightConnector(viewportWidth, viewportHeight int) (*PlaywrightConnector, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright: start driver: %w", err)
	}
	return &PlaywrightConnector{
		pw:             pw,
		viewportWidth:  viewportWidth,
		viewportHeight: viewportHeight,
	}, nil
}

// Stop terminates the driver process.
func (c *PlaywrightConnector) Stop() error {
	return c.pw.Stop()
}

func (c *PlaywrightConnector) Connect(ctx context.Context, connectURL string) (Page, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, func() {}, err
	}

	b, err := c.pw.Chromium.ConnectOverCDP(connectURL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("playwright: connect %s: %w", connectURL, err)
	}
	closeFn := func() {
		if err := b.Close(); err != nil {
			slog.Debug("playwright: browser close failed", "error", err)
		}
	}

	var page playwright.Page
	if contexts := b.Contexts(); len(contexts) > 0 {
		if pages := contexts[0].Pages(); len(pages) > 0 {
			page = pages[0]
		} else {
			page, err = contexts[0].NewPage()
		}
	} else {
		page, err = b.NewPage()
	}
	if err != nil {
		closeFn()
		return nil, func() {}, fmt.Errorf("playwright: create page: %w", err)
	}

	if c.viewportWidth > 0 && c.viewportHeight > 0 {
		if err := page.SetViewportSize(c.viewportWidth, c.viewportHeight); err != nil {
			slog.Warn("playwright: set viewport failed, using provider default", "error", err)
		}
	}

	return &pwPage{page: page}, closeFn, nil
}

// millis converts a timeout for Playwright's option structs. The remaining
// ctx deadline wins when it is sooner.
func millis(ctx context.Context, timeout time.Duration) *float64 {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   millis(ctx, timeout),
		WaitUntil: playwright.WaitUntilStateCommit,
	})
	return err
}

func (p *pwPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	ls := playwright.LoadStateDomcontentloaded
	if state == LoadStateLoad {
		ls = playwright.LoadStateLoad
	}
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   ls,
		Timeout: millis(ctx, timeout),
	})
}

func (p *pwPage) Title(ctx context.Context) (string, error) {
	return p.page.Title()
}

func (p *pwPage) Screenshot(ctx context.Context, path string, opts ScreenshotOptions) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	so := playwright.PageScreenshotOptions{
		Path:    playwright.String(path),
		Timeout: millis(ctx, 0),
	}
	if opts.Clip != nil {
		// Playwright clips are viewport-relative and exclusive with FullPage.
		var scroll struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := p.Evaluate(ctx, scrollOffsetJS, nil, &scroll); err != nil {
			return fmt.Errorf("playwright: read scroll offset: %w", err)
		}
		so.Clip = &playwright.Rect{
			X:      opts.Clip.X - scroll.X,
			Y:      opts.Clip.Y - scroll.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
		}
	} else if opts.FullPage {
		so.FullPage = playwright.Bool(true)
	}
	_, err := p.page.Screenshot(so)
	return err
}

func (p *pwPage) Evaluate(ctx context.Context, script string, arg any, out any) error {
	var (
		res any
		err error
	)
	if arg != nil {
		res, err = p.page.Evaluate(script, arg)
	} else {
		res, err = p.page.Evaluate(script)
	}
	if err != nil {
		return err
	}
	return decodeInto(res, out)
}

func (p *pwPage) GetByText(text string, exact bool) Locator {
	return &pwLocator{loc: p.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(exact),
	})}
}

func (p *pwPage) Locator(xpath string) Locator {
	return &pwLocator{loc: p.page.Locator("xpath=" + xpath)}
}

type pwLocator struct {
	loc playwright.Locator
}

func (l *pwLocator) Count(ctx context.Context) (int, error) {
	return l.loc.Count()
}

func (l *pwLocator) First() Locator {
	return &pwLocator{loc: l.loc.First()}
}

func (l *pwLocator) ScrollIntoViewIfNeeded(ctx context.Context, timeout time.Duration) error {
	return l.loc.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{
		Timeout: millis(ctx, timeout),
	})
}

// BoundingBox goes through the element rather than Locator.BoundingBox,
// which reports viewport-relative coordinates.
func (l *pwLocator) BoundingBox(ctx context.Context) (*Rect, error) {
	h, err := l.ElementHandle(ctx)
	if err != nil {
		return nil, err
	}
	return EvaluateOn[*Rect](ctx, h, elementRectJS)
}

func (l *pwLocator) ElementHandle(ctx context.Context) (ElementHandle, error) {
	h, err := l.loc.ElementHandle(playwright.LocatorElementHandleOptions{
		Timeout: millis(ctx, 0),
	})
	if err != nil {
		return nil, err
	}
	return &pwElement{h: h}, nil
}

type pwElement struct {
	h playwright.ElementHandle
}

func (e *pwElement) Evaluate(ctx context.Context, script string, out any) error {
	res, err := e.h.Evaluate(script)
	if err != nil {
		return err
	}
	return decodeInto(res, out)
}
