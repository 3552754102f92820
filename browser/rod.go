package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/rod/lib/utils"
	"github.com/go-rod/stealth"
)

// ErrNoElement is returned when a locator resolves to zero elements.
var ErrNoElement = errors.New("browser: locator matched no element")

// RodOptions tunes pages obtained through a RodConnector.
type RodOptions struct {
	// Stealth masks navigator.webdriver and friends before navigation.
	Stealth bool

	// BlockAds aborts requests to well-known ad and tracking domains.
	BlockAds bool

	ViewportWidth  int
	ViewportHeight int
}

// RodConnector attaches to a CDP endpoint with go-rod.
type RodConnector struct {
	opts RodOptions
}

// NewRodConnector creates a RodConnector.
func NewRodConnector(opts RodOptions) *RodConnector {
	return &RodConnector{opts: opts}
}

// Connect dials the CDP websocket at connectURL and returns the session's
// existing tab (remote providers open one) or a fresh one.
//
// Stealth and the hijack router are installed here, before the caller's
// first navigation: both only affect documents loaded after they exist.
func (c *RodConnector) Connect(ctx context.Context, connectURL string) (Page, func(), error) {
	b := rod.New().ControlURL(connectURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, func() {}, fmt.Errorf("rod: connect %s: %w", connectURL, err)
	}

	closeFn := func() {
		if err := b.Close(); err != nil {
			slog.Debug("rod: browser close failed", "error", err)
		}
	}

	var page *rod.Page
	if pages, err := b.Pages(); err == nil && len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			closeFn()
			return nil, func() {}, fmt.Errorf("rod: create page: %w", err)
		}
	}

	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.opts.ViewportWidth,
			Height:            c.opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			slog.Warn("rod: set viewport failed, using provider default", "error", err)
		}
	}

	if c.opts.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	router := setupHijack(page, c.opts.BlockAds)
	if router != nil {
		inner := closeFn
		closeFn = func() {
			_ = router.Stop()
			inner()
		}
	}

	return &rodPage{page: page}, closeFn, nil
}

type rodPage struct {
	page *rod.Page
}

// bind returns the page bound to ctx, additionally bounded by timeout when
// it is positive.
func (p *rodPage) bind(ctx context.Context, timeout time.Duration) (*rod.Page, context.CancelFunc) {
	if timeout <= 0 {
		return p.page.Context(ctx), func() {}
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return p.page.Context(tctx), cancel
}

func (p *rodPage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	pg, cancel := p.bind(ctx, timeout)
	defer cancel()
	return pg.Navigate(url)
}

func (p *rodPage) WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	pg, cancel := p.bind(ctx, timeout)
	defer cancel()
	switch state {
	case LoadStateLoad:
		return pg.WaitLoad()
	default:
		return pg.Wait(rod.Eval(domReadyJS))
	}
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Screenshot(ctx context.Context, path string, opts ScreenshotOptions) error {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	fullPage := opts.FullPage
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  1,
		}
		req.CaptureBeyondViewport = true
		fullPage = false
	}

	bin, err := p.page.Context(ctx).Screenshot(fullPage, req)
	if err != nil {
		return err
	}
	return utils.OutputFile(path, bin)
}

func (p *rodPage) Evaluate(ctx context.Context, script string, arg any, out any) error {
	opts := rod.Eval(script)
	if arg != nil {
		opts = rod.Eval(script, arg)
	}
	res, err := p.page.Context(ctx).Evaluate(opts)
	if err != nil {
		return err
	}
	return decodeInto(res.Value, out)
}

func (p *rodPage) GetByText(text string, exact bool) Locator {
	return &rodLocator{page: p, query: func(pg *rod.Page) (rod.Elements, error) {
		return pg.ElementsByJS(rod.Eval(textQueryJS, text, exact))
	}}
}

func (p *rodPage) Locator(xpath string) Locator {
	return &rodLocator{page: p, query: func(pg *rod.Page) (rod.Elements, error) {
		return pg.ElementsX(xpath)
	}}
}

type rodLocator struct {
	page  *rodPage
	query func(pg *rod.Page) (rod.Elements, error)
	first bool
}

func (l *rodLocator) resolve(ctx context.Context) (rod.Elements, error) {
	els, err := l.query(l.page.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if l.first && len(els) > 1 {
		els = els[:1]
	}
	return els, nil
}

func (l *rodLocator) element(ctx context.Context) (*rod.Element, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, ErrNoElement
	}
	return els[0], nil
}

func (l *rodLocator) Count(ctx context.Context) (int, error) {
	els, err := l.resolve(ctx)
	if err != nil {
		return 0, err
	}
	return len(els), nil
}

func (l *rodLocator) First() Locator {
	return &rodLocator{page: l.page, query: l.query, first: true}
}

func (l *rodLocator) ScrollIntoViewIfNeeded(ctx context.Context, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := l.element(tctx)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

func (l *rodLocator) BoundingBox(ctx context.Context) (*Rect, error) {
	h, err := l.ElementHandle(ctx)
	if err != nil {
		return nil, err
	}
	return EvaluateOn[*Rect](ctx, h, elementRectJS)
}

func (l *rodLocator) ElementHandle(ctx context.Context) (ElementHandle, error) {
	el, err := l.element(ctx)
	if err != nil {
		return nil, err
	}
	return &rodElement{page: l.page, el: el}, nil
}

type rodElement struct {
	page *rodPage
	el   *rod.Element
}

// Evaluate passes the element's remote object as the function argument so
// scripts are written the same way for both drivers.
func (e *rodElement) Evaluate(ctx context.Context, script string, out any) error {
	res, err := e.page.page.Context(ctx).Evaluate(rod.Eval(script, e.el.Object))
	if err != nil {
		return err
	}
	return decodeInto(res.Value, out)
}
