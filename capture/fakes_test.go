package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/evidence/browser"
	"github.com/use-agent/evidence/session"
)

func assign(v, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type fakeElement struct {
	box     *browser.Rect
	path    []pathSegment
	pathErr error

	// ancestors are the boxes returned by the container walk.
	ancestors   []browser.Rect
	ancestorErr error
}

type fakePage struct {
	mu sync.Mutex

	title      string
	titlePanic bool
	gotoErr    error
	gotoBlock  bool
	gotoGate   chan struct{}
	loadErr    error
	reconErr   error

	nodes   []textNode
	extent  browser.Extent
	byText  map[string][]*fakeElement
	byXPath map[string][]*fakeElement

	// shotErr fails screenshots of the named variant.
	shotErr map[string]error
	shots   map[string]browser.ScreenshotOptions
}

func newFakePage() *fakePage {
	return &fakePage{
		extent:  browser.Extent{Width: 1280, Height: 3000},
		byText:  map[string][]*fakeElement{},
		byXPath: map[string][]*fakeElement{},
		shotErr: map[string]error{},
		shots:   map[string]browser.ScreenshotOptions{},
	}
}

func (p *fakePage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if p.gotoBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.gotoGate != nil {
		select {
		case <-p.gotoGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.gotoErr
}

func (p *fakePage) WaitForLoadState(ctx context.Context, state browser.LoadState, timeout time.Duration) error {
	return p.loadErr
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	if p.titlePanic {
		panic("title exploded")
	}
	return p.title, nil
}

func (p *fakePage) Screenshot(ctx context.Context, path string, opts browser.ScreenshotOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for variant, err := range p.shotErr {
		if strings.HasSuffix(path, "_"+variant+".png") {
			return err
		}
	}
	if opts.Clip != nil {
		clip := *opts.Clip
		opts.Clip = &clip
	}
	p.shots[path] = opts
	return os.WriteFile(path, []byte("\x89PNG"), 0o644)
}

func (p *fakePage) Evaluate(ctx context.Context, script string, arg any, out any) error {
	switch script {
	case reconJS:
		if p.reconErr != nil {
			return p.reconErr
		}
		return assign(p.nodes, out)
	case extentJS:
		return assign(p.extent, out)
	}
	return fmt.Errorf("fake page: unexpected script %.40q", script)
}

func (p *fakePage) GetByText(text string, exact bool) browser.Locator {
	return &fakeLocator{els: p.byText[text]}
}

func (p *fakePage) Locator(xpath string) browser.Locator {
	return &fakeLocator{els: p.byXPath[xpath]}
}

type fakeLocator struct {
	els      []*fakeElement
	countErr error
}

func (l *fakeLocator) Count(ctx context.Context) (int, error) {
	return len(l.els), l.countErr
}

func (l *fakeLocator) First() browser.Locator {
	if len(l.els) > 1 {
		return &fakeLocator{els: l.els[:1]}
	}
	return l
}

func (l *fakeLocator) ScrollIntoViewIfNeeded(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (l *fakeLocator) BoundingBox(ctx context.Context) (*browser.Rect, error) {
	if len(l.els) == 0 {
		return nil, browser.ErrNoElement
	}
	return l.els[0].box, nil
}

func (l *fakeLocator) ElementHandle(ctx context.Context) (browser.ElementHandle, error) {
	if len(l.els) == 0 {
		return nil, browser.ErrNoElement
	}
	return &fakeHandle{el: l.els[0]}, nil
}

type fakeHandle struct {
	el *fakeElement
}

func (h *fakeHandle) Evaluate(ctx context.Context, script string, out any) error {
	switch script {
	case pathJS:
		if h.el.pathErr != nil {
			return h.el.pathErr
		}
		return assign(h.el.path, out)
	case ancestorRectsJS:
		if h.el.ancestorErr != nil {
			return h.el.ancestorErr
		}
		return assign(h.el.ancestors, out)
	}
	return errors.New("fake handle: unexpected script")
}

type fakeConnector struct {
	mu     sync.Mutex
	page   *fakePage
	err    error
	calls  int
	closed int
}

func (c *fakeConnector) Connect(ctx context.Context, connectURL string) (browser.Page, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, func() {}, c.err
	}
	return c.page, func() {
		c.mu.Lock()
		c.closed++
		c.mu.Unlock()
	}, nil
}

type fakeSessions struct {
	mu         sync.Mutex
	createErr  error
	releaseErr error
	created    int
	released   []string
	releaseCtx error

	// active counts sessions created and not yet released.
	active    int
	maxActive int
}

func (s *fakeSessions) Create(ctx context.Context) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	return &session.Session{ID: fmt.Sprintf("s-%d", s.created), ConnectURL: "ws://fake"}, nil
}

func (s *fakeSessions) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	s.active--
	s.releaseCtx = ctx.Err()
	return s.releaseErr
}

type fakeSelector struct {
	anchors []string
	err     error
	got     []string
	calls   int
}

func (s *fakeSelector) SelectAnchors(ctx context.Context, description string, candidates []string) ([]string, error) {
	s.calls++
	s.got = candidates
	return s.anchors, s.err
}

func visible(x, y, w, h float64) *browser.Rect {
	return &browser.Rect{X: x, Y: y, Width: w, Height: h}
}

func node(text string) textNode {
	return textNode{Text: text, Width: 100, Height: 20}
}
