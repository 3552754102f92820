// Package browser is the narrow page capability the capture engine drives.
//
// The engine never touches a CDP or Playwright client directly: it sees a
// Page, obtained from a Connector for the connect URL of a session. Two
// drivers implement it, rod (default) and playwright-go.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LoadState is a page lifecycle milestone to wait for.
type LoadState string

const (
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoad             LoadState = "load"
)

// ScreenshotOptions selects what a screenshot covers. With neither field
// set only the current viewport is captured.
type ScreenshotOptions struct {
	// FullPage captures the whole scrollable page.
	FullPage bool

	// Clip restricts the capture to a rectangle in page coordinates.
	Clip *Rect
}

// Page is a loaded browser tab.
type Page interface {
	// Goto navigates to url, returning once the navigation committed or
	// timeout elapsed.
	Goto(ctx context.Context, url string, timeout time.Duration) error

	// WaitForLoadState blocks until the page reaches state or timeout elapses.
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error

	// Title returns document.title.
	Title(ctx context.Context) (string, error)

	// Screenshot writes a PNG to path, creating parent directories.
	Screenshot(ctx context.Context, path string, opts ScreenshotOptions) error

	// Evaluate runs a JS function expression with one optional argument and
	// decodes its JSON-serialisable return value into out (may be nil).
	Evaluate(ctx context.Context, script string, arg any, out any) error

	// GetByText returns a locator over elements whose rendered text contains
	// text (case-insensitive), or equals it when exact is set.
	GetByText(text string, exact bool) Locator

	// Locator returns a locator over the elements matched by an XPath expression.
	Locator(xpath string) Locator
}

// Locator is a lazily evaluated element query.
type Locator interface {
	Count(ctx context.Context) (int, error)

	// First narrows the locator to its first match in document order.
	First() Locator

	ScrollIntoViewIfNeeded(ctx context.Context, timeout time.Duration) error

	// BoundingBox returns the element box in page coordinates, or nil when
	// the element is not rendered.
	BoundingBox(ctx context.Context) (*Rect, error)

	ElementHandle(ctx context.Context) (ElementHandle, error)
}

// ElementHandle is a resolved DOM element.
type ElementHandle interface {
	// Evaluate runs a JS function expression that receives the element as
	// its only argument and decodes the result into out.
	Evaluate(ctx context.Context, script string, out any) error
}

// Connector attaches to a running browser and hands out its page.
type Connector interface {
	// Connect returns the page to drive and a function that detaches from
	// the browser. The close function is always safe to call.
	Connect(ctx context.Context, connectURL string) (Page, func(), error)
}

// Evaluate runs script on p and decodes the result as T.
func Evaluate[T any](ctx context.Context, p Page, script string, arg any) (T, error) {
	var out T
	if err := p.Evaluate(ctx, script, arg, &out); err != nil {
		return out, err
	}
	return out, nil
}

// EvaluateOn runs script against a resolved element and decodes the result as T.
func EvaluateOn[T any](ctx context.Context, h ElementHandle, script string) (T, error) {
	var out T
	if err := h.Evaluate(ctx, script, &out); err != nil {
		return out, err
	}
	return out, nil
}

// decodeInto re-encodes a loosely typed driver value into out.
func decodeInto(v any, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser: encode eval result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("browser: decode eval result: %w", err)
	}
	return nil
}
