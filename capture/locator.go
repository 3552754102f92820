package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/use-agent/evidence/browser"
)

// Strategy names reported in CaptureResult.StrategyUsed.
const (
	StrategyTextLocator = "text_locator"
	StrategyXPath       = "xpath"
)

// Strategy turns a normalized anchor into an element query.
type Strategy struct {
	Name  string
	Query func(page browser.Page, anchor string) browser.Locator
}

// DefaultStrategies are tried in order for every anchor.
var DefaultStrategies = []Strategy{
	{
		Name: StrategyTextLocator,
		Query: func(page browser.Page, anchor string) browser.Locator {
			return page.GetByText(anchor, false)
		},
	},
	{
		Name: StrategyXPath,
		Query: func(page browser.Page, anchor string) browser.Locator {
			return page.Locator(fmt.Sprintf("//*[contains(text(), %s)]", xpathLiteral(anchor)))
		},
	},
}

// Match is a located element.
type Match struct {
	Box      browser.Rect
	Selector string
	Anchor   string
	Strategy string

	// Element is the matched node; the container walk starts from it.
	Element browser.ElementHandle
}

var errNotVisible = errors.New("element has no rendered box")

// ElementLocator resolves anchors to on-page elements.
type ElementLocator struct {
	ScrollTimeout time.Duration
	Strategies    []Strategy
}

// NewElementLocator returns a locator using DefaultStrategies.
func NewElementLocator(scrollTimeout time.Duration) *ElementLocator {
	return &ElementLocator{ScrollTimeout: scrollTimeout, Strategies: DefaultStrategies}
}

// normalizeAnchor keeps only the first line of an anchor, trimmed.
func normalizeAnchor(a string) string {
	if i := strings.IndexByte(a, '\n'); i >= 0 {
		a = a[:i]
	}
	return strings.TrimSpace(a)
}

// Locate tries every strategy for each anchor in rank order and returns the
// first hit. A nil Match means every combination missed. The normalized
// anchors actually attempted are always returned.
func (l *ElementLocator) Locate(ctx context.Context, page browser.Page, anchors []string) (*Match, []string) {
	tried := make([]string, 0, len(anchors))
	for _, raw := range anchors {
		anchor := normalizeAnchor(raw)
		if anchor == "" {
			continue
		}
		tried = append(tried, anchor)

		for _, s := range l.Strategies {
			if ctx.Err() != nil {
				return nil, tried
			}
			m, err := l.try(ctx, s.Query(page, anchor))
			if err != nil {
				slog.Debug("locator strategy missed",
					"anchor", anchor, "strategy", s.Name, "error", err)
				continue
			}
			m.Anchor = anchor
			m.Strategy = s.Name
			return m, tried
		}
	}
	return nil, tried
}

func (l *ElementLocator) try(ctx context.Context, loc browser.Locator) (*Match, error) {
	n, err := loc.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, browser.ErrNoElement
	}
	first := loc.First()

	// Off-screen elements still have a box; a failed scroll is not fatal.
	if err := first.ScrollIntoViewIfNeeded(ctx, l.ScrollTimeout); err != nil {
		slog.Debug("scroll into view failed", "error", err)
	}

	box, err := first.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	if box == nil || !box.Visible() {
		return nil, errNotVisible
	}

	h, err := first.ElementHandle(ctx)
	if err != nil {
		return nil, err
	}
	sel, err := deriveSelector(ctx, h)
	if err != nil {
		return nil, err
	}
	return &Match{Box: *box, Selector: sel, Element: h}, nil
}
