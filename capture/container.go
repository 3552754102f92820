package capture

import (
	"context"
	"fmt"

	"github.com/use-agent/evidence/browser"
)

// Card-sized container window and walk depth.
const (
	ContainerMinWidth  = 200
	ContainerMaxWidth  = 800
	ContainerMinHeight = 150
	ContainerMaxHeight = 600
	ContainerMaxDepth  = 8
)

// ancestorRectsJS returns the page-coordinate boxes of up to
// ContainerMaxDepth ancestors of the element it receives, nearest first.
var ancestorRectsJS = fmt.Sprintf(`(el) => {
	const out = [];
	for (let n = el.parentElement; n && n !== document.body && out.length < %d; n = n.parentElement) {
		const r = n.getBoundingClientRect();
		out.push({x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height});
	}
	return out;
}`, ContainerMaxDepth)

// FindContainer returns the nearest ancestor of the located element sized
// like a card, or nil when none of the first ContainerMaxDepth ancestors
// fits the window.
func FindContainer(ctx context.Context, el browser.ElementHandle) (*browser.Rect, error) {
	rects, err := browser.EvaluateOn[[]browser.Rect](ctx, el, ancestorRectsJS)
	if err != nil {
		return nil, err
	}
	return pickContainer(rects), nil
}

func pickContainer(rects []browser.Rect) *browser.Rect {
	for i, r := range rects {
		if i >= ContainerMaxDepth {
			break
		}
		if cardSized(r) {
			return &r
		}
	}
	return nil
}

func cardSized(r browser.Rect) bool {
	return r.Width >= ContainerMinWidth && r.Width <= ContainerMaxWidth &&
		r.Height >= ContainerMinHeight && r.Height <= ContainerMaxHeight
}

// extentJS reads the scrollable size of the document.
const extentJS = `() => {
	const d = document.documentElement, b = document.body;
	return {
		width: Math.max(d.scrollWidth, b ? b.scrollWidth : 0, d.clientWidth),
		height: Math.max(d.scrollHeight, b ? b.scrollHeight : 0, d.clientHeight),
	};
}`

func pageExtent(ctx context.Context, page browser.Page) (browser.Extent, error) {
	return browser.Evaluate[browser.Extent](ctx, page, extentJS, nil)
}
