package capture

import (
	"math"

	"github.com/use-agent/evidence/browser"
)

// Clamp expands box by padding on every side and clips the result to the
// page extent so screenshot clips never leave the document:
//
//	x' = min(W, max(0, x-p))      w' = min(w+2p, W-x')
//	y' = min(H, max(0, y-p))      h' = min(h+2p, H-y')
//
// A box lying entirely outside the page yields a zero-area rect on the
// page edge.
func Clamp(box browser.Rect, padding float64, ext browser.Extent) browser.Rect {
	x := math.Min(math.Max(0, ext.Width), math.Max(0, box.X-padding))
	y := math.Min(math.Max(0, ext.Height), math.Max(0, box.Y-padding))
	return browser.Rect{
		X:      x,
		Y:      y,
		Width:  math.Max(0, math.Min(box.Width+2*padding, ext.Width-x)),
		Height: math.Max(0, math.Min(box.Height+2*padding, ext.Height-y)),
	}
}
