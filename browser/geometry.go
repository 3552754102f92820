package browser

// Rect is a rectangle in page (scroll-adjusted) CSS pixel coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Visible reports whether the rectangle has a rendered area.
func (r Rect) Visible() bool {
	return r.Width > 0 && r.Height > 0
}

// Extent is the scrollable size of a page.
type Extent struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}
