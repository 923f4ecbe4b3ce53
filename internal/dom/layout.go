package dom

// DefaultViewportHeight is used when a document is parsed without one.
const DefaultViewportHeight = 800

// Rect is the vertical extent of an element's box in page coordinates.
type Rect struct {
	Top    float64
	Height float64
}

// Bottom returns Top+Height.
func (r Rect) Bottom() float64 {
	return r.Top + r.Height
}

// Viewport is the scrolled window onto the page.
type Viewport struct {
	ScrollY float64
	Height  float64
}

// Intersects reports whether r overlaps the viewport vertically.
func (v Viewport) Intersects(r Rect) bool {
	return r.Top < v.ScrollY+v.Height && r.Bottom() > v.ScrollY
}

// Layout supplies element boxes. Documents without a layout report a
// zero rectangle for every element.
type Layout interface {
	Rect(*Node) Rect
}

// LayoutFunc adapts a function to Layout.
type LayoutFunc func(*Node) Rect

// Rect implements Layout.
func (f LayoutFunc) Rect(n *Node) Rect {
	return f(n)
}

// Viewport returns the current viewport.
func (d *Document) Viewport() Viewport {
	return d.viewport
}

// SetViewport replaces the viewport, e.g. after a scroll.
func (d *Document) SetViewport(v Viewport) {
	if v.Height <= 0 {
		v.Height = DefaultViewportHeight
	}
	d.viewport = v
}

// SetLayout installs the layout used by BoundingRect.
func (d *Document) SetLayout(l Layout) {
	d.layout = l
}
