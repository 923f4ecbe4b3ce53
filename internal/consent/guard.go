package consent

import (
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/dom"
)

// Guard keeps hidden elements hidden. Each guarded element gets its own
// observer on the marker, class and style attributes; when page script
// restores visibility the guard hides the element again. Removing the
// marker releases the element.
type Guard struct {
	marker     string
	observers  map[*dom.Node]*dom.MutationObserver
	reasserted int
}

// NewGuard creates a guard keyed on the marker attribute.
func NewGuard(marker string) *Guard {
	return &Guard{
		marker:    marker,
		observers: make(map[*dom.Node]*dom.MutationObserver),
	}
}

// Start guards n. Starting an already guarded element is a no-op.
func (g *Guard) Start(n *dom.Node) {
	if _, ok := g.observers[n]; ok {
		return
	}
	o := dom.NewMutationObserver(n.Document(), func(_ []dom.MutationRecord, _ *dom.MutationObserver) {
		g.check(n)
	})
	o.Observe(n, dom.ObserveOptions{
		Attributes:      true,
		AttributeFilter: []string{g.marker, "class", "style"},
	})
	g.observers[n] = o
}

// Stop releases n.
func (g *Guard) Stop(n *dom.Node) {
	if o, ok := g.observers[n]; ok {
		o.Disconnect()
		delete(g.observers, n)
	}
}

// StopAll releases every guarded element.
func (g *Guard) StopAll() {
	for n, o := range g.observers {
		o.Disconnect()
		delete(g.observers, n)
	}
}

// Len returns the number of guarded elements.
func (g *Guard) Len() int {
	return len(g.observers)
}

// Reasserted returns how many times an element had to be hidden again.
func (g *Guard) Reasserted() int {
	return g.reasserted
}

func (g *Guard) check(n *dom.Node) {
	if !n.HasAttr(g.marker) {
		g.Stop(n)
		return
	}
	if isForcedHidden(n) {
		return
	}
	n.SetStyle("display", "none", true)
	g.reasserted++
	log.Debug().Str("tag", n.TagName()).Msg("Re-hid element after page restored it")
}
