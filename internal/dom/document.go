// Package dom provides a mutable HTML document with the browser primitives the
// consent engine relies on: attributes, class lists, inline styles, bounding
// rectangles, synthetic clicks and mutation observers.
//
// A Document is not safe for concurrent use. Callers serialise access the
// same way a browser serialises access to a page's DOM.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxFlushRounds bounds observer delivery so two observers that keep
// undoing each other's writes cannot spin forever.
const maxFlushRounds = 64

// maxCachedSelectors caps the per-document selector cache. Selectors past
// the cap are compiled on every use.
const maxCachedSelectors = 256

// Document is a parsed HTML page.
type Document struct {
	root     *html.Node
	location *url.URL
	referrer string
	inFrame  bool

	nodes     map[*html.Node]*Node
	observers []*MutationObserver
	listeners map[*Node][]func(*Node)

	viewport Viewport
	layout   Layout

	selectors map[string]cascadia.SelectorGroup
}

// Options describe where a document was loaded from.
type Options struct {
	URL      string
	Referrer string
	InFrame  bool
	Viewport Viewport
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts Options) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	doc := &Document{
		root:      root,
		referrer:  opts.Referrer,
		inFrame:   opts.InFrame,
		nodes:     make(map[*html.Node]*Node),
		listeners: make(map[*Node][]func(*Node)),
		selectors: make(map[string]cascadia.SelectorGroup),
		viewport:  opts.Viewport,
	}
	if doc.viewport.Height <= 0 {
		doc.viewport.Height = DefaultViewportHeight
	}
	if opts.URL != "" {
		u, err := url.Parse(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid document url: %w", err)
		}
		doc.location = u
	}
	return doc, nil
}

// ParseString is Parse for an in-memory page.
func ParseString(s string, opts Options) (*Document, error) {
	return Parse(strings.NewReader(s), opts)
}

// wrap returns the identity-stable Node for n.
func (d *Document) wrap(n *html.Node) *Node {
	if n == nil {
		return nil
	}
	if w, ok := d.nodes[n]; ok {
		return w
	}
	w := &Node{doc: d, n: n}
	d.nodes[n] = w
	return w
}

// Location returns the document URL, or nil for documents without one.
func (d *Document) Location() *url.URL {
	return d.location
}

// Referrer returns the referrer the document was loaded with.
func (d *Document) Referrer() string {
	return d.referrer
}

// InFrame reports whether the document is loaded inside an embedded frame.
func (d *Document) InFrame() bool {
	return d.inFrame
}

// Root returns the <html> element.
func (d *Document) Root() *Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return d.wrap(c)
		}
	}
	return nil
}

// Body returns the <body> element.
func (d *Document) Body() *Node {
	root := d.Root()
	if root == nil {
		return nil
	}
	for c := root.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Body {
			return d.wrap(c)
		}
	}
	return nil
}

// QuerySelector returns the first element matching sel, or nil.
func (d *Document) QuerySelector(sel string) (*Node, error) {
	m, err := d.compile(sel)
	if err != nil {
		return nil, err
	}
	return d.wrap(cascadia.Query(d.root, m)), nil
}

// QuerySelectorAll returns every element matching sel in document order.
func (d *Document) QuerySelectorAll(sel string) ([]*Node, error) {
	m, err := d.compile(sel)
	if err != nil {
		return nil, err
	}
	return d.wrapAll(cascadia.QueryAll(d.root, m)), nil
}

func (d *Document) wrapAll(list []*html.Node) []*Node {
	out := make([]*Node, 0, len(list))
	for _, n := range list {
		out = append(out, d.wrap(n))
	}
	return out
}

// InsertHTML parses fragment in the context of parent and appends the
// resulting nodes to it. A child-list mutation record is queued.
func (d *Document) InsertHTML(parent *Node, fragment string) ([]*Node, error) {
	if parent == nil || !parent.IsElement() {
		return nil, fmt.Errorf("insert target must be an element")
	}
	parsed, err := html.ParseFragment(strings.NewReader(fragment), parent.n)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fragment: %w", err)
	}

	added := make([]*Node, 0, len(parsed))
	for _, n := range parsed {
		parent.n.AppendChild(n)
		added = append(added, d.wrap(n))
	}
	if len(added) > 0 {
		d.queue(MutationRecord{Type: RecordChildList, Target: parent, AddedNodes: added})
	}
	return added, nil
}

// Remove detaches node from its parent.
func (d *Document) Remove(node *Node) {
	if node == nil || node.n.Parent == nil {
		return
	}
	parent := d.wrap(node.n.Parent)
	parent.n.RemoveChild(node.n)
	d.queue(MutationRecord{Type: RecordChildList, Target: parent, RemovedNodes: []*Node{node}})
}

// HTML serialises the whole document.
func (d *Document) HTML() (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return buf.String(), nil
}

// WordCount counts whitespace-separated words in the body text.
func (d *Document) WordCount() int {
	body := d.Body()
	if body == nil {
		return 0
	}
	return len(strings.Fields(body.TextContent()))
}

// AddClickListener registers fn to run when node receives a click.
func (d *Document) AddClickListener(node *Node, fn func(*Node)) {
	d.listeners[node] = append(d.listeners[node], fn)
}

// Flush delivers queued mutation records to their observers until no
// records remain. It returns the number of delivery rounds.
func (d *Document) Flush() int {
	rounds := 0
	for ; rounds < maxFlushRounds; rounds++ {
		delivered := false
		for _, o := range append([]*MutationObserver(nil), d.observers...) {
			records := o.TakeRecords()
			if len(records) == 0 {
				continue
			}
			delivered = true
			o.callback(records, o)
		}
		if !delivered {
			break
		}
	}
	return rounds
}

// queue hands rec to every observer watching its target.
func (d *Document) queue(rec MutationRecord) {
	for _, o := range d.observers {
		o.enqueue(rec)
	}
}

func (d *Document) register(o *MutationObserver) {
	for _, existing := range d.observers {
		if existing == o {
			return
		}
	}
	d.observers = append(d.observers, o)
}

func (d *Document) unregister(o *MutationObserver) {
	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

// compile returns the selector group for sel. Fix selectors repeat on
// every pass, so the first maxCachedSelectors are kept with the document.
func (d *Document) compile(sel string) (cascadia.SelectorGroup, error) {
	if group, ok := d.selectors[sel]; ok {
		return group, nil
	}
	group, err := compile(sel)
	if err != nil {
		return nil, err
	}
	if len(d.selectors) < maxCachedSelectors {
		d.selectors[sel] = group
	}
	return group, nil
}

func compile(sel string) (cascadia.SelectorGroup, error) {
	group, err := cascadia.ParseGroup(sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSelector, sel, err)
	}
	return group, nil
}

// Compile validates sel and returns a reusable matcher.
func Compile(sel string) (Matcher, error) {
	group, err := compile(sel)
	if err != nil {
		return nil, err
	}
	return group, nil
}
