package dom

import (
	"bytes"
	"errors"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrInvalidSelector is returned for selectors cascadia cannot parse.
var ErrInvalidSelector = errors.New("invalid selector")

// Matcher matches a single node. Compiled selector groups implement it.
type Matcher interface {
	Match(n *html.Node) bool
}

// Node wraps a node of the document tree. Each underlying node has exactly
// one wrapper, so *Node values can be used as map keys.
type Node struct {
	doc *Document
	n   *html.Node
}

// Document returns the owning document.
func (e *Node) Document() *Document {
	return e.doc
}

// IsElement reports whether the node is an element with a tag name.
func (e *Node) IsElement() bool {
	return e != nil && e.n.Type == html.ElementNode && e.n.Data != ""
}

// TagName returns the upper-case tag name, or "" for non-elements.
func (e *Node) TagName() string {
	if !e.IsElement() {
		return ""
	}
	return strings.ToUpper(e.n.Data)
}

// Parent returns the parent element, or nil.
func (e *Node) Parent() *Node {
	if e.n.Parent == nil || e.n.Parent.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrap(e.n.Parent)
}

// Contains reports whether other is e or one of its descendants.
func (e *Node) Contains(other *Node) bool {
	for n := other.n; n != nil; n = n.Parent {
		if n == e.n {
			return true
		}
	}
	return false
}

// HasAttributes reports whether the element carries at least one attribute.
func (e *Node) HasAttributes() bool {
	return e.IsElement() && len(e.n.Attr) > 0
}

// Attr returns the value of the named attribute.
func (e *Node) Attr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the named attribute is present.
func (e *Node) HasAttr(name string) bool {
	_, ok := e.Attr(name)
	return ok
}

// SetAttr sets an attribute and queues an attribute mutation record.
func (e *Node) SetAttr(name, value string) {
	name = strings.ToLower(name)
	old, had := e.Attr(name)
	if had && old == value {
		return
	}
	if had {
		for i := range e.n.Attr {
			if e.n.Attr[i].Namespace == "" && strings.EqualFold(e.n.Attr[i].Key, name) {
				e.n.Attr[i].Val = value
				break
			}
		}
	} else {
		e.n.Attr = append(e.n.Attr, html.Attribute{Key: name, Val: value})
	}
	e.doc.queue(MutationRecord{Type: RecordAttributes, Target: e, AttributeName: name, OldValue: old})
}

// RemoveAttr removes an attribute if present.
func (e *Node) RemoveAttr(name string) {
	for i, a := range e.n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			e.n.Attr = append(e.n.Attr[:i], e.n.Attr[i+1:]...)
			e.doc.queue(MutationRecord{Type: RecordAttributes, Target: e, AttributeName: strings.ToLower(name), OldValue: a.Val})
			return
		}
	}
}

// Classes returns the class list.
func (e *Node) Classes() []string {
	v, _ := e.Attr("class")
	return strings.Fields(v)
}

// HasClass reports whether the class list contains name.
func (e *Node) HasClass(name string) bool {
	for _, c := range e.Classes() {
		if c == name {
			return true
		}
	}
	return false
}

// AddClass appends name to the class list.
func (e *Node) AddClass(name string) {
	if e.HasClass(name) {
		return
	}
	e.SetAttr("class", strings.TrimSpace(strings.Join(append(e.Classes(), name), " ")))
}

// RemoveClass removes name from the class list. It reports whether the
// class was present.
func (e *Node) RemoveClass(name string) bool {
	classes := e.Classes()
	kept := classes[:0]
	removed := false
	for _, c := range classes {
		if c == name {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	if removed {
		e.SetAttr("class", strings.Join(kept, " "))
	}
	return removed
}

// Style returns the parsed inline style.
func (e *Node) Style() *Style {
	v, _ := e.Attr("style")
	return ParseStyle(v)
}

// StyleValue returns the inline value of prop.
func (e *Node) StyleValue(prop string) string {
	d, ok := e.Style().Get(prop)
	if !ok {
		return ""
	}
	return d.Value
}

// SetStyle sets an inline style property.
func (e *Node) SetStyle(prop, value string, important bool) {
	st := e.Style()
	st.Set(prop, value, important)
	e.writeStyle(st)
}

// RemoveStyle removes an inline style property. It reports whether the
// property was set.
func (e *Node) RemoveStyle(prop string) bool {
	st := e.Style()
	if !st.Remove(prop) {
		return false
	}
	e.writeStyle(st)
	return true
}

func (e *Node) writeStyle(st *Style) {
	if st.Len() == 0 {
		e.RemoveAttr("style")
		return
	}
	e.SetAttr("style", st.String())
}

// Children returns the element children.
func (e *Node) Children() []*Node {
	var out []*Node
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.doc.wrap(c))
		}
	}
	return out
}

// Descendants returns every descendant element in document order.
func (e *Node) Descendants() []*Node {
	var out []*Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				out = append(out, e.doc.wrap(c))
			}
			walk(c)
		}
	}
	walk(e.n)
	return out
}

// QuerySelectorAll returns the descendants matching sel.
func (e *Node) QuerySelectorAll(sel string) ([]*Node, error) {
	m, err := e.doc.compile(sel)
	if err != nil {
		return nil, err
	}
	return e.doc.wrapAll(cascadia.QueryAll(e.n, m)), nil
}

// Matches reports whether the element matches m.
func (e *Node) Matches(m Matcher) bool {
	return e.IsElement() && m.Match(e.n)
}

// OuterHTML serialises the node.
func (e *Node) OuterHTML() string {
	var buf bytes.Buffer
	if err := html.Render(&buf, e.n); err != nil {
		return ""
	}
	return buf.String()
}

// TextContent concatenates the text of all descendant text nodes,
// skipping script and style contents.
func (e *Node) TextContent() string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		case n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return sb.String()
}

// IsEmpty reports whether the element has no element children and no
// non-whitespace text.
func (e *Node) IsEmpty() bool {
	for c := e.n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.ElementNode:
			return false
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		}
	}
	return true
}

// IsOpenDialog reports whether the element is a native <dialog> currently open.
func (e *Node) IsOpenDialog() bool {
	return e.IsElement() && e.n.DataAtom == atom.Dialog && e.HasAttr("open")
}

// Click dispatches a synthetic click to the element's listeners.
func (e *Node) Click() {
	for _, fn := range e.doc.listeners[e] {
		fn(e)
	}
}

// BoundingRect returns the element's box from the document layout.
func (e *Node) BoundingRect() Rect {
	if e.doc.layout == nil {
		return Rect{}
	}
	return e.doc.layout.Rect(e)
}
