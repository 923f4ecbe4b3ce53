package consent

import (
	"strings"

	"github.com/cookiesweep/cookiesweep/internal/dom"
	"github.com/cookiesweep/cookiesweep/internal/ruleset"
)

// Classifier decides whether a node is a consent dialog.
type Classifier struct {
	rules      *ruleset.Ruleset
	matcher    *ruleset.Matcher
	session    *Session
	opts       Options
	exceptions []dom.Matcher
	words      []string

	// ForcedScan is called with an attribute-less node whose markup
	// mentions one of the ruleset's common words.
	ForcedScan func(root *dom.Node)
}

// NewClassifier creates a classifier recording into session.
func NewClassifier(rules *ruleset.Ruleset, session *Session, opts Options) *Classifier {
	opts = opts.withDefaults()
	words := make([]string, 0, len(rules.CommonWords))
	for _, w := range rules.CommonWords {
		words = append(words, strings.ToLower(w))
	}
	return &Classifier{
		rules:      rules,
		matcher:    rules.Matcher(),
		session:    session,
		opts:       opts,
		exceptions: compileExceptions(opts.Exceptions),
		words:      words,
	}
}

// Match reports whether n should be hidden. skipStructuralCheck bypasses
// the selector test for callers that already know n is relevant. Every
// node is evaluated at most once per session.
func (c *Classifier) Match(n *dom.Node, skipStructuralCheck bool) bool {
	if !c.rules.HasRules() {
		return false
	}
	if n == nil || !c.session.markSeen(n) {
		return false
	}
	if !n.IsElement() || n.HasAttr(c.opts.MarkerAttribute) {
		return false
	}
	if c.rules.SkipsTag(n.TagName()) {
		return false
	}

	if !n.HasAttributes() {
		if c.mentionsCommonWord(n) && c.ForcedScan != nil {
			c.ForcedScan(n)
		}
		return false
	}

	if c.isException(n) || !c.eligible(n) {
		return false
	}
	return skipStructuralCheck || c.matcher.Match(n)
}

// Candidates returns the descendants of root matching a ruleset selector.
func (c *Classifier) Candidates(root *dom.Node) []*dom.Node {
	return c.matcher.QueryAll(root)
}

func (c *Classifier) isException(n *dom.Node) bool {
	for _, m := range c.exceptions {
		if n.Matches(m) {
			return true
		}
	}
	return false
}

func (c *Classifier) eligible(n *dom.Node) bool {
	return n.IsOpenDialog() || c.isFakeDialog(n) || IsVisible(n)
}

func (c *Classifier) isFakeDialog(n *dom.Node) bool {
	tag := n.TagName()
	isContainer := false
	for _, t := range c.opts.FakeDialogTags {
		if t == tag {
			isContainer = true
			break
		}
	}
	if !isContainer {
		return false
	}
	class, _ := n.Attr("class")
	class = strings.ToLower(class)
	for _, marker := range c.opts.FakeDialogMarkers {
		if marker != "" && strings.Contains(class, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (c *Classifier) mentionsCommonWord(n *dom.Node) bool {
	if len(c.words) == 0 {
		return false
	}
	markup := strings.ToLower(n.OuterHTML())
	for _, w := range c.words {
		if w != "" && strings.Contains(markup, w) {
			return true
		}
	}
	return false
}

// IsVisible reports whether n is in the current viewport. Zero-height
// boxes count as visible: full-page fixed overlays report no height.
func IsVisible(n *dom.Node) bool {
	rect := n.BoundingRect()
	if rect.Height == 0 {
		return true
	}
	return n.Document().Viewport().Intersects(rect)
}
