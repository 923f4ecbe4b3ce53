package consent

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/dom"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/ruleset"
)

// Fix errors. They are logged and counted, never returned to callers.
var (
	ErrNoElement   = errors.New("no element matches fix selector")
	ErrNoProperty  = errors.New("fix requires a style property")
	ErrFixPanicked = errors.New("fix panicked")
)

// Style properties the global unlock resets on <html> and <body>.
var unlockProperties = []string{"position", "overflow-y"}

// FixReport summarises one Apply call.
type FixReport struct {
	BackdropsHidden int      `json:"backdropsHidden"`
	Applied         int      `json:"applied"`
	Failed          int      `json:"failed"`
	Unlocked        bool     `json:"unlocked"`
	Errors          []string `json:"errors,omitempty"`
}

type fixHandler func(doc *dom.Document, fix ruleset.Fix) error

// fixHandlers maps every known action to its implementation. Actions
// without an entry are ignored.
var fixHandlers = map[ruleset.Action]fixHandler{
	ruleset.ActionClick:    clickFix,
	ruleset.ActionRemove:   removeFix,
	ruleset.ActionReset:    resetFix,
	ruleset.ActionResetAll: resetAllFix,
}

// FixEngine applies corrective actions to a page.
type FixEngine struct {
	rules *ruleset.Ruleset
	opts  Options
}

// NewFixEngine creates a FixEngine for rules.
func NewFixEngine(rules *ruleset.Ruleset, opts Options) *FixEngine {
	return &FixEngine{rules: rules, opts: opts.withDefaults()}
}

// Apply hides orphaned backdrops, runs the fixes for hostname and, unless
// the host is on the skip list, undoes page-level scroll locks.
func (f *FixEngine) Apply(doc *dom.Document, hostname string) FixReport {
	var report FixReport
	report.BackdropsHidden = f.hideBackdrops(doc)

	for _, fix := range f.rules.FixesFor(hostname) {
		handler, ok := fixHandlers[fix.Action]
		if !ok {
			continue
		}
		if err := guarded(doc, fix, handler); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			metrics.RecordFix(fix.Action.String(), false)
			log.Debug().Err(err).Str("hostname", hostname).Str("fix", fix.String()).Msg("Fix failed")
			continue
		}
		report.Applied++
		metrics.RecordFix(fix.Action.String(), true)
	}

	if len(f.rules.Classes) > 0 && !f.rules.SkipsDomain(hostname) {
		f.unlock(doc)
		report.Unlocked = true
	}
	return report
}

// guarded runs one fix, turning panics into errors so a broken fix cannot
// abort the rest.
func guarded(doc *dom.Document, fix ruleset.Fix, handler fixHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrFixPanicked, fix, r)
		}
	}()
	if err := handler(doc, fix); err != nil {
		return fmt.Errorf("%s: %w", fix, err)
	}
	return nil
}

func (f *FixEngine) hideBackdrops(doc *dom.Document) int {
	backdrops, err := doc.QuerySelectorAll(f.opts.BackdropSelector)
	if err != nil {
		log.Debug().Err(err).Msg("Backdrop selector failed")
		return 0
	}
	hidden := 0
	for _, n := range backdrops {
		if !n.IsEmpty() || !IsVisible(n) || isForcedHidden(n) {
			continue
		}
		n.SetStyle("display", "none", true)
		hidden++
	}
	return hidden
}

func (f *FixEngine) unlock(doc *dom.Document) {
	for _, root := range []*dom.Node{doc.Root(), doc.Body()} {
		if root == nil {
			continue
		}
		for _, class := range f.rules.Classes {
			root.RemoveClass(class)
		}
		for _, prop := range unlockProperties {
			root.SetStyle(prop, "initial", true)
		}
	}
}

// relock removes the inline overrides written by unlock and hideBackdrops.
func (f *FixEngine) relock(doc *dom.Document) {
	for _, root := range []*dom.Node{doc.Root(), doc.Body()} {
		if root == nil {
			continue
		}
		for _, prop := range unlockProperties {
			if d, ok := root.Style().Get(prop); ok && d.Value == "initial" && d.Important {
				root.RemoveStyle(prop)
			}
		}
	}
	if backdrops, err := doc.QuerySelectorAll(f.opts.BackdropSelector); err == nil {
		for _, n := range backdrops {
			if isForcedHidden(n) {
				n.RemoveStyle("display")
			}
		}
	}
}

func clickFix(doc *dom.Document, fix ruleset.Fix) error {
	n, err := first(doc, fix.Selector)
	if err != nil {
		return err
	}
	n.Click()
	return nil
}

func removeFix(doc *dom.Document, fix ruleset.Fix) error {
	if fix.Property == "" {
		return ErrNoProperty
	}
	n, err := first(doc, fix.Selector)
	if err != nil {
		return err
	}
	n.RemoveStyle(fix.Property)
	return nil
}

func resetFix(doc *dom.Document, fix ruleset.Fix) error {
	if fix.Property == "" {
		return ErrNoProperty
	}
	n, err := first(doc, fix.Selector)
	if err != nil {
		return err
	}
	n.SetStyle(fix.Property, "initial", true)
	return nil
}

func resetAllFix(doc *dom.Document, fix ruleset.Fix) error {
	if fix.Property == "" {
		return ErrNoProperty
	}
	nodes, err := doc.QuerySelectorAll(fix.Selector)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return ErrNoElement
	}
	for _, n := range nodes {
		n.SetStyle(fix.Property, "initial", true)
	}
	return nil
}

func first(doc *dom.Document, selector string) (*dom.Node, error) {
	n, err := doc.QuerySelector(selector)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNoElement
	}
	return n, nil
}

func isForcedHidden(n *dom.Node) bool {
	d, ok := n.Style().Get("display")
	return ok && d.Value == "none" && d.Important
}
