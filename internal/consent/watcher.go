// Package consent finds and hides cookie-consent dialogs in a document.
//
// A Watcher owns one page: it observes DOM insertions, classifies new
// nodes against the ruleset, hides the ones that match and re-applies the
// host's fixes after every batch.
package consent

import (
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/dom"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/ruleset"
)

// State is the watcher's observation state.
type State int

// Watcher states. Suspended only lasts for the synchronous processing of
// one batch.
const (
	StateStopped State = iota
	StateObserving
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateObserving:
		return "observing"
	case StateSuspended:
		return "suspended"
	default:
		return "stopped"
	}
}

// Watcher drives the classifier and fix engine for one document.
type Watcher struct {
	doc        *dom.Document
	rules      *ruleset.Ruleset
	opts       Options
	session    *Session
	classifier *Classifier
	fixes      *FixEngine
	guard      *Guard
	observer   *dom.MutationObserver

	state   State
	enabled bool
	preview bool

	onCount   func(int)
	lastFixes FixReport
}

// NewWatcher creates a watcher for doc. The host is enabled by default.
func NewWatcher(doc *dom.Document, rules *ruleset.Ruleset, opts Options) *Watcher {
	if rules == nil {
		rules = ruleset.Empty()
	}
	opts = opts.withDefaults()
	hostname := PageHostname(doc)

	w := &Watcher{
		doc:     doc,
		rules:   rules,
		opts:    opts,
		session: NewSession(hostname),
		fixes:   NewFixEngine(rules, opts),
		guard:   NewGuard(opts.MarkerAttribute),
		enabled: true,
		preview: IsPreviewHost(rawHostname(doc)) || IsPreviewHost(hostname),
	}
	w.classifier = NewClassifier(rules, w.session, opts)
	w.classifier.ForcedScan = w.forcedScan
	w.observer = dom.NewMutationObserver(doc, w.handleBatch)
	return w
}

// Session returns the observation session.
func (w *Watcher) Session() *Session {
	return w.session
}

// Hostname returns the normalised page hostname.
func (w *Watcher) Hostname() string {
	return w.session.Hostname
}

// State returns the current observation state.
func (w *Watcher) State() State {
	return w.state
}

// Preview reports whether the page is a consent-authoring preview.
func (w *Watcher) Preview() bool {
	return w.preview
}

// Enabled reports whether the engine may act on this host.
func (w *Watcher) Enabled() bool {
	return w.enabled
}

// SetEnabled toggles the engine for this page's host.
func (w *Watcher) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// OnCount registers a callback invoked with the new count whenever it
// changes.
func (w *Watcher) OnCount(fn func(int)) {
	w.onCount = fn
}

// Guard returns the self-healing guard.
func (w *Watcher) Guard() *Guard {
	return w.guard
}

// LastFixes returns the report of the most recent fix pass.
func (w *Watcher) LastFixes() FixReport {
	return w.lastFixes
}

// Start begins observing when the host is enabled and rules are loaded.
// It reports whether the watcher is observing.
func (w *Watcher) Start() bool {
	if w.state != StateStopped {
		return true
	}
	if !w.enabled || !w.rules.HasRules() {
		log.Debug().
			Str("hostname", w.Hostname()).
			Bool("enabled", w.enabled).
			Bool("rules", w.rules.HasRules()).
			Msg("Watcher not started")
		return false
	}
	w.observe()
	return true
}

// Stop disconnects every observer. Used when the page goes away.
func (w *Watcher) Stop() {
	w.observer.Disconnect()
	w.guard.StopAll()
	w.state = StateStopped
}

func (w *Watcher) observe() {
	target := w.doc.Root()
	if target == nil {
		return
	}
	w.observer.Observe(target, dom.ObserveOptions{
		ChildList:       true,
		Subtree:         true,
		Attributes:      len(w.rules.Attributes) > 0,
		AttributeFilter: w.rules.Attributes,
	})
	w.state = StateObserving
}

// suspend runs fn with the observer disconnected so the engine's own DOM
// writes are not fed back to it. The previous state is restored after.
func (w *Watcher) suspend(fn func()) {
	prev := w.state
	if prev == StateObserving {
		w.observer.Disconnect()
		w.state = StateSuspended
	}
	defer func() {
		if prev == StateObserving {
			w.observe()
		}
	}()
	fn()
}

func (w *Watcher) active() bool {
	return !w.preview && w.enabled
}

func (w *Watcher) handleBatch(records []dom.MutationRecord, _ *dom.MutationObserver) {
	w.suspend(func() {
		if !w.active() {
			return
		}
		w.applyFixes()
		if len(w.rules.Selectors) == 0 {
			return
		}

		hidden := 0
		for _, rec := range records {
			switch rec.Type {
			case dom.RecordChildList:
				for _, n := range rec.AddedNodes {
					if w.consider(n, false) {
						hidden++
					}
				}
			case dom.RecordAttributes:
				if w.consider(rec.Target, false) {
					hidden++
				}
			}
		}
		if hidden > 0 {
			log.Debug().
				Str("hostname", w.Hostname()).
				Int("hidden", hidden).
				Int("count", w.session.Count()).
				Msg("Hid consent elements")
		}
	})
}

// ForceClean scans an already loaded page. Short pages are scanned in
// full; long pages only have the direct children of body checked. It
// returns the number of elements hidden.
func (w *Watcher) ForceClean() int {
	hidden := 0
	w.suspend(func() {
		if !w.active() || !w.rules.HasRules() {
			return
		}
		body := w.doc.Body()
		if body == nil {
			return
		}
		w.applyFixes()

		candidates := body.Children()
		if ReadingMinutes(w.doc.WordCount()) < ShortReadMinutes {
			candidates = body.Descendants()
		}
		for _, n := range candidates {
			if w.consider(n, false) {
				hidden++
			}
		}
	})
	log.Debug().
		Str("hostname", w.Hostname()).
		Int("hidden", hidden).
		Msg("Force clean finished")
	return hidden
}

// Run re-applies the cached removables. After a Restore this hides them
// again. It returns the number of elements hidden.
func (w *Watcher) Run() int {
	hidden := 0
	w.suspend(func() {
		if !w.active() {
			return
		}
		for _, n := range w.session.Removables() {
			if w.consider(n, true) {
				hidden++
			}
		}
		w.applyFixes()
	})
	return hidden
}

// Restore undoes every mark: the marker attribute and forced display on
// hidden elements, the backdrop and scroll-lock overrides, the count and
// the seen set.
func (w *Watcher) Restore() {
	w.suspend(func() {
		w.guard.StopAll()

		marked := w.session.Removables()
		if extra, err := w.doc.QuerySelectorAll("[" + w.opts.MarkerAttribute + "]"); err == nil {
			marked = append(marked, extra...)
		}
		for _, n := range marked {
			n.RemoveAttr(w.opts.MarkerAttribute)
			if isForcedHidden(n) {
				n.RemoveStyle("display")
			}
		}
		w.fixes.relock(w.doc)
		w.session.reset()
	})
	w.notify()
	log.Debug().Str("hostname", w.Hostname()).Msg("Restored page")
}

func (w *Watcher) applyFixes() {
	w.lastFixes = w.fixes.Apply(w.doc, w.Hostname())
}

// consider classifies n and hides it on a match.
func (w *Watcher) consider(n *dom.Node, skipStructuralCheck bool) bool {
	if !w.classifier.Match(n, skipStructuralCheck) {
		return false
	}
	w.hide(n)
	return true
}

// forcedScan handles a bare wrapper whose markup mentions consent: fixes
// run again and every descendant matching a selector is hidden.
func (w *Watcher) forcedScan(root *dom.Node) {
	w.applyFixes()
	for _, n := range w.classifier.Candidates(root) {
		w.consider(n, true)
	}
}

func (w *Watcher) hide(n *dom.Node) {
	n.SetAttr(w.opts.MarkerAttribute, "true")
	n.SetStyle("display", "none", true)
	w.session.matched(n)
	w.guard.Start(n)
	metrics.RecordDialogsHidden(1)
	w.notify()
}

func (w *Watcher) notify() {
	if w.onCount != nil {
		w.onCount(w.session.Count())
	}
}
