package consent

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/dom"
)

// Defaults for Options.
const (
	DefaultMarkerAttribute  = "data-cookiesweep"
	DefaultBackdropSelector = ".modal-backdrop"
)

// Options holds the engine's empirical heuristics. They are data so they can
// be tuned without touching the classifier.
type Options struct {
	// MarkerAttribute flags elements the engine has hidden.
	MarkerAttribute string

	// BackdropSelector finds overlay backdrops left behind by removed dialogs.
	BackdropSelector string

	// FakeDialogTags and FakeDialogMarkers describe generic containers that
	// behave as dialogs: a tag from the first list whose class attribute
	// contains a substring from the second.
	FakeDialogTags    []string
	FakeDialogMarkers []string

	// Exceptions are selectors for elements that must never match, e.g.
	// chat messages that mention cookies.
	Exceptions []string
}

// DefaultOptions returns the built-in heuristics.
func DefaultOptions() Options {
	return Options{
		MarkerAttribute:   DefaultMarkerAttribute,
		BackdropSelector:  DefaultBackdropSelector,
		FakeDialogTags:    []string{"DIV", "SECTION", "ASIDE"},
		FakeDialogMarkers: []string{"cmp", "consent", "cookie"},
		Exceptions:        []string{".chat-line__message"},
	}
}

// withDefaults fills unset fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MarkerAttribute == "" {
		o.MarkerAttribute = def.MarkerAttribute
	}
	if o.BackdropSelector == "" {
		o.BackdropSelector = def.BackdropSelector
	}
	if o.FakeDialogTags == nil {
		o.FakeDialogTags = def.FakeDialogTags
	}
	if o.FakeDialogMarkers == nil {
		o.FakeDialogMarkers = def.FakeDialogMarkers
	}
	if o.Exceptions == nil {
		o.Exceptions = def.Exceptions
	}
	tags := make([]string, len(o.FakeDialogTags))
	for i, tag := range o.FakeDialogTags {
		tags[i] = strings.ToUpper(tag)
	}
	o.FakeDialogTags = tags
	return o
}

func compileExceptions(selectors []string) []dom.Matcher {
	out := make([]dom.Matcher, 0, len(selectors))
	for _, sel := range selectors {
		m, err := dom.Compile(sel)
		if err != nil {
			log.Warn().Err(err).Str("selector", sel).Msg("Ignoring invalid classifier exception")
			continue
		}
		out = append(out, m)
	}
	return out
}
