// Package ruleset models the consent-dialog ruleset and manages where it is
// loaded from.
package ruleset

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/dom"
)

// Action is a fix rule action.
type Action int

// Fix actions. ActionUnknown covers anything a newer ruleset may introduce.
const (
	ActionUnknown Action = iota
	ActionClick
	ActionRemove
	ActionReset
	ActionResetAll
)

var actionNames = map[Action]string{
	ActionUnknown:  "unknown",
	ActionClick:    "click",
	ActionRemove:   "remove",
	ActionReset:    "reset",
	ActionResetAll: "resetAll",
}

// ParseAction maps a ruleset action string to an Action.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "click":
		return ActionClick
	case "remove":
		return ActionRemove
	case "reset":
		return ActionReset
	case "resetall":
		return ActionResetAll
	default:
		return ActionUnknown
	}
}

// String returns the ruleset spelling of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return actionNames[ActionUnknown]
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	*a = ParseAction(string(text))
	return nil
}

// Fix is a host-specific corrective action.
type Fix struct {
	HostnameMatch string `json:"hostname" yaml:"hostname"`
	Selector      string `json:"selector" yaml:"selector"`
	Action        Action `json:"action" yaml:"action"`
	Property      string `json:"property,omitempty" yaml:"property,omitempty"`
}

// String renders the fix in the compact ruleset notation.
func (f Fix) String() string {
	s := f.HostnameMatch + "##" + f.Selector + "##" + f.Action.String()
	if f.Property != "" {
		s += "##" + f.Property
	}
	return s
}

// AppliesTo reports whether the fix targets hostname.
func (f Fix) AppliesTo(hostname string) bool {
	return strings.Contains(hostname, f.HostnameMatch)
}

// Skips lists hosts and tags the engine leaves alone.
type Skips struct {
	Domains []string `json:"domains" yaml:"domains"`
	Tags    []string `json:"tags" yaml:"tags"`
}

// Ruleset is one fetched version of the detection rules. It is not modified
// after construction.
type Ruleset struct {
	Version     string   `json:"version,omitempty"`
	Classes     []string `json:"classes"`
	Selectors   []string `json:"selectors"`
	Attributes  []string `json:"attributes"`
	CommonWords []string `json:"commonWords"`
	Fixes       []Fix    `json:"fixes"`
	Skips       Skips    `json:"skips"`

	tags        map[string]struct{}
	matcherOnce sync.Once
	matcher     *Matcher
}

// New builds a Ruleset, deriving attributes and normalising tags.
func New(version string, classes, selectors, commonWords []string, fixes []Fix, skips Skips) *Ruleset {
	r := &Ruleset{
		Version:     version,
		Classes:     dedupe(classes),
		Selectors:   dedupe(selectors),
		CommonWords: dedupe(commonWords),
		Fixes:       append([]Fix{}, fixes...),
		Skips: Skips{
			Domains: dedupe(lower(skips.Domains)),
			Tags:    dedupe(upper(skips.Tags)),
		},
	}
	r.Attributes = DeriveAttributes(r.Selectors)
	r.tags = make(map[string]struct{}, len(r.Skips.Tags))
	for _, t := range r.Skips.Tags {
		r.tags[t] = struct{}{}
	}
	return r
}

// Empty returns a ruleset with every collection empty.
func Empty() *Ruleset {
	return New("", nil, nil, nil, nil, Skips{})
}

// IsEmpty reports whether the ruleset carries no rules at all.
func (r *Ruleset) IsEmpty() bool {
	return len(r.Classes) == 0 && len(r.Selectors) == 0 && len(r.Fixes) == 0 &&
		len(r.CommonWords) == 0 && len(r.Skips.Domains) == 0 && len(r.Skips.Tags) == 0
}

// HasRules reports whether classification can run.
func (r *Ruleset) HasRules() bool {
	return len(r.Classes) > 0 && len(r.Selectors) > 0
}

// SkipsTag reports whether tag (any case) is exempt from matching.
func (r *Ruleset) SkipsTag(tag string) bool {
	_, ok := r.tags[strings.ToUpper(tag)]
	return ok
}

// SkipsDomain reports whether hostname is exempt from the global unlock.
// Entries with fewer than three labels also match any subdomain.
func (r *Ruleset) SkipsDomain(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	for _, entry := range r.Skips.Domains {
		entry = strings.TrimPrefix(entry, "*.")
		if entry == "" {
			continue
		}
		if hostname == entry {
			return true
		}
		if strings.Count(entry, ".") < 2 && strings.HasSuffix(hostname, "."+entry) {
			return true
		}
	}
	return false
}

// FixesFor returns the fixes whose hostname match is contained in hostname.
func (r *Ruleset) FixesFor(hostname string) []Fix {
	var out []Fix
	for _, f := range r.Fixes {
		if f.AppliesTo(hostname) {
			out = append(out, f)
		}
	}
	return out
}

// Matcher returns the compiled selector list. Invalid selectors are
// dropped.
func (r *Ruleset) Matcher() *Matcher {
	r.matcherOnce.Do(func() {
		r.matcher = compileSelectors(r.Selectors)
	})
	return r.matcher
}

// Summary is a short description used in logs and stats.
func (r *Ruleset) Summary() string {
	return fmt.Sprintf("version=%q classes=%d selectors=%d fixes=%d words=%d",
		r.Version, len(r.Classes), len(r.Selectors), len(r.Fixes), len(r.CommonWords))
}

// Matcher matches nodes against every valid ruleset selector.
type Matcher struct {
	selectors []dom.Matcher
	sources   []string
}

func compileSelectors(selectors []string) *Matcher {
	m := &Matcher{}
	for _, sel := range selectors {
		compiled, err := dom.Compile(sel)
		if err != nil {
			log.Warn().Err(err).Str("selector", sel).Msg("Dropping invalid ruleset selector")
			continue
		}
		m.selectors = append(m.selectors, compiled)
		m.sources = append(m.sources, sel)
	}
	return m
}

// Len returns the number of usable selectors.
func (m *Matcher) Len() int {
	return len(m.selectors)
}

// Match reports whether n matches any selector.
func (m *Matcher) Match(n *dom.Node) bool {
	for _, sel := range m.selectors {
		if n.Matches(sel) {
			return true
		}
	}
	return false
}

// QueryAll returns the descendants of root matching any selector, in
// document order and without duplicates.
func (m *Matcher) QueryAll(root *dom.Node) []*dom.Node {
	if len(m.selectors) == 0 {
		return nil
	}
	var out []*dom.Node
	for _, n := range root.Descendants() {
		if m.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
