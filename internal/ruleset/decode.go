package ruleset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRuleset is returned when a payload lacks a required collection.
var ErrInvalidRuleset = errors.New("invalid ruleset")

const fixSeparator = "##"

// Decode parses a JSON ruleset document. Every published schema version is
// accepted and normalised here so the engine only sees Ruleset values.
func Decode(data []byte) (*Ruleset, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRuleset, err)
	}
	return normalize(doc)
}

// DecodeYAML parses a YAML ruleset document with the same normalisation as
// Decode.
func DecodeYAML(data []byte) (*Ruleset, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidRuleset, err)
	}
	return normalize(doc)
}

func normalize(doc map[string]any) (*Ruleset, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidRuleset)
	}
	tokens, _ := doc["tokens"].(map[string]any)

	classes, ok := lookupList(doc, tokens, "classes")
	if !ok {
		return nil, missing("classes")
	}
	selectors, ok := lookupList(doc, tokens, "selectors")
	if !ok {
		return nil, missing("selectors")
	}
	words, ok := lookupList(doc, tokens, "commonWords", "keywords")
	if !ok {
		return nil, missing("commonWords")
	}

	rawFixes, ok := doc["fixes"]
	if !ok {
		if rawFixes, ok = tokens["fixes"]; !ok {
			return nil, missing("fixes")
		}
	}
	fixes := decodeFixes(rawFixes)

	skips, ok := decodeSkips(doc)
	if !ok {
		return nil, missing("skips")
	}

	return New(versionString(doc["version"]), classes, selectors, words, fixes, skips), nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %q", ErrInvalidRuleset, field)
}

// lookupList finds the first of keys at the top level, then under tokens.
func lookupList(doc, tokens map[string]any, keys ...string) ([]string, bool) {
	for _, scope := range []map[string]any{doc, tokens} {
		if scope == nil {
			continue
		}
		for _, k := range keys {
			if v, ok := scope[k]; ok {
				return stringList(v), true
			}
		}
	}
	return nil, false
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		return strings.Split(t, ",")
	default:
		return nil
	}
}

func decodeFixes(v any) []Fix {
	items, _ := v.([]any)
	fixes := make([]Fix, 0, len(items))
	for _, item := range items {
		var (
			fix Fix
			ok  bool
		)
		switch t := item.(type) {
		case string:
			fix, ok = parseFixString(t)
		case map[string]any:
			fix, ok = parseFixRecord(t)
		}
		if !ok {
			log.Debug().Interface("fix", item).Msg("Skipping malformed fix rule")
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes
}

// parseFixString parses "domain##selector##action[##property]".
func parseFixString(s string) (Fix, bool) {
	parts := strings.Split(s, fixSeparator)
	if len(parts) < 3 {
		return Fix{}, false
	}
	fix := Fix{
		HostnameMatch: strings.TrimSpace(parts[0]),
		Selector:      strings.TrimSpace(parts[1]),
		Action:        ParseAction(parts[2]),
	}
	if len(parts) > 3 {
		fix.Property = strings.TrimSpace(parts[3])
	}
	return fix, fix.Selector != ""
}

func parseFixRecord(m map[string]any) (Fix, bool) {
	fix := Fix{
		HostnameMatch: firstString(m, "domain", "hostname", "match"),
		Selector:      firstString(m, "selector"),
		Action:        ParseAction(firstString(m, "action")),
		Property:      firstString(m, "property"),
	}
	return fix, fix.Selector != ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func decodeSkips(doc map[string]any) (Skips, bool) {
	if raw, ok := doc["skips"]; ok {
		m, _ := raw.(map[string]any)
		return Skips{
			Domains: stringList(m["domains"]),
			Tags:    stringList(m["tags"]),
		}, true
	}
	domains, hasDomains := doc["skipDomains"]
	tags, hasTags := doc["skipTags"]
	if !hasDomains && !hasTags {
		return Skips{}, false
	}
	return Skips{Domains: stringList(domains), Tags: stringList(tags)}, true
}

func versionString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
