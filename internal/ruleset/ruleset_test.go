package ruleset

import (
	"errors"
	"reflect"
	"testing"
)

func TestDecode_SchemaVariants(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		classes   []string
		selectors []string
		words     []string
		fixes     int
		domains   []string
		tags      []string
	}{
		{
			name: "flat",
			payload: `{"classes":["no-scroll"],"selectors":[".cookie-banner"],"commonWords":["cookies"],
				"fixes":["example.com###popup##click"],"skips":{"domains":["example.com"],"tags":["script"]}}`,
			classes:   []string{"no-scroll"},
			selectors: []string{".cookie-banner"},
			words:     []string{"cookies"},
			fixes:     1,
			domains:   []string{"example.com"},
			tags:      []string{"SCRIPT"},
		},
		{
			name: "tokens and keywords",
			payload: `{"tokens":{"classes":["a","a"],"selectors":["#b"]},"keywords":["consent"],
				"fixes":[],"skips":{"domains":[],"tags":[]}}`,
			classes:   []string{"a"},
			selectors: []string{"#b"},
			words:     []string{"consent"},
			domains:   []string{},
			tags:      []string{},
		},
		{
			name: "structured fixes and top-level skips",
			payload: `{"classes":[],"selectors":[],"commonWords":[],
				"fixes":[{"hostname":"example.com","selector":"body","action":"reset","property":"overflow"},
				         {"domain":"x.org","selector":"","action":"click"}],
				"skipDomains":["Example.org"],"skipTags":["iframe"]}`,
			classes:   []string{},
			selectors: []string{},
			words:     []string{},
			fixes:     1,
			domains:   []string{"example.org"},
			tags:      []string{"IFRAME"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Decode([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(r.Classes, tt.classes) {
				t.Errorf("Classes = %v, want %v", r.Classes, tt.classes)
			}
			if !reflect.DeepEqual(r.Selectors, tt.selectors) {
				t.Errorf("Selectors = %v, want %v", r.Selectors, tt.selectors)
			}
			if !reflect.DeepEqual(r.CommonWords, tt.words) {
				t.Errorf("CommonWords = %v, want %v", r.CommonWords, tt.words)
			}
			if len(r.Fixes) != tt.fixes {
				t.Errorf("len(Fixes) = %d, want %d", len(r.Fixes), tt.fixes)
			}
			if !reflect.DeepEqual(r.Skips.Domains, tt.domains) {
				t.Errorf("Skips.Domains = %v, want %v", r.Skips.Domains, tt.domains)
			}
			if !reflect.DeepEqual(r.Skips.Tags, tt.tags) {
				t.Errorf("Skips.Tags = %v, want %v", r.Skips.Tags, tt.tags)
			}
		})
	}
}

func TestDecode_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `<html>`},
		{"no classes", `{"selectors":[],"commonWords":[],"fixes":[],"skips":{}}`},
		{"no selectors", `{"classes":[],"commonWords":[],"fixes":[],"skips":{}}`},
		{"no words", `{"classes":[],"selectors":[],"fixes":[],"skips":{}}`},
		{"no fixes", `{"classes":[],"selectors":[],"commonWords":[],"skips":{}}`},
		{"no skips", `{"classes":[],"selectors":[],"commonWords":[],"fixes":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if !errors.Is(err, ErrInvalidRuleset) {
				t.Errorf("Decode() error = %v, want ErrInvalidRuleset", err)
			}
		})
	}
}

func TestParseFixString(t *testing.T) {
	tests := []struct {
		in   string
		want Fix
		ok   bool
	}{
		{"example.com###popup##click", Fix{"example.com", "#popup", ActionClick, ""}, true},
		{"example.com##body##remove##overflow", Fix{"example.com", "body", ActionRemove, "overflow"}, true},
		{"example.com##.x##resetAll##position", Fix{"example.com", ".x", ActionResetAll, "position"}, true},
		{"example.com##.x##explode", Fix{"example.com", ".x", ActionUnknown, ""}, true},
		{"example.com##.x", Fix{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseFixString(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("parseFixString() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDeriveAttributes(t *testing.T) {
	selectors := []string{
		"div[class*='cookie']",
		"[data-cookie-banner]",
		"[id^=\"sp_message\"]",
		"a[href$='.pdf'][lang|=en]",
		"#plain",
		"[class~=modal]",
	}
	want := []string{"class", "data-cookie-banner", "id", "href", "lang"}

	got := DeriveAttributes(selectors)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DeriveAttributes() = %v, want %v", got, want)
	}
}

func TestSkipsDomain(t *testing.T) {
	r := New("", nil, nil, nil, nil, Skips{Domains: []string{"example.com", "a.b.example.net"}})

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"sub.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.org", false},
		{"a.b.example.net", true},
		{"x.a.b.example.net", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := r.SkipsDomain(tt.host); got != tt.want {
				t.Errorf("SkipsDomain(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestFixesFor(t *testing.T) {
	r := New("", nil, nil, nil, []Fix{
		{HostnameMatch: "example.com", Selector: "#popup", Action: ActionClick},
		{HostnameMatch: "other.net", Selector: "body", Action: ActionReset, Property: "overflow"},
	}, Skips{})

	if got := r.FixesFor("shop.example.com"); len(got) != 1 || got[0].Selector != "#popup" {
		t.Errorf("FixesFor(shop.example.com) = %+v", got)
	}
	if got := r.FixesFor("example.org"); len(got) != 0 {
		t.Errorf("FixesFor(example.org) = %+v, want none", got)
	}
}

func TestEmpty(t *testing.T) {
	r := Empty()
	if !r.IsEmpty() || r.HasRules() {
		t.Error("Empty() should carry no rules")
	}
	if r.Matcher().Len() != 0 {
		t.Error("Empty() matcher should have no selectors")
	}
}

func TestMatcher_DropsInvalidSelectors(t *testing.T) {
	r := New("", []string{"x"}, []string{".ok", "[[broken", "#fine"}, nil, nil, Skips{})
	if got := r.Matcher().Len(); got != 2 {
		t.Errorf("Matcher().Len() = %d, want 2", got)
	}
}

func TestEmbedded(t *testing.T) {
	r := Embedded()
	if !r.HasRules() {
		t.Fatal("Embedded ruleset should have classes and selectors")
	}
	if len(r.Attributes) == 0 {
		t.Error("Expected derived attributes for embedded selectors")
	}
	if r.Matcher().Len() != len(r.Selectors) {
		t.Errorf("Embedded ruleset has invalid selectors: %d of %d compiled", r.Matcher().Len(), len(r.Selectors))
	}
}

func TestAction_Text(t *testing.T) {
	for _, a := range []Action{ActionClick, ActionRemove, ActionReset, ActionResetAll} {
		text, _ := a.MarshalText()
		var back Action
		back.UnmarshalText(text)
		if back != a {
			t.Errorf("Action %v did not survive text round trip", a)
		}
	}
}
