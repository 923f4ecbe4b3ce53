package ruleset

import "strings"

// DeriveAttributes collects the attribute names referenced by bracketed
// predicates in selectors, e.g. "div[class*='cookie']" yields "class".
func DeriveAttributes(selectors []string) []string {
	var names []string
	for _, sel := range selectors {
		rest := sel
		for {
			open := strings.IndexByte(rest, '[')
			if open < 0 {
				break
			}
			end := strings.IndexByte(rest[open:], ']')
			if end < 0 {
				break
			}
			if name := attributeName(rest[open+1 : open+end]); name != "" {
				names = append(names, name)
			}
			rest = rest[open+end+1:]
		}
	}
	return dedupe(names)
}

// attributeName strips the value and comparison operator from a predicate.
func attributeName(predicate string) string {
	if i := strings.IndexAny(predicate, "=^*$~|"); i >= 0 {
		predicate = predicate[:i]
	}
	return strings.Trim(predicate, " \t\"'")
}
