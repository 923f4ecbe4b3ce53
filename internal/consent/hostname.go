package consent

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/cookiesweep/cookiesweep/internal/dom"
)

// Preview pages are consent-authoring tools and must be left alone.
var previewPrefixes = []string{"consent.", "myprivacy."}

// Reading-time thresholds for ForceClean.
const (
	WordsPerMinute   = 225
	ShortReadMinutes = 4
)

// rawHostname returns the host the page belongs to: the referrer's host for
// embedded frames, otherwise the document's own.
func rawHostname(doc *dom.Document) string {
	if doc.InFrame() && doc.Referrer() != "" {
		if u, err := url.Parse(doc.Referrer()); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if loc := doc.Location(); loc != nil {
		return loc.Hostname()
	}
	return ""
}

// PageHostname returns the normalised hostname of doc.
func PageHostname(doc *dom.Document) string {
	return NormalizeHostname(rawHostname(doc))
}

// NormalizeHostname lower-cases host, strips a leading "www." and keeps the
// registrable domain plus at most one label above it.
func NormalizeHostname(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || registrable == host {
		return host
	}
	labels := strings.Split(strings.TrimSuffix(host, "."+registrable), ".")
	return labels[len(labels)-1] + "." + registrable
}

// IsPreviewHost reports whether hostname belongs to a consent-authoring
// preview page.
func IsPreviewHost(hostname string) bool {
	for _, p := range previewPrefixes {
		if strings.HasPrefix(hostname, p) {
			return true
		}
	}
	return false
}

// ReadingMinutes estimates whole minutes of reading time for words.
func ReadingMinutes(words int) int {
	return words / WordsPerMinute
}
