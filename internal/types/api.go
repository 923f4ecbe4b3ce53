package types

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cookiesweep/cookiesweep/internal/ruleset"
	"github.com/cookiesweep/cookiesweep/internal/stats"
)

// Request validation limits.
const (
	MaxCmdLength       = 64
	MaxURLLength       = 8192
	MaxPageIDLength    = 128
	MaxHostnameLength  = 253
	MaxHTMLLength      = 5 * 1024 * 1024 // 5MB
	MaxFragmentLength  = 1024 * 1024     // 1MB
	MaxSelectorLength  = 1024
	MaxReasonLength    = 2000
	MaxUserAgentLength = 512
	MaxBadgeCount      = 1 << 20
)

// Request is a message sent to the endpoint. Only the fields relevant to
// Cmd are read.
type Request struct {
	Cmd string `json:"cmd"`

	// Page targets an open page session.
	Page string `json:"page,omitempty"`

	// Hostname targets a site for the state commands.
	Hostname string `json:"hostname,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`

	// Count is the badge value for SET_BADGE.
	Count *int `json:"count,omitempty"`

	// page.open
	URL            string `json:"url,omitempty"`
	HTML           string `json:"html,omitempty"`
	Referrer       string `json:"referrer,omitempty"`
	InFrame        bool   `json:"inFrame,omitempty"`
	Render         bool   `json:"render,omitempty"`
	ScrollY        int    `json:"scrollY,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`

	// page.insert
	Selector string `json:"selector,omitempty"`
	Fragment string `json:"fragment,omitempty"`

	// REPORT
	Reason    string `json:"reason,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Validate validates the request and returns an error if invalid.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}
	if !IsCommand(r.Cmd) {
		// %q prevents log injection through the echoed value
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
		}
	}
	if r.Referrer != "" && len(r.Referrer) > MaxURLLength {
		return fmt.Errorf("referrer exceeds maximum length of %d", MaxURLLength)
	}

	if len(r.Page) > MaxPageIDLength {
		return fmt.Errorf("page exceeds maximum length of %d", MaxPageIDLength)
	}
	if len(r.Hostname) > MaxHostnameLength {
		return fmt.Errorf("hostname exceeds maximum length of %d", MaxHostnameLength)
	}
	if len(r.HTML) > MaxHTMLLength {
		return fmt.Errorf("html exceeds maximum length of %d", MaxHTMLLength)
	}
	if len(r.Fragment) > MaxFragmentLength {
		return fmt.Errorf("fragment exceeds maximum length of %d", MaxFragmentLength)
	}
	if len(r.Selector) > MaxSelectorLength {
		return fmt.Errorf("selector exceeds maximum length of %d", MaxSelectorLength)
	}
	if len(r.Reason) > MaxReasonLength {
		return fmt.Errorf("reason exceeds maximum length of %d", MaxReasonLength)
	}
	if len(r.UserAgent) > MaxUserAgentLength {
		return fmt.Errorf("userAgent exceeds maximum length of %d", MaxUserAgentLength)
	}
	if r.Count != nil && (*r.Count < 0 || *r.Count > MaxBadgeCount) {
		return fmt.Errorf("count must be between 0 and %d", MaxBadgeCount)
	}
	if r.ScrollY < 0 {
		return fmt.Errorf("scrollY cannot be negative")
	}
	if r.ViewportHeight < 0 {
		return fmt.Errorf("viewportHeight cannot be negative")
	}

	return nil
}

// Response is the envelope returned for every command.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	StartTime int64  `json:"startTimestamp"`
	EndTime   int64  `json:"endTimestamp"`
	Version   string `json:"version"`

	Data          *ruleset.Ruleset `json:"data,omitempty"`
	HostnameState *HostnameState   `json:"hostnameState,omitempty"`
	Page          *PageInfo        `json:"page,omitempty"`
	Pages         []PageInfo       `json:"pages,omitempty"`
	Count         *int             `json:"count,omitempty"`
	HTML          string           `json:"html,omitempty"`
	Fixes         *FixSummary      `json:"fixes,omitempty"`
	Hosts         []stats.Snapshot `json:"hosts,omitempty"`
	Hostnames     []HostnameState  `json:"hostnames,omitempty"`
}

// HostnameState is the per-site flag set returned by GET_HOSTNAME_STATE.
type HostnameState struct {
	Hostname string `json:"hostname"`
	Enabled  bool   `json:"enabled"`
}

// PageInfo describes an open page session.
type PageInfo struct {
	ID           string `json:"id"`
	URL          string `json:"url,omitempty"`
	Hostname     string `json:"hostname"`
	Badge        int    `json:"badge"`
	Hidden       int    `json:"hidden"`
	Enabled      bool   `json:"enabled"`
	Preview      bool   `json:"preview,omitempty"`
	IconEnabled  bool   `json:"iconEnabled"`
	PopupEnabled bool   `json:"popupEnabled"`
	State        string `json:"state"`
	CreatedAt    int64  `json:"createdAt"`
}

// FixSummary reports the fix engine's last pass on a page.
type FixSummary struct {
	BackdropsHidden int      `json:"backdropsHidden"`
	Applied         int      `json:"applied"`
	Failed          int      `json:"failed"`
	Unlocked        bool     `json:"unlocked"`
	Errors          []string `json:"errors,omitempty"`
}

// Commands supported by the endpoint.
const (
	CmdGetData          = "GET_DATA"
	CmdRefreshData      = "REFRESH_DATA"
	CmdGetHostnameState = "GET_HOSTNAME_STATE"
	CmdSetHostnameState = "SET_HOSTNAME_STATE"
	CmdEnableIcon       = "ENABLE_ICON"
	CmdDisableIcon      = "DISABLE_ICON"
	CmdEnablePopup      = "ENABLE_POPUP"
	CmdSetBadge         = "SET_BADGE"
	CmdRun              = "RUN"
	CmdRestore          = "RESTORE"
	CmdReport           = "REPORT"
	CmdPageOpen         = "page.open"
	CmdPageInsert       = "page.insert"
	CmdPageContent      = "page.content"
	CmdPageClose        = "page.close"
	CmdPagesList        = "pages.list"
)

var commands = map[string]struct{}{
	CmdGetData:          {},
	CmdRefreshData:      {},
	CmdGetHostnameState: {},
	CmdSetHostnameState: {},
	CmdEnableIcon:       {},
	CmdDisableIcon:      {},
	CmdEnablePopup:      {},
	CmdSetBadge:         {},
	CmdRun:              {},
	CmdRestore:          {},
	CmdReport:           {},
	CmdPageOpen:         {},
	CmdPageInsert:       {},
	CmdPageContent:      {},
	CmdPageClose:        {},
	CmdPagesList:        {},
}

// IsCommand reports whether cmd is a known command.
func IsCommand(cmd string) bool {
	_, ok := commands[cmd]
	return ok
}

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
