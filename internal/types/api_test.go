package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"valid GET_DATA", Request{Cmd: CmdGetData}, ""},
		{"valid page.open", Request{Cmd: CmdPageOpen, URL: "https://example.com/", HTML: "<html></html>"}, ""},
		{"missing cmd", Request{}, "cmd is required"},
		{"cmd too long", Request{Cmd: strings.Repeat("x", MaxCmdLength+1)}, "cmd exceeds"},
		{"unknown cmd", Request{Cmd: "request.get"}, `Unknown command: "request.get"`},
		{"bad scheme", Request{Cmd: CmdPageOpen, URL: "file:///etc/passwd"}, "scheme must be http or https"},
		{"url too long", Request{Cmd: CmdPageOpen, URL: "https://example.com/" + strings.Repeat("a", MaxURLLength)}, "url exceeds"},
		{"hostname too long", Request{Cmd: CmdGetHostnameState, Hostname: strings.Repeat("a", MaxHostnameLength+1)}, "hostname exceeds"},
		{"negative count", Request{Cmd: CmdSetBadge, Count: intPtr(-1)}, "count must be between"},
		{"huge count", Request{Cmd: CmdSetBadge, Count: intPtr(MaxBadgeCount + 1)}, "count must be between"},
		{"zero count", Request{Cmd: CmdSetBadge, Count: intPtr(0)}, ""},
		{"negative scroll", Request{Cmd: CmdPageOpen, ScrollY: -5}, "scrollY cannot be negative"},
		{"negative viewport", Request{Cmd: CmdPageOpen, ViewportHeight: -1}, "viewportHeight cannot be negative"},
		{"reason too long", Request{Cmd: CmdReport, Reason: strings.Repeat("r", MaxReasonLength+1)}, "reason exceeds"},
		{"selector too long", Request{Cmd: CmdPageInsert, Selector: strings.Repeat("s", MaxSelectorLength+1)}, "selector exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsCommand(t *testing.T) {
	for _, cmd := range []string{
		CmdGetData, CmdRefreshData, CmdGetHostnameState, CmdSetHostnameState,
		CmdEnableIcon, CmdDisableIcon, CmdEnablePopup, CmdSetBadge,
		CmdRun, CmdRestore, CmdReport,
		CmdPageOpen, CmdPageInsert, CmdPageContent, CmdPageClose, CmdPagesList,
	} {
		if !IsCommand(cmd) {
			t.Errorf("IsCommand(%q) = false", cmd)
		}
	}
	for _, cmd := range []string{"", "get_data", "sessions.list", "RUN "} {
		if IsCommand(cmd) {
			t.Errorf("IsCommand(%q) = true", cmd)
		}
	}
}

func TestRequestJSONFieldNames(t *testing.T) {
	enabled := false
	raw := `{"cmd":"SET_HOSTNAME_STATE","hostname":"example.com","enabled":false,` +
		`"page":"p1","scrollY":10,"viewportHeight":600,"inFrame":true,"userAgent":"ua"}`

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.Cmd != CmdSetHostnameState || req.Hostname != "example.com" || req.Page != "p1" {
		t.Errorf("Unexpected request: %+v", req)
	}
	if req.Enabled == nil || *req.Enabled != enabled {
		t.Errorf("Enabled = %v, want pointer to false", req.Enabled)
	}
	if req.ScrollY != 10 || req.ViewportHeight != 600 || !req.InFrame || req.UserAgent != "ua" {
		t.Errorf("Unexpected request fields: %+v", req)
	}
}

func TestResponseJSONFieldNames(t *testing.T) {
	resp := Response{
		Status:        StatusOK,
		Message:       "",
		StartTime:     1,
		EndTime:       2,
		Version:       "1.0.0",
		HostnameState: &HostnameState{Hostname: "example.com", Enabled: true},
		Count:         intPtr(0),
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	jsonStr := string(data)

	for _, field := range []string{`"status"`, `"message"`, `"startTimestamp"`, `"endTimestamp"`, `"version"`, `"hostnameState"`, `"count":0`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected field %s not found in JSON: %s", field, jsonStr)
		}
	}
	for _, field := range []string{`"data"`, `"page"`, `"pages"`, `"html"`, `"fixes"`, `"hosts"`} {
		if strings.Contains(jsonStr, field) {
			t.Errorf("Empty field %s should be omitted: %s", field, jsonStr)
		}
	}
}

func TestPageError(t *testing.T) {
	err := NewPageError("insert", "abc123", ErrNoInsertPoint)

	if !errors.Is(err, ErrNoInsertPoint) {
		t.Error("PageError should unwrap to its cause")
	}
	if got := err.Error(); got != "page insert failed for abc123: insertion point not found" {
		t.Errorf("Error() = %q", got)
	}

	var pe *PageError
	if !errors.As(error(err), &pe) || pe.Operation != "insert" || pe.PageID != "abc123" {
		t.Errorf("errors.As() = %+v", pe)
	}

	if got := NewPageError("render", "", nil).Error(); got != "page render failed" {
		t.Errorf("Error() without id or cause = %q", got)
	}
}

func TestPoolError(t *testing.T) {
	err := NewPoolAcquireError("timeout", ErrBrowserPoolTimeout)
	if !errors.Is(err, ErrBrowserPoolTimeout) {
		t.Error("PoolError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Error() = %q", err.Error())
	}
}
