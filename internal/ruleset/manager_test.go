package ruleset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const fileRuleset = `{
  "classes": ["locked"],
  "selectors": ["#file-banner"],
  "commonWords": [],
  "fixes": [],
  "skips": {"domains": [], "tags": []}
}`

const remoteRuleset = `{
  "version": 5,
  "tokens": {"classes": ["remote-lock"], "selectors": ["#remote-banner"]},
  "keywords": ["cookies"],
  "fixes": ["example.com###popup##click"],
  "skipDomains": ["example.org"]
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNewManager_EmbeddedOnly(t *testing.T) {
	m, err := NewManager(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	rules := m.Get()
	if rules == nil {
		t.Fatal("Get() returned nil")
	}
	if !rules.HasRules() {
		t.Error("Expected embedded ruleset to carry classes and selectors")
	}
	if m.Source() != SourceEmbedded {
		t.Errorf("Source() = %q, want %q", m.Source(), SourceEmbedded)
	}
	if !m.Loaded() {
		t.Error("Expected embedded ruleset to count as loaded")
	}
}

func TestNewManager_FileOverride(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	rules := m.Get()
	if len(rules.Selectors) != 1 || rules.Selectors[0] != "#file-banner" {
		t.Errorf("Selectors = %v, want [#file-banner]", rules.Selectors)
	}
	if m.Source() != SourceFile {
		t.Errorf("Source() = %q, want %q", m.Source(), SourceFile)
	}
}

func TestNewManager_YAMLFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "ruleset.yaml")
	writeFile(t, tmpFile, `
classes: [no-scroll]
selectors: [".cookie-banner"]
commonWords: [cookies]
fixes:
  - domain: example.com
    selector: "#popup"
    action: click
skips:
  domains: []
  tags: [script]
`)

	m, err := NewManager(context.Background(), Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	rules := m.Get()
	if len(rules.Fixes) != 1 || rules.Fixes[0].Action != ActionClick {
		t.Errorf("Fixes = %+v, want one click fix", rules.Fixes)
	}
	if !rules.SkipsTag("SCRIPT") {
		t.Error("Expected tag skip list to be upper-cased")
	}
}

func TestNewManager_MissingFileFallsBack(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Path: filepath.Join(t.TempDir(), "absent.json")})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Source() != SourceEmbedded {
		t.Errorf("Source() = %q, want %q", m.Source(), SourceEmbedded)
	}
	if m.Stats().LastError == nil {
		t.Error("Expected LastError to be recorded")
	}
}

func TestManager_Get_LockFree(t *testing.T) {
	m, err := NewManager(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	const goroutines = 100
	const iterations = 1000

	done := make(chan bool)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				if rules := m.Get(); rules == nil || !rules.HasRules() {
					t.Error("Expected a populated ruleset")
					break
				}
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}
}

func TestManager_Refresh_File(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeFile(t, tmpFile, `{"classes":["a"],"selectors":["#one","#two"],"commonWords":[],"fixes":[],"skips":{}}`)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := len(m.Get().Selectors); got != 2 {
		t.Errorf("Expected 2 selectors after refresh, got %d", got)
	}

	// Initial load + refresh
	if stats := m.Stats(); stats.ReloadCount != 2 {
		t.Errorf("Expected ReloadCount = 2, got %d", stats.ReloadCount)
	}
}

func TestManager_Refresh_InvalidFileKeepsPrevious(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeFile(t, tmpFile, `{"classes": [`)
	if err := m.Refresh(context.Background()); err == nil {
		t.Error("Expected Refresh() to fail with invalid JSON")
	}

	if m.Get().Selectors[0] != "#file-banner" {
		t.Errorf("Expected previous ruleset to be preserved, got %v", m.Get().Selectors)
	}
	if m.Stats().LastError == nil {
		t.Error("Expected LastError to be set")
	}
}

func TestManager_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(remoteRuleset))
	}))
	defer server.Close()

	m, err := NewManager(context.Background(), Options{RemoteURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Source() != SourceRemote {
		t.Fatalf("Source() = %q, want %q", m.Source(), SourceRemote)
	}
	rules := m.Get()
	if rules.Version != "5" {
		t.Errorf("Version = %q, want 5", rules.Version)
	}
	if len(rules.CommonWords) != 1 || rules.CommonWords[0] != "cookies" {
		t.Errorf("CommonWords = %v, want [cookies]", rules.CommonWords)
	}
	if stats := m.Stats(); stats.RemoteSuccesses != 1 {
		t.Errorf("RemoteSuccesses = %d, want 1", stats.RemoteSuccesses)
	}
}

func TestManager_RemoteFailureServesEmptyAndRetries(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(remoteRuleset))
	}))
	defer server.Close()

	m, err := NewManager(context.Background(), Options{RemoteURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Loaded() {
		t.Error("Expected manager to be unloaded after failed fetch")
	}
	if m.Source() != SourceEmpty {
		t.Errorf("Source() = %q, want %q", m.Source(), SourceEmpty)
	}
	if m.Get().HasRules() {
		t.Error("Expected empty ruleset after failed fetch")
	}

	healthy.Store(true)
	rules := m.Ensure(context.Background())
	if !rules.HasRules() {
		t.Error("Expected Ensure() to refetch after a failure")
	}

	before := hits.Load()
	m.Ensure(context.Background())
	if hits.Load() != before {
		t.Error("Ensure() should not refetch once loaded")
	}
}

func TestManager_RemoteMalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"selectors": [".x"]}`))
	}))
	defer server.Close()

	m, err := NewManager(context.Background(), Options{RemoteURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Get().HasRules() {
		t.Error("Expected empty ruleset for a payload missing required fields")
	}
	if m.Stats().LastRemoteErrorStr == "" {
		t.Error("Expected LastRemoteErrorStr to be set")
	}
}

func TestManager_FileTakesPriorityOverRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(remoteRuleset))
	}))
	defer server.Close()

	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile, RemoteURL: server.URL})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Source() != SourceFile {
		t.Errorf("Source() = %q, want %q", m.Source(), SourceFile)
	}
}

func TestManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping hot-reload test in short mode")
	}

	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile, HotReload: true})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	writeFile(t, tmpFile, `{"classes":["a"],"selectors":["#reloaded"],"commonWords":[],"fixes":[],"skips":{}}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get().Selectors[0] == "#reloaded" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("Expected hot-reload to pick up #reloaded, got %v", m.Get().Selectors)
}

func TestManager_Close(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "ruleset.json")
	writeFile(t, tmpFile, fileRuleset)

	m, err := NewManager(context.Background(), Options{Path: tmpFile, HotReload: true})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestManager_CloseCancelsPeriodicFetch(t *testing.T) {
	var requests atomic.Int32
	stalled := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(remoteRuleset))
			return
		}
		if n == 2 {
			close(stalled)
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	m, err := NewManager(context.Background(), Options{
		RemoteURL:       server.URL,
		RefreshInterval: 20 * time.Millisecond,
		FetchTimeout:    time.Minute,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	select {
	case <-stalled:
	case <-time.After(5 * time.Second):
		m.Close()
		t.Fatal("Periodic refresh never started")
	}

	start := time.Now()
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Close() took %v with a fetch in flight", elapsed)
	}

	if m.Source() != SourceRemote || m.Get().Version != "5" {
		t.Errorf("Cancelled refresh should keep the previous ruleset, got source %q", m.Source())
	}
	if stats := m.Stats(); stats.RemoteFailures != 0 {
		t.Errorf("RemoteFailures = %d, cancelled fetches should not count", stats.RemoteFailures)
	}
}
