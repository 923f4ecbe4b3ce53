package state

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cookiesweep/cookiesweep/internal/ruleset"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

func newManager(t *testing.T, opts ruleset.Options) *ruleset.Manager {
	t.Helper()
	m, err := ruleset.NewManager(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCache_HostnameStateDefaults(t *testing.T) {
	c := NewCache(nil, nil)

	if !c.HostnameState("example.com").Enabled {
		t.Error("Unknown hosts should be enabled")
	}
	if err := c.SetHostnameState("Example.COM", false); err != nil {
		t.Fatalf("SetHostnameState() error = %v", err)
	}
	if c.HostnameState("example.com").Enabled {
		t.Error("Expected example.com to be disabled")
	}
	if !c.HostnameState("other.com").Enabled {
		t.Error("Other hosts should stay enabled")
	}
}

func TestCache_SetHostnameStateRequiresHost(t *testing.T) {
	c := NewCache(nil, NewMemoryStore())
	if err := c.SetHostnameState("  ", false); !errors.Is(err, types.ErrHostnameRequired) {
		t.Errorf("SetHostnameState(\"\") error = %v, want ErrHostnameRequired", err)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	c := NewCache(nil, NewFileStore(path))
	if err := c.SetHostnameState("example.com", false); err != nil {
		t.Fatalf("SetHostnameState() error = %v", err)
	}
	if err := c.SetHostnameState("news.example.org", true); err != nil {
		t.Fatalf("SetHostnameState() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "example.com") {
		t.Errorf("State file missing host: %s", data)
	}

	reloaded := NewCache(nil, NewFileStore(path))
	if reloaded.HostnameState("example.com").Enabled {
		t.Error("Expected persisted disabled state after reload")
	}
	if !reloaded.HostnameState("news.example.org").Enabled {
		t.Error("Expected persisted enabled state after reload")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the state file, found %d entries", len(entries))
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing.yaml"))
	hosts, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(hosts) != 0 {
		t.Errorf("Load() = %v, want empty", hosts)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("hosts: [not, a, map"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path).Load(); err == nil {
		t.Error("Load() error = nil, want parse error")
	}

	c := NewCache(nil, NewFileStore(path))
	if !c.HostnameState("example.com").Enabled {
		t.Error("Corrupt state should fall back to enabled")
	}
}

func TestCache_PersistFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache(nil, NewFileStore(filepath.Join(blocker, "state.yaml")))
	err := c.SetHostnameState("example.com", false)
	if !errors.Is(err, types.ErrStatePersist) {
		t.Errorf("SetHostnameState() error = %v, want ErrStatePersist", err)
	}
	if c.HostnameState("example.com").Enabled {
		t.Error("In-memory state should be kept when persisting fails")
	}
}

func TestMemoryStore_Copies(t *testing.T) {
	s := NewMemoryStore()
	hosts := map[string]HostnameState{"a.com": {Enabled: false}}
	if err := s.Save(hosts); err != nil {
		t.Fatal(err)
	}
	hosts["b.com"] = HostnameState{Enabled: true}

	loaded, _ := s.Load()
	if len(loaded) != 1 {
		t.Errorf("Store should not alias the saved map, got %v", loaded)
	}
}

func TestCache_DataWithoutManager(t *testing.T) {
	c := NewCache(nil, nil)
	if !c.Data(context.Background()).IsEmpty() {
		t.Error("Expected empty ruleset without a manager")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh() error = %v", err)
	}
}

func TestCache_DataEmbedded(t *testing.T) {
	c := NewCache(newManager(t, ruleset.Options{}), nil)
	data := c.Data(context.Background())
	if !data.HasRules() {
		t.Error("Expected embedded ruleset to carry rules")
	}
}

func TestCache_DataRetriesAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"classes":["no-scroll"],"selectors":["#consent"],"commonWords":["cookie"],"fixes":[],"skips":{"domains":[],"tags":["SCRIPT"]}}`))
	}))
	defer srv.Close()

	c := NewCache(newManager(t, ruleset.Options{RemoteURL: srv.URL}), nil)

	if !c.Data(context.Background()).IsEmpty() {
		t.Fatal("Expected empty ruleset while the remote is failing")
	}

	fail.Store(false)
	data := c.Data(context.Background())
	if data.IsEmpty() {
		t.Fatal("Expected Data() to retry the fetch and return rules")
	}
	if len(data.Selectors) != 1 || data.Selectors[0] != "#consent" {
		t.Errorf("Selectors = %v", data.Selectors)
	}

	before := hits.Load()
	c.Data(context.Background())
	if hits.Load() != before {
		t.Error("Data() should not refetch once loaded")
	}
}

func TestCache_HostnameKeysNormalized(t *testing.T) {
	c := NewCache(nil, NewMemoryStore())
	if err := c.SetHostnameState("www.Example.com", false); err != nil {
		t.Fatalf("SetHostnameState() error = %v", err)
	}

	for _, host := range []string{"example.com", "www.example.com", "EXAMPLE.COM."} {
		if c.HostnameState(host).Enabled {
			t.Errorf("HostnameState(%q) should be disabled", host)
		}
	}
	hosts := c.Hosts()
	if _, ok := hosts["example.com"]; !ok || len(hosts) != 1 {
		t.Errorf("Hosts() = %v, want a single example.com entry", hosts)
	}
}

// blockingStore holds the first Save until release is closed.
type blockingStore struct {
	*MemoryStore
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(hosts map[string]HostnameState) error {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.Save(hosts)
}

func TestCache_ConcurrentSavesKeepNewest(t *testing.T) {
	store := &blockingStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := NewCache(nil, store)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.SetHostnameState("a.com", false)
	}()
	<-store.entered

	go func() {
		defer wg.Done()
		_ = c.SetHostnameState("b.com", false)
	}()
	// Give the second call time to overtake the stalled first save.
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(saved) != 2 {
		t.Errorf("Persisted %v, want both a.com and b.com", saved)
	}
}
