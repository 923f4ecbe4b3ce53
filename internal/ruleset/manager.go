package ruleset

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

// Maximum size for a remote ruleset response (10MB)
const maxRemoteResponseSize = 10 * 1024 * 1024

const defaultFetchTimeout = 30 * time.Second

// Ruleset sources, in increasing precedence.
const (
	SourceEmpty    = "empty"
	SourceEmbedded = "embedded"
	SourceRemote   = "remote"
	SourceFile     = "file"
)

//go:embed default_ruleset.json
var defaultRuleset []byte

var (
	embeddedOnce sync.Once
	embedded     *Ruleset
)

// Embedded returns the compiled-in default ruleset.
func Embedded() *Ruleset {
	embeddedOnce.Do(func() {
		r, err := Decode(defaultRuleset)
		if err != nil {
			log.Error().Err(err).Msg("Failed to decode embedded ruleset, using empty ruleset")
			r = Empty()
		}
		embedded = r
	})
	return embedded
}

// Options configures a Manager.
type Options struct {
	// Path is an optional local override file (.json, .yaml or .yml).
	Path      string
	HotReload bool

	// RemoteURL is fetched on start and on every explicit refresh.
	RemoteURL       string
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
}

// ReloadStats contains statistics about ruleset loads.
type ReloadStats struct {
	Source             string    `json:"source"`
	Loaded             bool      `json:"loaded"`
	Summary            string    `json:"summary"`
	LastReloadTime     time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount        int64     `json:"reloadCount"`
	LastError          error     `json:"-"`
	LastErrorStr       string    `json:"lastError,omitempty"`
	RemoteSuccesses    int64     `json:"remoteSuccesses,omitempty"`
	RemoteFailures     int64     `json:"remoteFailures,omitempty"`
	LastRemoteFetch    time.Time `json:"lastRemoteFetch,omitempty"`
	LastRemoteError    error     `json:"-"`
	LastRemoteErrorStr string    `json:"lastRemoteError,omitempty"`
}

type snapshot struct {
	rules  *Ruleset
	source string
	loaded bool
}

// Manager resolves the active ruleset from a local file, a remote URL and
// the embedded defaults, in that order of precedence. Reads are lock-free.
//
// When a remote URL is configured and no local file is in effect, a failed
// or malformed fetch publishes the empty ruleset and leaves the manager
// unloaded so the next Ensure tries again.
type Manager struct {
	embedded *Ruleset
	current  atomic.Pointer[snapshot]

	path      string
	remoteURL string
	timeout   time.Duration
	interval  time.Duration
	client    *resty.Client

	mu     sync.Mutex // protects the fields below and serialises reloads
	file   *Ruleset
	remote *Ruleset
	stats  ReloadStats
	closed bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a Manager and performs the initial load. Load failures
// are logged, never returned: the manager always has a ruleset to serve.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	m := &Manager{
		embedded:  Embedded(),
		path:      opts.Path,
		remoteURL: opts.RemoteURL,
		timeout:   opts.FetchTimeout,
		interval:  opts.RefreshInterval,
		stopCh:    make(chan struct{}),
	}
	if m.timeout <= 0 {
		m.timeout = defaultFetchTimeout
	}
	if m.remoteURL != "" {
		m.client = resty.New().
			SetTimeout(m.timeout).
			SetHeader("User-Agent", version.UserAgent).
			SetHeader("Accept", "application/json, application/yaml, */*")
	}

	m.mu.Lock()
	m.publishLocked()
	m.mu.Unlock()

	if m.path != "" {
		if err := m.reloadFile(); err != nil {
			log.Warn().
				Err(err).
				Str("path", m.path).
				Msg("Failed to load ruleset file, falling back")
		} else {
			log.Info().Str("path", m.path).Msg("Loaded ruleset file")
		}

		if opts.HotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.path).
					Msg("Failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().Str("path", m.path).Msg("Hot-reload enabled for ruleset file")
			}
		}
	}

	if m.remoteURL != "" {
		if err := m.fetchRemote(ctx); err != nil {
			log.Warn().
				Err(err).
				Str("url", m.remoteURL).
				Msg("Initial ruleset fetch failed")
		}
		m.startRemoteRefresh()
	}

	return m, nil
}

// Get returns the active ruleset. Safe for concurrent use.
func (m *Manager) Get() *Ruleset {
	return m.current.Load().rules
}

// Source returns where the active ruleset came from.
func (m *Manager) Source() string {
	return m.current.Load().source
}

// Loaded reports whether the active ruleset is the result of a successful
// load rather than a fetch failure.
func (m *Manager) Loaded() bool {
	return m.current.Load().loaded
}

// Ensure returns the active ruleset, fetching it first if the previous
// attempt failed.
func (m *Manager) Ensure(ctx context.Context) *Ruleset {
	if m.Loaded() || m.remoteURL == "" {
		return m.Get()
	}
	if err := m.fetchRemote(ctx); err != nil {
		log.Debug().Err(err).Msg("On-demand ruleset fetch failed")
	}
	return m.Get()
}

// Refresh reloads the local file and refetches the remote ruleset. The
// active ruleset is always replaced by the best available source; the
// returned error only describes what failed.
func (m *Manager) Refresh(ctx context.Context) error {
	var errs []error
	if m.path != "" {
		if err := m.reloadFile(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.remoteURL != "" {
		if err := m.fetchRemote(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	snap := m.current.Load()
	stats.Source = snap.source
	stats.Loaded = snap.loaded
	stats.Summary = snap.rules.Summary()
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	if stats.LastRemoteError != nil {
		stats.LastRemoteErrorStr = stats.LastRemoteError.Error()
	}
	return stats
}

// Close stops the file watcher and refresh loop. Safe to call multiple
// times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// publishLocked picks the highest-precedence ruleset available.
// Must be called with m.mu held.
func (m *Manager) publishLocked() {
	var next snapshot
	switch {
	case m.file != nil:
		next = snapshot{rules: m.file, source: SourceFile, loaded: true}
	case m.remoteURL == "":
		next = snapshot{rules: m.embedded, source: SourceEmbedded, loaded: true}
	case m.remote != nil:
		next = snapshot{rules: m.remote, source: SourceRemote, loaded: true}
	default:
		next = snapshot{rules: Empty(), source: SourceEmpty, loaded: false}
	}

	prev := m.current.Load()
	m.current.Store(&next)
	if prev == nil || prev.rules != next.rules {
		log.Debug().
			Str("source", next.source).
			Str("rules", next.rules.Summary()).
			Msg("Active ruleset changed")
	}
}

// reloadFile re-reads the local override file. On failure the previous
// file ruleset stays in effect.
func (m *Manager) reloadFile() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules, err := loadFile(m.path)
	if err != nil {
		m.stats.LastError = err
		metrics.RecordRulesetLoad(SourceFile, false)
		return err
	}

	m.file = rules
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil
	m.publishLocked()
	metrics.RecordRulesetLoad(SourceFile, true)

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Str("rules", rules.Summary()).
		Msg("Ruleset file reloaded")
	return nil
}

func loadFile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return Decode(data)
	}
}

// fetchRemote downloads the remote ruleset. Failure clears the remote
// ruleset so the empty ruleset is served until a fetch succeeds.
func (m *Manager) fetchRemote(ctx context.Context) error {
	rules, err := m.download(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRemoteFetch = time.Now()
	if err != nil {
		m.stats.RemoteFailures++
		m.stats.LastRemoteError = err
		m.remote = nil
		m.publishLocked()
		metrics.RecordRulesetLoad(SourceRemote, false)
		return err
	}

	m.remote = rules
	m.stats.RemoteSuccesses++
	m.stats.LastRemoteError = nil
	m.publishLocked()
	metrics.RecordRulesetLoad(SourceRemote, true)

	if m.file != nil {
		log.Debug().Str("url", m.remoteURL).Msg("Remote ruleset fetched but file ruleset takes priority")
	} else {
		log.Info().Str("url", m.remoteURL).Str("rules", rules.Summary()).Msg("Loaded ruleset from remote URL")
	}
	return nil
}

func (m *Manager) download(ctx context.Context) (*Ruleset, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(m.remoteURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ruleset: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	data, err := io.ReadAll(io.LimitReader(body, maxRemoteResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset response: %w", err)
	}

	rules, err := Decode(data)
	if err != nil {
		if yamlRules, yamlErr := DecodeYAML(data); yamlErr == nil {
			return yamlRules, nil
		}
		return nil, fmt.Errorf("failed to parse remote ruleset: %w", err)
	}
	return rules, nil
}

// startRemoteRefresh starts the periodic refresh loop. A failed periodic
// fetch keeps the previous remote ruleset.
func (m *Manager) startRemoteRefresh() {
	if m.interval <= 0 {
		return
	}

	// Downloads in flight are cancelled when the manager closes.
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(m.interval)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		<-m.stopCh
		cancel()
	}()
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		log.Info().
			Str("url", m.remoteURL).
			Dur("interval", m.interval).
			Msg("Started ruleset refresh loop")

		for {
			select {
			case <-m.stopCh:
				log.Debug().Msg("Ruleset refresh loop stopped")
				return
			case <-ticker.C:
				m.refreshPeriodic(ctx)
			}
		}
	}()
}

func (m *Manager) refreshPeriodic(ctx context.Context) {
	rules, err := m.download(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRemoteFetch = time.Now()
	if err != nil {
		m.stats.RemoteFailures++
		m.stats.LastRemoteError = err
		metrics.RecordRulesetLoad(SourceRemote, false)
		log.Warn().
			Err(err).
			Str("url", m.remoteURL).
			Int64("failures", m.stats.RemoteFailures).
			Msg("Periodic ruleset fetch failed, keeping previous ruleset")
		return
	}

	m.remote = rules
	m.stats.RemoteSuccesses++
	m.stats.LastRemoteError = nil
	m.publishLocked()
	metrics.RecordRulesetLoad(SourceRemote, true)
}

// startWatcher starts the file watcher for hot-reload.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile coalesces bursts of file events into a single reload.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Ruleset file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.reloadFile(); err != nil {
					log.Warn().
						Err(err).
						Str("path", m.path).
						Msg("Hot-reload failed, keeping previous ruleset")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
