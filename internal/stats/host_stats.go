// Package stats tracks per-hostname engine activity.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxHosts is the maximum number of hosts to track before LRU eviction.
const maxHosts = 10000

// evictionBatchSize is the number of hosts to evict at once to reduce eviction overhead.
const evictionBatchSize = 100

// Maximum counter value to prevent overflow
const maxCounterValue int64 = (1 << 62)

// Stale host cleanup defaults.
const (
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxAge          = 24 * time.Hour
)

// HostStats holds the counters for one hostname.
type HostStats struct {
	mu sync.RWMutex

	PagesOpened   int64
	DialogsHidden int64
	Runs          int64
	Restores      int64
	FixesApplied  int64
	FixesFailed   int64
	Badge         int

	LastActivity time.Time
	LastAccess   time.Time // For LRU eviction
}

// Snapshot is the JSON form of HostStats.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	PagesOpened   int64     `json:"pagesOpened"`
	DialogsHidden int64     `json:"dialogsHidden"`
	Runs          int64     `json:"runs"`
	Restores      int64     `json:"restores"`
	FixesApplied  int64     `json:"fixesApplied"`
	FixesFailed   int64     `json:"fixesFailed"`
	Badge         int       `json:"badge"`
	LastActivity  time.Time `json:"lastActivity"`
}

func (s *HostStats) snapshot(hostname string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Hostname:      hostname,
		PagesOpened:   s.PagesOpened,
		DialogsHidden: s.DialogsHidden,
		Runs:          s.Runs,
		Restores:      s.Restores,
		FixesApplied:  s.FixesApplied,
		FixesFailed:   s.FixesFailed,
		Badge:         s.Badge,
		LastActivity:  s.LastActivity,
	}
}

// Manager tracks statistics across hostnames.
type Manager struct {
	mu    sync.RWMutex
	hosts map[string]*HostStats

	maxAge time.Duration
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a stats manager with a background stale-host cleanup.
func NewManager() *Manager {
	m := &Manager{
		hosts:  make(map[string]*HostStats),
		maxAge: defaultMaxAge,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupRoutine(defaultCleanupInterval)

	return m
}

func (m *Manager) cleanupRoutine(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(m.maxAge)
		case <-m.stopCh:
			return
		}
	}
}

// cleanupStale removes host stats that haven't been accessed recently.
func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int

	for host, stats := range m.hosts {
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(m.hosts, host)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.hosts)).
			Msg("Cleaned up stale host stats")
	}
}

// Close stops the background cleanup routine. Safe to call multiple times.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// getOrCreate returns the stats for a host, creating if needed.
// Evicts the least recently used hosts when at capacity.
func (m *Manager) getOrCreate(host string) *HostStats {
	m.mu.Lock()

	stats, exists := m.hosts[host]
	if !exists {
		if len(m.hosts) >= maxHosts {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		stats = &HostStats{LastAccess: time.Now()}
		m.hosts[host] = stats
		m.mu.Unlock()
		return stats
	}

	// Release manager lock before acquiring stats lock to prevent nested lock
	m.mu.Unlock()

	stats.mu.Lock()
	stats.LastAccess = time.Now()
	stats.mu.Unlock()

	return stats
}

// evictOldestBatchLocked removes the N least recently accessed hosts.
// Must be called with m.mu held.
func (m *Manager) evictOldestBatchLocked(count int) {
	if count <= 0 || len(m.hosts) == 0 {
		return
	}

	if len(m.hosts) <= count {
		for host := range m.hosts {
			delete(m.hosts, host)
		}
		return
	}

	type hostTime struct {
		host       string
		lastAccess time.Time
	}
	candidates := make([]hostTime, 0, len(m.hosts))
	for host, stats := range m.hosts {
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()
		candidates = append(candidates, hostTime{host, lastAccess})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	for _, c := range candidates[:count] {
		delete(m.hosts, c.host)
	}
}

func (m *Manager) update(host string, fn func(*HostStats)) {
	if host == "" {
		return
	}
	stats := m.getOrCreate(host)
	stats.mu.Lock()
	fn(stats)
	stats.LastActivity = time.Now()
	stats.mu.Unlock()
}

func add(counter *int64, n int64) {
	if n <= 0 {
		return
	}
	if *counter > maxCounterValue-n {
		*counter = maxCounterValue
		return
	}
	*counter += n
}

// RecordPageOpened counts a new page session for host.
func (m *Manager) RecordPageOpened(host string) {
	m.update(host, func(s *HostStats) { add(&s.PagesOpened, 1) })
}

// RecordBadge stores the latest badge value for host. A rising badge also
// counts as newly hidden dialogs.
func (m *Manager) RecordBadge(host string, count int) {
	m.update(host, func(s *HostStats) {
		if count > s.Badge {
			add(&s.DialogsHidden, int64(count-s.Badge))
		}
		s.Badge = count
	})
}

// RecordRun counts a RUN command.
func (m *Manager) RecordRun(host string) {
	m.update(host, func(s *HostStats) { add(&s.Runs, 1) })
}

// RecordRestore counts a RESTORE command and clears the badge.
func (m *Manager) RecordRestore(host string) {
	m.update(host, func(s *HostStats) {
		add(&s.Restores, 1)
		s.Badge = 0
	})
}

// RecordFixes adds fix engine outcomes for host.
func (m *Manager) RecordFixes(host string, applied, failed int) {
	if applied <= 0 && failed <= 0 {
		return
	}
	m.update(host, func(s *HostStats) {
		add(&s.FixesApplied, int64(applied))
		add(&s.FixesFailed, int64(failed))
	})
}

// Get returns a snapshot for host.
func (m *Manager) Get(host string) (Snapshot, bool) {
	m.mu.RLock()
	stats, ok := m.hosts[host]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return stats.snapshot(host), true
}

// All returns snapshots for every tracked host, most recently active first.
func (m *Manager) All() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.hosts))
	for host, stats := range m.hosts {
		out = append(out, stats.snapshot(host))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Reset removes stats for host.
func (m *Manager) Reset(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, host)
}

// HostCount returns the number of tracked hosts.
func (m *Manager) HostCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}
