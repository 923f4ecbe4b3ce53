// Package state serves the ruleset and per-hostname flags to page
// sessions.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/consent"
	"github.com/cookiesweep/cookiesweep/internal/ruleset"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

// Cache holds the ruleset manager and the hostname state map. Safe for
// concurrent use.
type Cache struct {
	rules *ruleset.Manager
	store Store

	mu    sync.RWMutex
	hosts map[string]HostnameState

	// saveMu orders snapshots with their writes so the newest map wins.
	saveMu sync.Mutex
}

// NewCache creates a Cache. A store that fails to load is logged and
// treated as empty: every host is enabled.
func NewCache(rules *ruleset.Manager, store Store) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	hosts, err := store.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load hostname state, starting with every host enabled")
		hosts = map[string]HostnameState{}
	}

	log.Info().
		Int("hosts", len(hosts)).
		Msg("State cache initialized")

	return &Cache{
		rules: rules,
		store: store,
		hosts: hosts,
	}
}

// Data returns the cached ruleset, fetching it again if the previous
// attempt failed. It never fails: without data the empty ruleset is
// returned.
func (c *Cache) Data(ctx context.Context) *ruleset.Ruleset {
	if c.rules == nil {
		return ruleset.Empty()
	}
	return c.rules.Ensure(ctx)
}

// Refresh re-reads every ruleset source.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.rules == nil {
		return nil
	}
	return c.rules.Refresh(ctx)
}

// HostnameState returns the flags for hostname. Unknown hosts are enabled.
func (c *Cache) HostnameState(hostname string) HostnameState {
	key := hostKey(hostname)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.hosts[key]; ok {
		return st
	}
	return HostnameState{Enabled: true}
}

// SetHostnameState stores the flags for hostname and persists the map.
// The in-memory value is kept even if persisting fails.
func (c *Cache) SetHostnameState(hostname string, enabled bool) error {
	key := hostKey(hostname)
	if key == "" {
		return types.ErrHostnameRequired
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	c.hosts[key] = HostnameState{Enabled: enabled}
	snapshot := copyHosts(c.hosts)
	c.mu.Unlock()

	log.Debug().
		Str("hostname", key).
		Bool("enabled", enabled).
		Msg("Hostname state updated")

	if err := c.store.Save(snapshot); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStatePersist, err)
	}
	return nil
}

// Hosts returns a copy of every stored hostname state.
func (c *Cache) Hosts() map[string]HostnameState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyHosts(c.hosts)
}

// hostKey maps hostname to the key pages use, so "www.example.com" and
// "example.com" share one entry.
func hostKey(hostname string) string {
	return consent.NormalizeHostname(hostname)
}
