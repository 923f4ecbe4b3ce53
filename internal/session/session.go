// Package session manages open pages: parsed documents with a running
// consent watcher, addressed by ID across requests.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cookiesweep/cookiesweep/internal/config"
	"github.com/cookiesweep/cookiesweep/internal/consent"
	"github.com/cookiesweep/cookiesweep/internal/dom"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

var errManagerClosed = errors.New("page manager is closed")

// Page is one open document and its engine. Every operation on Doc or
// Watcher must run inside Do.
type Page struct {
	ID        string
	URL       string
	Hostname  string
	Doc       *dom.Document
	Watcher   *consent.Watcher
	CreatedAt time.Time

	badge        atomic.Int64
	iconEnabled  atomic.Bool
	popupEnabled atomic.Bool
	lastUsed     atomic.Int64 // Unix nano timestamp for lock-free access
	mu           sync.Mutex   // serialises engine access
}

// Do runs fn with the page locked.
func (p *Page) Do(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Touch()
	return fn()
}

// Badge returns the last badge value.
func (p *Page) Badge() int {
	return int(p.badge.Load())
}

// SetBadge stores the badge value.
func (p *Page) SetBadge(n int) {
	p.badge.Store(int64(n))
}

// IconEnabled reports the toolbar icon state.
func (p *Page) IconEnabled() bool {
	return p.iconEnabled.Load()
}

// SetIconEnabled sets the toolbar icon state.
func (p *Page) SetIconEnabled(enabled bool) {
	p.iconEnabled.Store(enabled)
}

// PopupEnabled reports whether the popup is available.
func (p *Page) PopupEnabled() bool {
	return p.popupEnabled.Load()
}

// SetPopupEnabled sets whether the popup is available.
func (p *Page) SetPopupEnabled(enabled bool) {
	p.popupEnabled.Store(enabled)
}

// Info describes the page. It locks the page.
func (p *Page) Info() types.PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked()
}

func (p *Page) infoLocked() types.PageInfo {
	info := types.PageInfo{
		ID:           p.ID,
		URL:          p.URL,
		Hostname:     p.Hostname,
		Badge:        p.Badge(),
		IconEnabled:  p.IconEnabled(),
		PopupEnabled: p.PopupEnabled(),
		CreatedAt:    p.CreatedAt.UnixMilli(),
	}
	if p.Watcher != nil {
		info.Hidden = p.Watcher.Session().Count()
		info.Enabled = p.Watcher.Enabled()
		info.Preview = p.Watcher.Preview()
		info.State = p.Watcher.State().String()
	}
	return info
}

// Touch updates the LastUsed timestamp for a page atomically.
func (p *Page) Touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns the last used time as a time.Time.
func (p *Page) LastUsedTime() time.Time {
	return time.Unix(0, p.lastUsed.Load())
}

func (p *Page) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Watcher != nil {
		p.Watcher.Stop()
	}
}

// Manager handles page lifecycle and cleanup.
// It maintains a map of open pages and periodically closes idle ones.
type Manager struct {
	mu     sync.RWMutex
	pages  map[string]*Page
	config *config.Config
	stopCh chan struct{}
	wg     sync.WaitGroup // Track background goroutines for clean shutdown
	closed atomic.Bool
}

// NewManager creates a new page manager.
// It starts a background goroutine for page cleanup.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		pages:  make(map[string]*Page),
		config: cfg,
		stopCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupRoutine()
	}()

	log.Info().
		Dur("ttl", cfg.PageTTL).
		Dur("cleanup_interval", cfg.PageCleanupInterval).
		Int("max_pages", cfg.MaxPages).
		Msg("Page manager initialized")

	return m
}

// Create registers a page for doc and its watcher. A random ID is assigned
// when id is empty.
func (m *Manager) Create(id, rawURL string, doc *dom.Document, w *consent.Watcher) (*Page, error) {
	if id == "" {
		generated, err := security.GeneratePageID()
		if err != nil {
			return nil, types.NewPageError("open", "", err)
		}
		id = generated
	} else if msg := security.ValidatePageID(id); msg != "" {
		return nil, types.NewPageError("open", id, fmt.Errorf("%w: %s", types.ErrInvalidPageID, msg))
	}

	m.mu.Lock()
	if m.pages == nil {
		m.mu.Unlock()
		return nil, types.NewPageError("open", id, errManagerClosed)
	}
	if _, exists := m.pages[id]; exists {
		m.mu.Unlock()
		return nil, types.NewPageError("open", id, types.ErrPageExists)
	}
	if len(m.pages) >= m.config.MaxPages {
		m.mu.Unlock()
		return nil, types.ErrTooManyPages
	}

	now := time.Now()
	page := &Page{
		ID:        id,
		URL:       rawURL,
		Doc:       doc,
		Watcher:   w,
		CreatedAt: now,
	}
	if w != nil {
		page.Hostname = w.Hostname()
	}
	page.lastUsed.Store(now.UnixNano())
	m.pages[id] = page
	count := len(m.pages)
	m.mu.Unlock()

	metrics.UpdatePageMetrics(count)

	log.Info().
		Str("page_id", id).
		Str("hostname", page.Hostname).
		Int("total_pages", count).
		Msg("Page opened")

	return page, nil
}

// Get retrieves a page by ID.
// Returns ErrPageNotFound if the page doesn't exist.
func (m *Manager) Get(id string) (*Page, error) {
	m.mu.RLock()
	page, exists := m.pages[id]
	m.mu.RUnlock()

	if !exists {
		return nil, types.ErrPageNotFound
	}

	page.Touch()
	return page, nil
}

// Destroy stops a page's watcher and removes it.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	page, exists := m.pages[id]
	if exists {
		delete(m.pages, id)
	}
	count := len(m.pages)
	m.mu.Unlock()

	if !exists {
		return types.ErrPageNotFound
	}

	page.close()
	metrics.UpdatePageMetrics(count)

	log.Info().
		Str("page_id", id).
		Dur("lifetime", time.Since(page.CreatedAt)).
		Msg("Page closed")

	return nil
}

// List returns every open page, oldest first.
func (m *Manager) List() []*Page {
	m.mu.RLock()
	pages := make([]*Page, 0, len(m.pages))
	for _, page := range m.pages {
		pages = append(pages, page)
	}
	m.mu.RUnlock()

	sort.Slice(pages, func(i, j int) bool {
		if pages[i].CreatedAt.Equal(pages[j].CreatedAt) {
			return pages[i].ID < pages[j].ID
		}
		return pages[i].CreatedAt.Before(pages[j].CreatedAt)
	})
	return pages
}

// Count returns the number of open pages.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}

// cleanupRoutine periodically removes idle pages.
func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.PageCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// cleanupExpired removes pages that have exceeded their TTL.
// Pages are collected under the lock and stopped outside it.
func (m *Manager) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Page
	for id, page := range m.pages {
		if now.Sub(page.LastUsedTime()) > m.config.PageTTL {
			expired = append(expired, page)
			delete(m.pages, id)
		}
	}
	remaining := len(m.pages)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	closeAll(expired, "Page expired and closed")
	metrics.UpdatePageMetrics(remaining)

	log.Debug().
		Int("expired_count", len(expired)).
		Int("remaining", remaining).
		Msg("Page cleanup completed")
}

// Close shuts down the manager and stops every page. Safe to call
// multiple times.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	pages := make([]*Page, 0, len(m.pages))
	for _, page := range m.pages {
		pages = append(pages, page)
	}
	m.pages = nil
	m.mu.Unlock()

	closeAll(pages, "Page closed during shutdown")
	metrics.UpdatePageMetrics(0)

	log.Info().Msg("Page manager closed")
	return nil
}

func closeAll(pages []*Page, msg string) {
	eg := new(errgroup.Group)
	eg.SetLimit(4) // Limit concurrent teardowns

	for _, page := range pages {
		eg.Go(func() error {
			page.close()
			log.Debug().
				Str("page_id", page.ID).
				Dur("lifetime", time.Since(page.CreatedAt)).
				Msg(msg)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("Page teardown encountered errors")
	}
}
