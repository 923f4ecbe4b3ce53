// Package browser renders pages in a pool of reusable headless browsers.
// Rendering is optional: the engine works on any HTML, the pool only
// supplies the post-script document for a URL.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cookiesweep/cookiesweep/internal/config"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/types"
)

// maxBrowserAge is how long a browser is reused before it is recycled.
const maxBrowserAge = 30 * time.Minute

// Pool manages a fixed set of browser instances reused across renders.
//
// Lock ordering: mu must be acquired before any browser entry locks.
// Never hold mu while performing slow I/O operations.
type Pool struct {
	mu        sync.Mutex
	browsers  []*browserEntry
	available chan *rod.Browser
	config    *config.Config
	closed    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	availableCount atomic.Int32
	stats          PoolStats
}

// browserEntry tracks metadata for each browser in the pool.
type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// PoolStats provides statistics about pool usage.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// NewPool launches cfg.BrowserPoolSize browsers. It blocks until all of
// them are ready; on any failure the started ones are closed.
func NewPool(cfg *config.Config) (*Pool, error) {
	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Initializing browser pool")

	pool := &Pool{
		config:    cfg,
		available: make(chan *rod.Browser, cfg.BrowserPoolSize),
		browsers:  make([]*browserEntry, 0, cfg.BrowserPoolSize),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.BrowserPoolSize; i++ {
		browser, err := pool.spawnBrowser(context.Background())
		if err != nil {
			log.Error().Err(err).Int("browser_index", i).Msg("Failed to spawn browser during pool initialization")
			if closeErr := pool.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close pool during cleanup")
			}
			return nil, fmt.Errorf("failed to spawn browser %d: %w", i, err)
		}

		pool.browsers = append(pool.browsers, &browserEntry{browser: browser, createdAt: time.Now()})
		pool.available <- browser
	}
	pool.availableCount.Store(int32(cfg.BrowserPoolSize))
	metrics.UpdatePoolMetrics(cfg.BrowserPoolSize, cfg.BrowserPoolSize)

	pool.wg.Add(1)
	go func() {
		defer pool.wg.Done()
		pool.healthCheckRoutine()
	}()

	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Msg("Browser pool initialized successfully")

	return pool, nil
}

// createLauncher builds a launcher for one browser process. Launchers can
// only launch once.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.config.BrowserPath != "" {
		l = l.Bin(p.config.BrowserPath)
	}

	if p.config.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu-sandbox")

	// The engine's viewport height decides which banners count as visible,
	// so the rendered window uses the same height.
	l = l.Set("window-size", "1280,"+strconv.Itoa(p.config.ViewportHeight))

	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("accept-lang", "en-US,en;q=0.9")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("js-flags", "--max-old-space-size=256")

	return l
}

// spawnBrowser launches and connects a new browser instance.
func (p *Pool) spawnBrowser(ctx context.Context) (*rod.Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	controlURL, err := p.createLauncher().Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", controlURL).Msg("Browser spawned successfully")
	return browser, nil
}

// Acquire obtains a browser from the pool.
// It blocks until a browser is available, the context is canceled,
// or the pool timeout is reached. The caller MUST call Release.
func (p *Pool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	const maxRetries = 3

	timer := time.NewTimer(p.config.BrowserPoolTimeout)
	defer timer.Stop()

	for retry := 0; retry < maxRetries; retry++ {
		select {
		case browser, ok := <-p.available:
			if !ok || p.closed.Load() {
				if browser != nil {
					_ = browser.Close()
				}
				return nil, types.ErrBrowserPoolClosed
			}
			p.stats.Acquired.Add(1)

			if !p.isHealthy(browser) {
				log.Warn().Int("retry", retry).Msg("Acquired unhealthy browser, recycling")
				p.stats.Errors.Add(1)
				p.availableCount.Add(-1)
				go p.recycleBrowser(browser)
				continue
			}

			p.availableCount.Add(-1)
			p.updateMetrics()

			p.mu.Lock()
			for _, entry := range p.browsers {
				if entry.browser == browser {
					entry.useCount.Add(1)
					break
				}
			}
			p.mu.Unlock()

			return browser, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case <-timer.C:
			p.stats.Errors.Add(1)
			return nil, types.NewPoolAcquireError("timeout", types.ErrBrowserPoolTimeout)
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all browsers unhealthy after %d retries", types.ErrBrowserUnhealthy, maxRetries)
}

// Release closes the browser's pages and returns it to the pool. Safe to
// call on a nil browser.
func (p *Pool) Release(browser *rod.Browser) {
	if browser == nil {
		return
	}
	if p.closed.Load() {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser during release (pool closed)")
		}
		return
	}
	p.stats.Released.Add(1)

	pages, err := browser.Pages()
	cleanupFailed := err != nil
	for _, page := range pages {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close page during cleanup")
			cleanupFailed = true
		}
	}
	if cleanupFailed {
		log.Warn().Msg("Page cleanup failed, recycling browser instead of returning to pool")
		go p.recycleBrowser(browser)
		return
	}

	p.addBrowserToPool(browser)
}

// isHealthy checks if a browser is responsive and usable.
func (p *Pool) isHealthy(browser *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot create page")
		return false
	}
	if err := page.Close(); err != nil {
		log.Debug().Err(err).Msg("Browser health check failed: cannot close page")
		return false
	}
	return true
}

// recycleBrowser replaces a browser with a fresh one. Must not be called
// with p.mu held.
func (p *Pool) recycleBrowser(old *rod.Browser) {
	if p.closed.Load() {
		return
	}
	p.stats.Recycled.Add(1)

	if err := old.Close(); err != nil {
		log.Debug().Err(err).Msg("Error closing recycled browser")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	fresh, err := p.spawnBrowser(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		p.replaceEntry(old, nil)
		return
	}

	p.replaceEntry(old, &browserEntry{browser: fresh, createdAt: time.Now()})
	p.addBrowserToPool(fresh)

	log.Info().
		Int64("total_recycled", p.stats.Recycled.Load()).
		Msg("Browser recycled")
}

// addBrowserToPool returns a browser to the available channel, closing it
// if the pool is closed or full.
func (p *Pool) addBrowserToPool(browser *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser (pool was closed)")
		}
		return
	}

	select {
	case p.available <- browser:
		p.availableCount.Add(1)
		p.updateMetrics()
	default:
		log.Warn().Msg("Pool is full, closing excess browser")
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing excess browser")
		}
	}
}

// replaceEntry swaps old for entry in the tracking slice, or removes it
// when entry is nil.
func (p *Pool) replaceEntry(old *rod.Browser, entry *browserEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.browsers {
		if e.browser != old {
			continue
		}
		if entry != nil {
			p.browsers[i] = entry
			return
		}
		last := len(p.browsers) - 1
		p.browsers[i] = p.browsers[last]
		p.browsers = p.browsers[:last]
		return
	}
}

// healthCheckRoutine recycles browsers older than maxBrowserAge.
func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			var stale []*rod.Browser
			for _, entry := range p.browsers {
				if now.Sub(entry.createdAt) > maxBrowserAge {
					stale = append(stale, entry.browser)
				}
			}
			p.mu.Unlock()

			for _, b := range stale {
				log.Info().Msg("Recycling stale browser")
				p.recycleBrowser(b)
			}
		}
	}
}

func (p *Pool) updateMetrics() {
	metrics.UpdatePoolMetrics(p.Size(), p.Available())
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.config.BrowserPoolSize
}

// Available returns the number of browsers currently available in the pool.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// PoolStatsSnapshot holds a point-in-time snapshot of pool statistics.
type PoolStatsSnapshot struct {
	Size      int   `json:"size"`
	Available int   `json:"available"`
	Acquired  int64 `json:"acquired"`
	Released  int64 `json:"released"`
	Recycled  int64 `json:"recycled"`
	Errors    int64 `json:"errors"`
}

// Stats returns a snapshot of the current pool statistics.
func (p *Pool) Stats() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		Size:      p.Size(),
		Available: p.Available(),
		Acquired:  p.stats.Acquired.Load(),
		Released:  p.stats.Released.Load(),
		Recycled:  p.stats.Recycled.Load(),
		Errors:    p.stats.Errors.Load(),
	}
}

// Close shuts down the pool and every browser. Safe to call multiple
// times.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	p.mu.Unlock()

	log.Info().Msg("Closing browser pool")
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4) // Close up to 4 browsers concurrently
	for _, entry := range browsers {
		eg.Go(func() error {
			if err := entry.browser.Close(); err != nil {
				log.Warn().Err(err).Msg("Error closing browser during pool shutdown")
				return err
			}
			return nil
		})
	}
	closeErr := eg.Wait()

	// Drain the channel; its browsers were closed above.
	for range p.available {
	}

	metrics.UpdatePoolMetrics(0, 0)
	log.Info().
		Int64("total_acquired", p.stats.Acquired.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Int64("total_errors", p.stats.Errors.Load()).
		Msg("Browser pool closed")

	return closeErr
}
