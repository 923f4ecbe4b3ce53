// Package config provides application configuration management.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/consent"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxPages        = 10000
	maxTimeout         = 10 * time.Minute
	maxRateLimitRPM    = 10000 // Maximum requests per minute per IP
	minAPIKeyLength    = 16    // Minimum API key length for security
	minRefreshInterval = time.Minute
	maxViewportHeight  = 20000
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Logging
	LogLevel string

	// Ruleset sources
	RulesetURL             string
	RulesetPath            string
	RulesetHotReload       bool
	RulesetRefreshInterval time.Duration // 0 disables periodic refresh

	// Hostname state persistence ("" keeps state in memory)
	StatePath string

	// Page sessions
	PageTTL             time.Duration
	PageCleanupInterval time.Duration
	MaxPages            int

	// Rendering
	RenderEnabled      bool
	Headless           bool
	BrowserPath        string
	BrowserPoolSize    int
	BrowserPoolTimeout time.Duration
	RenderTimeout      time.Duration
	FetchTimeout       time.Duration

	// Engine heuristics
	ViewportHeight       int
	MarkerAttribute      string
	BackdropSelector     string
	FakeDialogTags       []string
	FakeDialogMarkers    []string
	ClassifierExceptions []string

	// Report relay
	ReportTrackerURL   string
	ReportTrackerToken string
	ReportLabels       []string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int      // Requests per minute per IP
	TrustProxy         bool     // Trust X-Forwarded-For headers (only enable behind a reverse proxy)
	CORSAllowedOrigins []string // Allowed CORS origins; empty rejects cross-origin requests

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	defaults := consent.DefaultOptions()
	return &Config{
		// Server - default to localhost; set HOST=0.0.0.0 to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8192),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		RulesetURL:             getEnvString("RULESET_URL", ""),
		RulesetPath:            getEnvString("RULESET_PATH", ""),
		RulesetHotReload:       getEnvBool("RULESET_HOT_RELOAD", false),
		RulesetRefreshInterval: getEnvDuration("RULESET_REFRESH_INTERVAL", 0),

		StatePath: getEnvString("STATE_PATH", ""),

		PageTTL:             getEnvDuration("PAGE_TTL", 30*time.Minute),
		PageCleanupInterval: getEnvDuration("PAGE_CLEANUP_INTERVAL", 1*time.Minute),
		MaxPages:            getEnvInt("MAX_PAGES", 200),

		RenderEnabled:      getEnvBool("RENDER_ENABLED", false),
		Headless:           getEnvBool("HEADLESS", true),
		BrowserPath:        getEnvString("BROWSER_PATH", ""),
		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		RenderTimeout:      getEnvDuration("RENDER_TIMEOUT", 60*time.Second),
		FetchTimeout:       getEnvDuration("FETCH_TIMEOUT", 30*time.Second),

		ViewportHeight:       getEnvInt("VIEWPORT_HEIGHT", 800),
		MarkerAttribute:      getEnvString("MARKER_ATTRIBUTE", defaults.MarkerAttribute),
		BackdropSelector:     getEnvString("BACKDROP_SELECTOR", defaults.BackdropSelector),
		FakeDialogTags:       getEnvStringSlice("FAKE_DIALOG_TAGS", defaults.FakeDialogTags),
		FakeDialogMarkers:    getEnvStringSlice("FAKE_DIALOG_MARKERS", defaults.FakeDialogMarkers),
		ClassifierExceptions: getEnvStringSlice("CLASSIFIER_EXCEPTIONS", defaults.Exceptions),

		ReportTrackerURL:   getEnvString("REPORT_TRACKER_URL", ""),
		ReportTrackerToken: getEnvString("REPORT_TRACKER_TOKEN", ""),
		ReportLabels:       getEnvStringSlice("REPORT_LABELS", []string{"bug", "report"}),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9192),
	}
}

// EngineOptions returns the consent engine heuristics.
func (c *Config) EngineOptions() consent.Options {
	return consent.Options{
		MarkerAttribute:   c.MarkerAttribute,
		BackdropSelector:  c.BackdropSelector,
		FakeDialogTags:    c.FakeDialogTags,
		FakeDialogMarkers: c.FakeDialogMarkers,
		Exceptions:        c.ClassifierExceptions,
	}
}

// HasReportTracker returns true if bug reports are forwarded.
func (c *Config) HasReportTracker() bool {
	return c.ReportTrackerURL != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8192")
		c.Port = 8192
	}

	c.validateRuleset()
	c.validatePages()
	c.validateRender()
	c.validateEngine()

	if c.ReportTrackerURL != "" {
		if u, err := url.Parse(c.ReportTrackerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			log.Error().
				Str("url", c.ReportTrackerURL).
				Msg("REPORT_TRACKER_URL must be an http(s) URL, reports will be dropped")
			c.ReportTrackerURL = ""
		} else if c.ReportTrackerToken == "" {
			log.Warn().Msg("REPORT_TRACKER_URL set without REPORT_TRACKER_TOKEN - the tracker may reject reports")
		}
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().
				Int("rpm", c.RateLimitRPM).
				Int("max", maxRateLimitRPM).
				Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - allowing all origins (potential CSRF risk)")
	}

	if c.PrometheusEnabled && c.PrometheusPort == c.Port {
		log.Error().
			Int("port", c.PrometheusPort).
			Msg("PROMETHEUS_PORT conflicts with PORT, serving metrics on PORT+1")
		c.PrometheusPort = c.Port + 1
	}

	c.validateAPIKey()
}

func (c *Config) validateRuleset() {
	if c.RulesetURL != "" {
		if u, err := url.Parse(c.RulesetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			log.Error().
				Str("url", c.RulesetURL).
				Msg("RULESET_URL must be an http(s) URL, using embedded ruleset")
			c.RulesetURL = ""
		}
	}

	if c.RulesetRefreshInterval > 0 {
		if c.RulesetURL == "" {
			log.Warn().Msg("RULESET_REFRESH_INTERVAL set without RULESET_URL - periodic refresh disabled")
			c.RulesetRefreshInterval = 0
		} else if c.RulesetRefreshInterval < minRefreshInterval {
			log.Warn().
				Dur("interval", c.RulesetRefreshInterval).
				Dur("min", minRefreshInterval).
				Msg("Ruleset refresh interval too short, using minimum")
			c.RulesetRefreshInterval = minRefreshInterval
		}
	}

	if c.RulesetPath != "" {
		if strings.Contains(c.RulesetPath, "..") {
			log.Error().
				Str("path", c.RulesetPath).
				Msg("RulesetPath contains path traversal sequence (..), ignoring")
			c.RulesetPath = ""
		} else if c.RulesetHotReload {
			if _, err := os.Stat(c.RulesetPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.RulesetPath).
					Msg("RulesetPath does not exist - hot-reload will watch for file creation")
			}
		}
	}

	if c.RulesetHotReload && c.RulesetPath == "" {
		log.Warn().Msg("RULESET_HOT_RELOAD enabled but RULESET_PATH not set - hot-reload disabled")
		c.RulesetHotReload = false
	}

	if c.StatePath != "" && strings.Contains(c.StatePath, "..") {
		log.Error().
			Str("path", c.StatePath).
			Msg("StatePath contains path traversal sequence (..), keeping state in memory")
		c.StatePath = ""
	}
}

func (c *Config) validatePages() {
	if c.MaxPages < 1 {
		log.Warn().Int("max", c.MaxPages).Msg("Invalid max pages, using 200")
		c.MaxPages = 200
	} else if c.MaxPages > maxMaxPages {
		log.Warn().
			Int("pages", c.MaxPages).
			Int("max", maxMaxPages).
			Msg("Max pages too high, capping to maximum")
		c.MaxPages = maxMaxPages
	}

	const minPageTTL = 1 * time.Minute
	const maxPageTTL = 24 * time.Hour
	if c.PageTTL < minPageTTL {
		log.Warn().
			Dur("ttl", c.PageTTL).
			Dur("min", minPageTTL).
			Msg("Page TTL too short, using minimum")
		c.PageTTL = minPageTTL
	} else if c.PageTTL > maxPageTTL {
		log.Warn().
			Dur("ttl", c.PageTTL).
			Dur("max", maxPageTTL).
			Msg("Page TTL too long, using maximum")
		c.PageTTL = maxPageTTL
	}

	const minCleanupInterval = 10 * time.Second
	const maxCleanupInterval = 1 * time.Hour
	if c.PageCleanupInterval < minCleanupInterval {
		log.Warn().
			Dur("interval", c.PageCleanupInterval).
			Dur("min", minCleanupInterval).
			Msg("Page cleanup interval too short, using minimum")
		c.PageCleanupInterval = minCleanupInterval
	} else if c.PageCleanupInterval > maxCleanupInterval {
		log.Warn().
			Dur("interval", c.PageCleanupInterval).
			Dur("max", maxCleanupInterval).
			Msg("Page cleanup interval too long, using maximum")
		c.PageCleanupInterval = maxCleanupInterval
	}

	if c.PageCleanupInterval >= c.PageTTL {
		log.Warn().
			Dur("cleanup_interval", c.PageCleanupInterval).
			Dur("ttl", c.PageTTL).
			Msg("PAGE_CLEANUP_INTERVAL should be less than PAGE_TTL for timely cleanup")
	}
}

func (c *Config) validateRender() {
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("Invalid pool size, using default 2")
		c.BrowserPoolSize = 2
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().
			Int("size", c.BrowserPoolSize).
			Int("max", maxBrowserPoolSize).
			Msg("Pool size too large, capping to maximum")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	const minPoolTimeout = 1 * time.Second
	const maxPoolTimeout = 5 * time.Minute
	if c.BrowserPoolTimeout < minPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("min", minPoolTimeout).
			Msg("Browser pool timeout too short, using minimum")
		c.BrowserPoolTimeout = minPoolTimeout
	} else if c.BrowserPoolTimeout > maxPoolTimeout {
		log.Warn().
			Dur("timeout", c.BrowserPoolTimeout).
			Dur("max", maxPoolTimeout).
			Msg("Browser pool timeout too long, using maximum")
		c.BrowserPoolTimeout = maxPoolTimeout
	}

	c.RenderTimeout = clampTimeout("RENDER_TIMEOUT", c.RenderTimeout, 60*time.Second)
	c.FetchTimeout = clampTimeout("FETCH_TIMEOUT", c.FetchTimeout, 30*time.Second)
}

func clampTimeout(name string, value, fallback time.Duration) time.Duration {
	if value < time.Second {
		log.Warn().Str("setting", name).Dur("timeout", value).Dur("default", fallback).Msg("Timeout too short, using default")
		return fallback
	}
	if value > maxTimeout {
		log.Warn().Str("setting", name).Dur("timeout", value).Dur("max", maxTimeout).Msg("Timeout too high, capping to maximum")
		return maxTimeout
	}
	return value
}

func (c *Config) validateEngine() {
	if c.ViewportHeight < 1 {
		log.Warn().Int("height", c.ViewportHeight).Msg("Invalid viewport height, using 800")
		c.ViewportHeight = 800
	} else if c.ViewportHeight > maxViewportHeight {
		log.Warn().
			Int("height", c.ViewportHeight).
			Int("max", maxViewportHeight).
			Msg("Viewport height too large, capping to maximum")
		c.ViewportHeight = maxViewportHeight
	}

	if strings.ContainsAny(c.MarkerAttribute, " \t\"'=<>/") {
		log.Error().
			Str("attribute", c.MarkerAttribute).
			Str("default", consent.DefaultMarkerAttribute).
			Msg("MARKER_ATTRIBUTE is not a valid attribute name, using default")
		c.MarkerAttribute = consent.DefaultMarkerAttribute
	}
}

func (c *Config) validateAPIKey() {
	if !c.APIKeyEnabled {
		return
	}
	const maxAPIKeyLength = 256
	switch {
	case c.APIKey == "":
		log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
	case len(c.APIKey) < minAPIKeyLength:
		log.Error().
			Int("length", len(c.APIKey)).
			Int("min_required", minAPIKeyLength).
			Msg("API_KEY is too short for secure authentication - consider using a longer key")
	case len(c.APIKey) > maxAPIKeyLength:
		log.Error().
			Int("length", len(c.APIKey)).
			Int("max", maxAPIKeyLength).
			Msg("API_KEY is too long")
	default:
		for i, r := range c.APIKey {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '-' || r == '_') {
				log.Warn().
					Int("position", i).
					Msg("API_KEY contains non-alphanumeric characters (only a-z, A-Z, 0-9, -, _ are recommended)")
				break
			}
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
