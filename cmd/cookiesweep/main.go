// Package main provides the entry point for the cookiesweep service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/browser"
	"github.com/cookiesweep/cookiesweep/internal/config"
	"github.com/cookiesweep/cookiesweep/internal/handlers"
	"github.com/cookiesweep/cookiesweep/internal/metrics"
	"github.com/cookiesweep/cookiesweep/internal/middleware"
	"github.com/cookiesweep/cookiesweep/internal/report"
	"github.com/cookiesweep/cookiesweep/internal/ruleset"
	"github.com/cookiesweep/cookiesweep/internal/security"
	"github.com/cookiesweep/cookiesweep/internal/session"
	"github.com/cookiesweep/cookiesweep/internal/state"
	"github.com/cookiesweep/cookiesweep/internal/stats"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.FetchTimeout+5*time.Second)
	rules, err := ruleset.NewManager(startCtx, ruleset.Options{
		Path:            cfg.RulesetPath,
		HotReload:       cfg.RulesetHotReload,
		RemoteURL:       cfg.RulesetURL,
		RefreshInterval: cfg.RulesetRefreshInterval,
		FetchTimeout:    cfg.FetchTimeout,
	})
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ruleset manager")
	}
	log.Info().
		Str("source", rules.Source()).
		Str("rules", rules.Get().Summary()).
		Msg("Ruleset ready")

	var store state.Store
	if cfg.StatePath != "" {
		store = state.NewFileStore(cfg.StatePath)
	} else {
		store = state.NewMemoryStore()
	}
	cache := state.NewCache(rules, store)

	hostStats := stats.NewManager()
	pages := session.NewManager(cfg)

	var (
		pool     *browser.Pool
		renderer handlers.Renderer
	)
	if cfg.RenderEnabled {
		log.Info().Msg("Initializing browser pool...")
		pool, err = browser.NewPool(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize browser pool, rendering disabled")
			pool = nil
		} else {
			renderer = pool
		}
	}

	var relay report.Relay = report.Noop{}
	if cfg.HasReportTracker() {
		relay = report.NewIssueTracker(report.TrackerConfig{
			URL:        cfg.ReportTrackerURL,
			Token:      cfg.ReportTrackerToken,
			Labels:     cfg.ReportLabels,
			Timeout:    cfg.FetchTimeout,
			RetryCount: 2,
		})
	}

	handler := handlers.New(handlers.Deps{
		Config:   cfg,
		State:    cache,
		Pages:    pages,
		Stats:    hostStats,
		Reports:  relay,
		Renderer: renderer,
	})

	// Recovery is outermost so it also catches panics in the middleware.
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(cfg.CORSAllowedOrigins),
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, limiter.Handler)
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
	}
	if cfg.APIKeyEnabled {
		log.Info().Str("api_key", security.RedactToken(cfg.APIKey)).Msg("API key authentication enabled")
	}
	requestTimeout := max(cfg.RenderTimeout, cfg.FetchTimeout) + 10*time.Second
	chain = append(chain, middleware.APIKey(cfg), middleware.Timeout(requestTimeout))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.Chain(chain...)(handler.Router()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Bool("render_enabled", renderer != nil).
			Bool("state_persisted", cfg.StatePath != "").
			Bool("report_relay", cfg.HasReportTracker()).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Msg("cookiesweep is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if limiter != nil {
		limiter.Close()
	}
	if err := pages.Close(); err != nil {
		log.Error().Err(err).Msg("Page manager close error")
	}
	if pool != nil {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("Browser pool close error")
		}
	}
	hostStats.Close()
	if err := rules.Close(); err != nil {
		log.Error().Err(err).Msg("Ruleset manager close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
                 _    _
  ___ ___   ___ | | _(_) ___  _____      _____  ___ _ __
 / __/ _ \ / _ \| |/ / |/ _ \/ __\ \ /\ / / _ \/ _ \ '_ \
| (_| (_) | (_) |   <| |  __/\__ \\ V  V /  __/  __/ |_) |
 \___\___/ \___/|_|\_\_|\___||___/ \_/\_/ \___|\___| .__/
                                                   |_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting cookiesweep")
}
