// Package metrics provides Prometheus metrics for monitoring cookiesweep.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiesweep_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cookiesweep_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~260s
		},
		[]string{"command"},
	)

	// DialogsHidden counts elements hidden by the watcher.
	DialogsHidden = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cookiesweep_dialogs_hidden_total",
			Help: "Total consent dialog elements hidden",
		},
	)

	// FixesApplied counts fix actions by action and outcome.
	FixesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiesweep_fixes_total",
			Help: "Total fix actions applied by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// RulesetLoads counts ruleset loads by source and outcome.
	RulesetLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiesweep_ruleset_loads_total",
			Help: "Total ruleset loads by source and outcome",
		},
		[]string{"source", "success"},
	)

	// ActivePages shows current open page sessions.
	ActivePages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_active_pages",
			Help: "Number of open page sessions",
		},
	)

	// BrowserPoolSize shows the configured render pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// BrowserPoolAvailable shows idle browsers in the pool.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_browser_pool_available",
			Help: "Available browsers in pool",
		},
	)

	// ReportsRelayed counts bug reports by outcome.
	ReportsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cookiesweep_reports_total",
			Help: "Total bug reports relayed by outcome",
		},
		[]string{"outcome"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cookiesweep_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cookiesweep_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		DialogsHidden,
		FixesApplied,
		RulesetLoads,
		ActivePages,
		BrowserPoolSize,
		BrowserPoolAvailable,
		ReportsRelayed,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordDialogsHidden adds n hidden elements.
func RecordDialogsHidden(n int) {
	if n > 0 {
		DialogsHidden.Add(float64(n))
	}
}

// RecordFix records one fix action.
func RecordFix(action string, ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "failed"
	}
	FixesApplied.WithLabelValues(action, outcome).Inc()
}

// RecordRulesetLoad records a ruleset load attempt.
func RecordRulesetLoad(source string, ok bool) {
	RulesetLoads.WithLabelValues(source, strconv.FormatBool(ok)).Inc()
}

// RecordReport records a relayed report.
func RecordReport(outcome string) {
	ReportsRelayed.WithLabelValues(outcome).Inc()
}

// UpdatePoolMetrics updates browser pool metrics.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}

// UpdatePageMetrics updates the open page gauge.
func UpdatePageMetrics(count int) {
	ActivePages.Set(float64(count))
}
