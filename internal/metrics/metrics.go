package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intercepted requests by strategy and where the response came from
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_requests_total",
			Help: "Total number of intercepted requests",
		},
		[]string{"site", "strategy", "source"},
	)

	NetworkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_network_failures_total",
			Help: "Network fetches that failed before producing a response",
		},
		[]string{"site", "strategy"},
	)

	CacheWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_cache_write_errors_total",
			Help: "Cache writes that failed and were skipped",
		},
		[]string{"site", "generation"},
	)

	BackgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_background_refreshes_total",
			Help: "Stale-while-revalidate background refreshes by result",
		},
		[]string{"site", "result"},
	)

	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_installs_total",
			Help: "Worker install attempts by result",
		},
		[]string{"site", "result"},
	)

	GenerationsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_generations_purged_total",
			Help: "Cache generations deleted by activation or clear-cache",
		},
		[]string{"site", "reason"},
	)

	ActiveVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shellcache_active_version_info",
			Help: "Set to 1 for the version currently controlling a site",
		},
		[]string{"site", "version"},
	)
)

// RecordRequest records one intercepted request
func RecordRequest(site, strategy, source string) {
	Requests.WithLabelValues(site, strategy, source).Inc()
}

// RecordNetworkFailure records a failed fetch
func RecordNetworkFailure(site, strategy string) {
	NetworkFailures.WithLabelValues(site, strategy).Inc()
}

// RecordCacheWriteError records a skipped cache write
func RecordCacheWriteError(site, generation string) {
	CacheWriteErrors.WithLabelValues(site, generation).Inc()
}

// RecordBackgroundRefresh records the outcome of a revalidation ("updated", "failed", "skipped")
func RecordBackgroundRefresh(site, result string) {
	BackgroundRefreshes.WithLabelValues(site, result).Inc()
}

// RecordInstall records an install attempt ("ok" or "failed")
func RecordInstall(site, result string) {
	Installs.WithLabelValues(site, result).Inc()
}

// RecordGenerationsPurged adds n deleted generations
func RecordGenerationsPurged(site, reason string, n int) {
	if n <= 0 {
		return
	}
	GenerationsPurged.WithLabelValues(site, reason).Add(float64(n))
}

// SetActiveVersion flips the active version gauge for a site
func SetActiveVersion(site, previous, current string) {
	if previous != "" && previous != current {
		ActiveVersion.DeleteLabelValues(site, previous)
	}
	if current != "" {
		ActiveVersion.WithLabelValues(site, current).Set(1)
	}
}
