package accel

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	buildOK       = "ok"
	buildDegraded = "degraded"
	buildFailed   = "failed"

	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheStale = "stale"
)

var (
	kernelBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goacc_kernel_builds_total",
			Help: "Total number of kernel compilations, by result.",
		},
		[]string{"result"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goacc_streams_active",
			Help: "Number of streams currently registered.",
		},
	)

	contextsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "goacc_contexts_created_total",
			Help: "Total number of device contexts created.",
		},
	)

	kernelCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goacc_kernel_cache_lookups_total",
			Help: "Total number of kernel binary cache lookups, by result.",
		},
		[]string{"result"},
	)

	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "goacc_build_seconds",
			Help:    "Duration of kernel compilations (including retries), in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(kernelBuildsTotal)
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(contextsCreatedTotal)
	prometheus.MustRegister(kernelCacheLookupsTotal)
	prometheus.MustRegister(buildDuration)

	for _, result := range []string{buildOK, buildDegraded, buildFailed} {
		kernelBuildsTotal.WithLabelValues(result)
	}
	for _, result := range []string{cacheHit, cacheMiss, cacheStale} {
		kernelCacheLookupsTotal.WithLabelValues(result)
	}
}
