package resolver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusResolverResolutions       prometheus.Counter
	prometheusResolverCacheHits         prometheus.Counter
	prometheusResolverInvalidSignatures prometheus.Counter
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusResolverResolutions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "resolver",
			Name:      "resolutions",
			Help:      "Number of locator resolutions",
		},
	)

	prometheusResolverCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "resolver",
			Name:      "cache_hits",
			Help:      "Number of resolutions served from the cache",
		},
	)

	prometheusResolverInvalidSignatures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "resolver",
			Name:      "invalid_signatures",
			Help:      "Number of resolved claims whose channel signature failed verification",
		},
	)
}
