package queryserver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusQueryServerConnections prometheus.Gauge
	prometheusQueryServerRequests    prometheus.Counter
	prometheusQueryServerErrors      prometheus.Counter
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusQueryServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "claimnode",
			Subsystem: "queryserver",
			Name:      "connections",
			Help:      "Number of open client connections",
		},
	)

	prometheusQueryServerRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "queryserver",
			Name:      "requests",
			Help:      "Number of requests received",
		},
	)

	prometheusQueryServerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "queryserver",
			Name:      "errors",
			Help:      "Number of requests answered with an error",
		},
	)
}
