package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelmux_dispatches_total",
		Help: "Dispatched inference requests by outcome.",
	}, []string{"outcome"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelmux_dispatch_duration_seconds",
		Help:    "End-to-end dispatch latency including retries and failover.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_cache_hits_total",
		Help: "Response cache hits.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_cache_misses_total",
		Help: "Response cache misses.",
	})

	breakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_breaker_trips_total",
		Help: "Times an instance was marked unhealthy by breaker arithmetic.",
	})

	failovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_failovers_total",
		Help: "Secondary dispatch attempts after a primary instance failed.",
	})
)
