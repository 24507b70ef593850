// Package telemetry holds the engine's Prometheus metrics on a private
// registry so the agent's /metrics endpoint exposes only its own series.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// SendsTotal counts outbound message submissions by final path.
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmsync_sends_total",
		Help: "Outbound message submissions by transport path and outcome.",
	}, []string{"path", "outcome"})

	// FallbackAttempts counts watchdog-triggered fallback persists.
	FallbackAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_fallback_attempts_total",
		Help: "Watchdog-triggered fallback persistence attempts.",
	})

	// Downgrades counts primary-to-fallback transitions; at most one per
	// session by construction.
	Downgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_transport_downgrades_total",
		Help: "Primary-to-fallback transport downgrades.",
	})

	// MergesTotal counts merge passes over thread timelines.
	MergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_timeline_merges_total",
		Help: "Merge passes applied to thread timelines.",
	})

	// CacheOps counts snapshot cache hits and misses on hydrate.
	CacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmsync_cache_ops_total",
		Help: "Snapshot cache operations by result.",
	}, []string{"result"})

	// ReceiptRegressions counts receipt updates ignored for ranking below
	// the state already held.
	ReceiptRegressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmsync_receipt_regressions_ignored_total",
		Help: "Receipt updates ignored by the monotonic delivery-state rule.",
	})

	// EventsTotal counts normalized transport events by type and source.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmsync_transport_events_total",
		Help: "Normalized transport events by type and source.",
	}, []string{"type", "source"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SendsTotal,
		FallbackAttempts,
		Downgrades,
		MergesTotal,
		CacheOps,
		ReceiptRegressions,
		EventsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
