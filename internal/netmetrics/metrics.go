// Package netmetrics exposes gitd's Prometheus metrics on an isolated
// registry (spec.md §6), grounded on pkg/p2pnet/metrics.go's Metrics
// struct shape and naming convention.
package netmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gitd Prometheus collector on its own registry,
// so gitd metrics never collide with the process default registry.
// Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsConnected *prometheus.GaugeVec
	SessionAttempts   *prometheus.CounterVec

	AnnouncementsTotal *prometheus.CounterVec

	RoutingEntries *prometheus.GaugeVec

	FetchesTotal          *prometheus.CounterVec
	FetchDurationSeconds  *prometheus.HistogramVec
	FetchBytesTransferred *prometheus.CounterVec

	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered on
// an isolated registry, recording version/goVersion on the build-info
// gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		SessionsConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gitd_sessions_connected",
				Help: "Number of currently connected peer sessions.",
			},
			[]string{"link"},
		),
		SessionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitd_session_attempts_total",
				Help: "Total session connect attempts by outcome.",
			},
			[]string{"outcome"},
		),

		AnnouncementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitd_announcements_total",
				Help: "Total gossip announcements by kind and disposition.",
			},
			[]string{"kind", "disposition"},
		),

		RoutingEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gitd_routing_entries",
				Help: "Number of (project, node) entries currently held in the routing table.",
			},
			[]string{},
		),

		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitd_fetches_total",
				Help: "Total bulk-transfer fetches by outcome.",
			},
			[]string{"outcome"},
		),
		FetchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gitd_fetch_duration_seconds",
				Help:    "Duration of bulk-transfer fetches in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"outcome"},
		),
		FetchBytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitd_fetch_bytes_total",
				Help: "Total bytes transferred by bulk-transfer fetches.",
			},
			[]string{"direction"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gitd_info",
				Help: "Build information for the running gitd instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.SessionsConnected,
		m.SessionAttempts,
		m.AnnouncementsTotal,
		m.RoutingEntries,
		m.FetchesTotal,
		m.FetchDurationSeconds,
		m.FetchBytesTransferred,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
