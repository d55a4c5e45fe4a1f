// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts served requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsstitch_http_requests_total",
		Help: "Total number of HTTP requests by route and status",
	}, []string{"route", "status"})

	// HTTPDuration tracks request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlsstitch_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"})

	// UpstreamFetches counts upstream playlist fetches by outcome.
	UpstreamFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsstitch_upstream_fetches_total",
		Help: "Total number of upstream playlist fetches by result",
	}, []string{"result"})

	// UpstreamDuration tracks upstream fetch latency.
	UpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hlsstitch_upstream_fetch_duration_seconds",
		Help:    "Upstream playlist fetch latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// SessionPhase is 1 for the phase the stitch session is currently in.
	SessionPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hlsstitch_session_phase",
		Help: "Current stitch session phase (1 = active)",
	}, []string{"phase"})

	// StitchedPlaylists counts media playlists served with stitch segments spliced in.
	StitchedPlaylists = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsstitch_stitched_playlists_total",
		Help: "Total number of media playlists served with a splice",
	})
)

// ObserveRequest records a served request.
func ObserveRequest(route string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveFetch records an upstream fetch outcome.
func ObserveFetch(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	UpstreamFetches.WithLabelValues(result).Inc()
	UpstreamDuration.Observe(duration.Seconds())
}

// SetSessionPhase marks phase as the active one among all known phases.
func SetSessionPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		SessionPhase.WithLabelValues(p).Set(v)
	}
}

// IncStitched records a spliced media playlist.
func IncStitched() {
	StitchedPlaylists.Inc()
}
