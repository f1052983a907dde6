package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_admission_matches_total",
			Help: "Matching tick outcomes per pool",
		},
		[]string{"pool", "result"}, // success|no_capacity|failure
	)

	MatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "match_admission_match_duration_seconds",
			Help:    "Duration of a successful group handoff",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnqueuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_admission_enqueues_total",
			Help: "Queue admission attempts per pool",
		},
		[]string{"pool", "result"}, // ok|duplicate|in_game|error
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "match_admission_queue_depth",
			Help: "Players currently waiting per pool",
		},
		[]string{"pool"},
	)

	ConnectedSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "match_admission_connected_sockets",
			Help: "Authenticated websocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(MatchesTotal)
	prometheus.MustRegister(MatchDuration)
	prometheus.MustRegister(EnqueuesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ConnectedSockets)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
