package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcomes.
const (
	FrameReceived  = "received"
	FrameDecoded   = "decoded"
	FrameMalformed = "malformed"
	FramePublished = "published"
)

var (
	// Frames counts status frames by outcome.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se4watch_frames_total",
		Help: "Status frames by outcome (received, decoded, malformed, published).",
	}, []string{"outcome"})

	// Lookups counts gateway lookups by gateway and outcome.
	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se4watch_gateway_lookups_total",
		Help: "Enrichment lookups by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	// LookupDuration observes gateway call latency.
	LookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "se4watch_gateway_lookup_seconds",
		Help:    "Enrichment lookup latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
	}, []string{"gateway"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "se4watch_gateway_breaker_state",
		Help: "Circuit breaker state per gateway (0 closed, 1 half-open, 2 open).",
	}, []string{"gateway"})

	// ConnectionState mirrors the connection manager state.
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "se4watch_connection_state",
		Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 failed).",
	})

	// Players is the player count of the last published status.
	Players = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "se4watch_lobby_players",
		Help: "Players in the lobby of the last published status.",
	})
)
