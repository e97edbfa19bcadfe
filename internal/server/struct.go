package server

import (
	"sync"
	"time"

	"github.com/woozymasta/se4watch/internal/game"
	"github.com/woozymasta/se4watch/internal/monitor"
)

// Options configures the publish server.
type Options struct {
	// AuthToken protects the /api endpoints with a Bearer token. Empty disables auth.
	AuthToken string

	// QueryHost and QueryPort address the A2S query port of the monitored server.
	// A zero port disables /api/a2s.
	QueryHost string

	// A2S tunes the live query behind /api/a2s.
	A2S game.Options

	// LogBuffer is how many formatted log lines /api/log keeps.
	LogBuffer int

	// RateCount requests are allowed per client IP within RateWindow.
	RateCount  int
	RateWindow time.Duration

	QueryPort  int
	TrustProxy bool
}

// StateFunc reports the connection state for /healthz.
type StateFunc func() monitor.State

// Server is the HTTP publish sink. It keeps the last snapshot and a bounded tail of
// the event log for clients to poll.
type Server struct {
	// state reports the connection manager state. It can be nil before wiring.
	state StateFunc

	// shutdown stops the rate limiter cleanup loop.
	shutdown chan struct{}

	// snapshot is the encoded last published status, nil until the first frame.
	snapshot []byte

	// lines is a ring of formatted log lines; next is the slot written next.
	lines []string

	opts Options

	mu        sync.RWMutex
	next      int
	full      bool
	closeOnce sync.Once
}
