// Package server implements the HTTP publish sink: it serves the latest enriched
// status, the tail of the event log, build info and prometheus metrics.
package server

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/se4watch/internal/monitor"
)

// New creates a Server. Call Close to stop its background cleanup.
func New(opts Options, state StateFunc) *Server {
	if opts.LogBuffer <= 0 {
		opts.LogBuffer = 500
	}
	if opts.RateCount <= 0 {
		opts.RateCount = 60
	}

	return &Server{
		state:    state,
		shutdown: make(chan struct{}),
		lines:    make([]string, opts.LogBuffer),
		opts:     opts,
	}
}

// PublishStatus stores the snapshot served by /api/status.
func (s *Server) PublishStatus(snap monitor.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Uint64("sequence", snap.Sequence).Msg("Failed to encode snapshot")
		return
	}

	s.mu.Lock()
	s.snapshot = data
	s.mu.Unlock()
}

// AppendLog adds a formatted event line, evicting the oldest when the buffer is full.
func (s *Server) AppendLog(line string) {
	s.mu.Lock()
	s.lines[s.next] = line
	s.next = (s.next + 1) % len(s.lines)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// Lines returns up to limit of the newest log lines, oldest first. limit <= 0 returns all.
func (s *Server) Lines(limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	if s.full {
		out = append(out, s.lines[s.next:]...)
	}
	out = append(out, s.lines[:s.next]...)

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out
}

// Close stops background routines.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.shutdown) })
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	api := func(h http.HandlerFunc) http.Handler {
		return s.RateLimitMiddleware(AdminAuthMiddleware(s.opts.AuthToken, h))
	}

	mux.Handle("GET /api/status", api(s.handleStatus))
	mux.Handle("GET /api/log", api(s.handleLog))
	mux.Handle("GET /api/a2s", api(s.handleServerQuery))
	mux.Handle("GET /api/version", http.HandlerFunc(s.handleVersion))
	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.LoggingMiddleware(mux)
}
