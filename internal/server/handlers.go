package server

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/woozymasta/se4watch/internal/game"
	"github.com/woozymasta/se4watch/internal/monitor"
	"github.com/woozymasta/se4watch/internal/vars"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleStatus returns the last published snapshot, or 204 before the first frame.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	data := s.snapshot
	s.mu.RUnlock()

	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleLog returns the buffered log lines, oldest first.
// Query params: ?limit=100
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	lines := s.Lines(limit)
	if lines == nil {
		lines = []string{}
	}

	writeJSON(w, http.StatusOK, lines)
}

// handleServerQuery performs a live A2S query to the monitored server.
func (s *Server) handleServerQuery(w http.ResponseWriter, r *http.Request) {
	if s.opts.QueryHost == "" || s.opts.QueryPort == 0 {
		http.Error(w, "A2S query is not configured", http.StatusNotFound)
		return
	}

	info, err := game.QueryServer(r.Context(), s.opts.QueryHost, s.opts.QueryPort, s.opts.A2S)
	if err != nil {
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, vars.Info())
}

// handleHealth answers 200 while connected and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := monitor.Disconnected
	if s.state != nil {
		state = s.state()
	}

	code := http.StatusOK
	if state != monitor.Connected {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"state": state.String()})
}
