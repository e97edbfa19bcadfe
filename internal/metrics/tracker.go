package metrics

import (
	"sync"
	"time"

	"github.com/woozymasta/se4watch/internal/models"
)

// Derived holds the formatted values published with each status.
type Derived struct {
	TimeLeft      string `json:"timeLeft,omitempty"`
	BytesSent     string `json:"bytesSent"`
	BytesReceived string `json:"bytesReceived"`
	FPS           string `json:"fps"`
}

// Tracker keeps the connection counters and game start time of one session.
// FPS is stored raw and rounded only when formatted.
type Tracker struct {
	now func() time.Time

	mu    sync.Mutex
	stats models.ConnectionStats
}

// NewTracker returns a tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// NewTrackerWithClock returns a tracker with a custom clock.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// Record stores the latest transport counters and frame rate.
func (t *Tracker) Record(bytesSent, bytesReceived int64, fps float64) {
	t.mu.Lock()
	t.stats.BytesSent = bytesSent
	t.stats.BytesReceived = bytesReceived
	t.stats.FPS = fps
	t.mu.Unlock()
}

// RecordBytes stores transport counters keeping the last reported frame rate.
func (t *Tracker) RecordBytes(bytesSent, bytesReceived int64) {
	t.mu.Lock()
	t.stats.BytesSent = bytesSent
	t.stats.BytesReceived = bytesReceived
	t.mu.Unlock()
}

// Stats returns a copy of the counters.
func (t *Tracker) Stats() models.ConnectionStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Observe updates the game start time from a status. The timer starts the first
// time an active map is seen and resets when game data reports no active map.
// Frames without game data leave the timer untouched.
func (t *Tracker) Observe(status *models.ServerStatus) {
	if status == nil || status.GameData == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := status.GameData.CurrentMap
	if m == nil || m.Name == "" {
		t.stats.GameStartTimeMillis = 0
		return
	}

	if t.stats.GameStartTimeMillis == 0 {
		t.stats.GameStartTimeMillis = t.now().UnixMilli()
	}
}

// TimeLeft returns the remaining game time in milliseconds, computed fresh from the
// game start time and the map time limit. ok is false when no timer is running or
// the map has no time limit.
func (t *Tracker) TimeLeft(status *models.ServerStatus) (millis int64, ok bool) {
	m := status.CurrentMap()
	if m == nil || m.TimeLimit <= 0 {
		return 0, false
	}

	t.mu.Lock()
	start := t.stats.GameStartTimeMillis
	t.mu.Unlock()

	if start == 0 {
		return 0, false
	}

	end := start + int64(m.TimeLimit)*60000
	return end - t.now().UnixMilli(), true
}

// Derive computes the formatted values for a status.
func (t *Tracker) Derive(status *models.ServerStatus) Derived {
	stats := t.Stats()

	d := Derived{
		BytesSent:     FormatBytes(stats.BytesSent),
		BytesReceived: FormatBytes(stats.BytesReceived),
		FPS:           FormatFPS(stats.FPS),
	}

	if left, ok := t.TimeLeft(status); ok {
		d.TimeLeft = FormatTimeLeft(left)
	}

	return d
}

// Reset clears all counters for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = models.ConnectionStats{}
	t.mu.Unlock()
}
