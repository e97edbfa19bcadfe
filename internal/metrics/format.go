// Package metrics derives session relative values (time left, byte counts, frame
// rate) from raw counters and the current status, and holds the prometheus
// collectors of the monitor.
package metrics

import (
	"fmt"
	"math"
	"time"
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatBytes renders a byte count: plain bytes below 1024, otherwise kb/mb/gb with
// two decimals computed by float division.
func FormatBytes(n int64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d byte", n)
	case n < mib:
		return fmt.Sprintf("%.2f kb", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f mb", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f gb", float64(n)/gib)
	}
}

// FormatTimeLeft renders milliseconds as HH:MM:SS from one hour, MM:SS from one
// minute and zero padded seconds below that. Non positive values use the seconds form.
func FormatTimeLeft(millis int64) string {
	d := time.Duration(millis) * time.Millisecond

	hours := int64(d / time.Hour)
	minutes := int64(d/time.Minute) - hours*60
	secs := int64(d/time.Second) - int64(d/time.Minute)*60

	switch {
	case hours > 0:
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%02d:%02d", minutes, secs)
	default:
		return fmt.Sprintf("%02d", secs)
	}
}

// FormatFPS rounds the frame rate half up to an integer string.
func FormatFPS(fps float64) string {
	if math.IsNaN(fps) || math.IsInf(fps, 0) {
		return "0"
	}

	return fmt.Sprintf("%d", int64(math.Floor(fps+0.5)))
}
