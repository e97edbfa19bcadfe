package gateway

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/woozymasta/se4watch/internal/metrics"
)

// BreakerSettings tunes a gateway circuit breaker.
type BreakerSettings struct {
	// MinRequests is the number of calls in the window before the breaker may trip.
	MinRequests uint32

	// FailureRatio trips the breaker when reached.
	FailureRatio float64

	// Interval resets counts while closed.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips at 60% failures over at least 10 calls and probes
// again after 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:  10,
		FailureRatio: 0.6,
		Interval:     time.Minute,
		OpenTimeout:  30 * time.Second,
	}
}

// Breaker guards calls to one gateway. Only transport level failures count
// against it; an empty answer for one player does not.
type Breaker[T any] struct {
	cb   *gobreaker.CircuitBreaker[T]
	name string
}

// NewBreaker creates a breaker for the named gateway.
func NewBreaker[T any](name string, s BreakerSettings) *Breaker[T] {
	metrics.BreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("gateway", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Gateway circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Breaker[T]{cb: cb, name: name}
}

// Do runs fn through the breaker. Calls rejected by an open breaker return a
// KindRejected EnrichmentError.
func (b *Breaker[T]) Do(key string, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return res, NewError(b.name, key, KindRejected, err)
		}
		return res, Wrap(b.name, key, err)
	}

	return res, nil
}

// State returns the current breaker state name.
func (b *Breaker[T]) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
