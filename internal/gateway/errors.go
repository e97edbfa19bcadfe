// Package gateway holds what the enrichment gateways share: the EnrichmentError
// taxonomy, a JSON over HTTP fetch helper and a circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an enrichment failure.
type Kind string

// Failure kinds.
const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindEmpty     Kind = "empty"
	KindMalformed Kind = "malformed"
	KindRejected  Kind = "rejected"
	KindSkipped   Kind = "skipped"
	KindInvalid   Kind = "invalid"
)

var (
	// ErrEmptyResult is wrapped when a gateway answers with no usable record.
	ErrEmptyResult = errors.New("empty result")

	// ErrQueueFull is wrapped when a lookup is skipped because the gateway queue is full.
	ErrQueueFull = errors.New("gateway queue full")

	// ErrDeferred is wrapped when a lookup could not start within the deferral window.
	ErrDeferred = errors.New("deferral window exceeded")
)

// EnrichmentError is a failed lookup for one key (steam id or address) on one gateway.
type EnrichmentError struct {
	Err     error
	Gateway string
	Key     string
	Kind    Kind
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("%s lookup %s failed (%s): %v", e.Gateway, e.Key, e.Kind, e.Err)
}

func (e *EnrichmentError) Unwrap() error {
	return e.Err
}

// NewError builds an EnrichmentError.
func NewError(gateway, key string, kind Kind, err error) *EnrichmentError {
	return &EnrichmentError{Gateway: gateway, Key: key, Kind: kind, Err: err}
}

// KindOf returns the kind of an enrichment error, classifying plain errors by cause.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return ee.Kind
	}

	return classify(err)
}

// Wrap turns any error into an EnrichmentError. Existing EnrichmentErrors are returned as is.
func Wrap(gateway, key string, err error) error {
	if err == nil {
		return nil
	}

	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return err
	}

	return NewError(gateway, key, classify(err), err)
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, ErrEmptyResult) {
		return KindEmpty
	}

	if errors.Is(err, ErrQueueFull) || errors.Is(err, context.Canceled) {
		return KindSkipped
	}

	return KindTransport
}

// countsAsFailure reports whether an error says the gateway itself is unhealthy,
// as opposed to a bad answer for one key.
func countsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransport, KindStatus:
		return true
	default:
		return false
	}
}
