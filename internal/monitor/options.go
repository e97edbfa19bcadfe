package monitor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/woozymasta/se4watch/internal/enrich"
)

var (
	// ErrAlreadyStarted is returned by Start while a session is open.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrTerminated is returned by Start after the manager failed.
	ErrTerminated = errors.New("manager failed, create a new one")
)

// Options is the connection target and the optional gateway keys. An empty key
// disables its gateway and nothing else does.
type Options struct {
	Host string
	Path string

	ReputationKey  string
	GeolocationKey string

	Port   int
	Secure bool
}

// ConfigurationError reports an unusable connection target. No connection is
// attempted when it is returned.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ConnectionError is a failure to open or keep the transport session.
type ConnectionError struct {
	Err       error
	URL       string
	SessionID string
}

func (e *ConnectionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("session %s to %s: %v", e.SessionID, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Validate checks the connection target.
func (o Options) Validate() error {
	host := strings.TrimSpace(o.Host)

	switch {
	case host == "":
		return &ConfigurationError{Field: "host", Reason: "is required"}
	case strings.ContainsAny(host, "/ ?#"):
		return &ConfigurationError{Field: "host", Reason: fmt.Sprintf("%q is not a host name", o.Host)}
	case o.Port < 0 || o.Port > 65535:
		return &ConfigurationError{Field: "port", Reason: fmt.Sprintf("%d is out of range", o.Port)}
	}

	return nil
}

// URL builds the websocket address of the admin endpoint.
func (o Options) URL() string {
	u := url.URL{Scheme: "ws", Host: strings.TrimSpace(o.Host), Path: o.Path}
	if o.Secure {
		u.Scheme = "wss"
	}
	if o.Port > 0 {
		u.Host = net.JoinHostPort(u.Host, strconv.Itoa(o.Port))
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// Availability derives the gateway gates from the configured keys.
func (o Options) Availability() enrich.Availability {
	return enrich.Availability{
		Reputation:  strings.TrimSpace(o.ReputationKey) != "",
		Geolocation: strings.TrimSpace(o.GeolocationKey) != "",
	}
}
