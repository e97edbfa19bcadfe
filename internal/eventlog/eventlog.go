// Package eventlog is the user-facing event stream of the monitor. Events are
// leveled and typed, filtered before formatting and delivered as formatted lines to
// whichever subscribers are attached (console, HTTP sink, tests).
package eventlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of an event.
type Level int8

// Event levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the label printed in formatted lines.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name (case insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown event level %q", s)
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Type tells which part of the monitor produced an event.
type Type int8

// Event types.
const (
	TypeSystem Type = iota
	TypeConnection
	TypeGame
	TypeSteam
	TypeIPStack
)

// String returns the label printed in formatted lines.
func (t Type) String() string {
	switch t {
	case TypeSystem:
		return "SYSTEM"
	case TypeConnection:
		return "CONNECTION"
	case TypeGame:
		return "GAME"
	case TypeSteam:
		return "STEAM"
	case TypeIPStack:
		return "IPSTACK"
	default:
		return "UNKNOWN"
	}
}

// Event is an immutable log record.
type Event struct {
	Time    time.Time
	Cause   error
	Message string
	Level   Level
	Type    Type
}

// Format renders the event as "timestamp|LEVEL|TYPE|message" followed by the cause
// chain on new lines when a cause is present.
func (e Event) Format() string {
	var sb strings.Builder
	sb.Grow(128)

	sb.WriteString(e.Time.UTC().Format(time.RFC3339Nano))
	sb.WriteByte('|')
	sb.WriteString(e.Level.String())
	sb.WriteByte('|')
	sb.WriteString(e.Type.String())
	sb.WriteByte('|')
	sb.WriteString(e.Message)

	if e.Cause != nil {
		sb.WriteByte('\n')
		sb.WriteString(e.Cause.Error())
		for cause := errors.Unwrap(e.Cause); cause != nil; cause = errors.Unwrap(cause) {
			sb.WriteString("\n\tcaused by: ")
			sb.WriteString(cause.Error())
		}
	}

	return sb.String()
}

// Filter reports whether an event of the given level must be dropped.
type Filter func(Level) bool

// KeepAll drops nothing.
func KeepAll(Level) bool { return false }

// Below drops events lower than min.
func Below(min Level) Filter {
	return func(l Level) bool { return l < min }
}

// Drop drops exactly the listed levels.
func Drop(levels ...Level) Filter {
	set := make(map[Level]struct{}, len(levels))
	for _, l := range levels {
		set[l] = struct{}{}
	}

	return func(l Level) bool {
		_, ok := set[l]
		return ok
	}
}

// Subscriber receives formatted lines.
type Subscriber func(line string)

// Sink accepts events from any goroutine and fans formatted lines out to the
// subscribers in submission order.
type Sink struct {
	// filter is fixed at construction and read without locking.
	filter Filter
	now    func() time.Time
	mirror *zerolog.Logger

	mu          sync.Mutex
	subscribers []Subscriber
}

// Option configures a Sink.
type Option func(*Sink)

// WithMirror also writes every accepted event to the given zerolog logger.
func WithMirror(logger zerolog.Logger) Option {
	return func(s *Sink) { s.mirror = &logger }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New creates a sink. A nil filter keeps everything.
func New(filter Filter, opts ...Option) *Sink {
	if filter == nil {
		filter = KeepAll
	}

	s := &Sink{filter: filter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Subscribe attaches a line consumer. Lines submitted before Subscribe are not replayed.
func (s *Sink) Subscribe(sub Subscriber) {
	if sub == nil {
		return
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
}

// Enabled reports whether events of the level pass the filter.
func (s *Sink) Enabled(level Level) bool {
	return s != nil && !s.filter(level)
}

// Log records an event. cause may be nil. Filtered events are dropped before the
// message is formatted.
func (s *Sink) Log(level Level, typ Type, cause error, format string, args ...any) {
	if !s.Enabled(level) {
		return
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{Time: s.now(), Level: level, Type: typ, Message: msg, Cause: cause}

	if s.mirror != nil {
		s.mirror.WithLevel(level.zerolog()).
			Err(cause).
			Str("type", typ.String()).
			Msg(msg)
	}

	if len(s.subscribers) == 0 {
		return
	}

	line := ev.Format()
	for _, sub := range s.subscribers {
		sub(line)
	}
}

// Debugf logs at debug level without a cause.
func (s *Sink) Debugf(typ Type, format string, args ...any) {
	s.Log(LevelDebug, typ, nil, format, args...)
}

// Infof logs at info level without a cause.
func (s *Sink) Infof(typ Type, format string, args ...any) {
	s.Log(LevelInfo, typ, nil, format, args...)
}

// Warnf logs at warn level with an optional cause.
func (s *Sink) Warnf(typ Type, cause error, format string, args ...any) {
	s.Log(LevelWarn, typ, cause, format, args...)
}

// Errorf logs at error level with an optional cause.
func (s *Sink) Errorf(typ Type, cause error, format string, args ...any) {
	s.Log(LevelError, typ, cause, format, args...)
}
