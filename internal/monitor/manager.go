// Package monitor owns the admin session to a game server: it opens the transport,
// reads status frames in arrival order and, one frame at a time, decodes, enriches,
// derives metrics and publishes the result to a StatusSink.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/woozymasta/se4watch/internal/decoder"
	"github.com/woozymasta/se4watch/internal/enrich"
	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/game"
	"github.com/woozymasta/se4watch/internal/metrics"
	"github.com/woozymasta/se4watch/internal/models"
	"github.com/woozymasta/se4watch/internal/transport"
)

// frameBuffer bounds the decoded frames waiting for the processor. A full buffer
// blocks the reader; frames are never dropped.
const frameBuffer = 8

// Conn is an open transport session.
type Conn interface {
	ReadFrame() ([]byte, error)
	Counters() (sent, received int64)
	Close() error
}

// Dialer opens a transport session.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Prober queries the server before the session is opened.
type Prober func(ctx context.Context, host string) (*game.ServerInfo, error)

// CountryLocator resolves the country code of the server host.
type CountryLocator interface {
	CountryOf(ctx context.Context, host string) string
}

// Snapshot is what gets published after each decoded frame.
type Snapshot struct {
	PublishedAt   time.Time            `json:"publishedAt"`
	Status        *models.ServerStatus `json:"status"`
	Metrics       metrics.Derived      `json:"metrics"`
	SessionID     string               `json:"sessionId"`
	ServerCountry string               `json:"serverCountry,omitempty"`
	Sequence      uint64               `json:"sequence"`
	Digest        uint64               `json:"digest"`
	Changed       bool                 `json:"changed"`
}

// StatusSink receives snapshots in frame order from a single goroutine.
type StatusSink interface {
	PublishStatus(Snapshot)
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithTransportOptions tunes the default websocket dialer.
func WithTransportOptions(opts transport.Options) Option {
	return func(m *Manager) {
		m.dial = func(ctx context.Context, url string) (Conn, error) {
			return transport.Dial(ctx, url, opts)
		}
	}
}

// WithProber enables the preflight probe.
func WithProber(probe Prober) Option {
	return func(m *Manager) { m.probe = probe }
}

// WithCountryLocator enables the server country lookup.
func WithCountryLocator(locator CountryLocator) Option {
	return func(m *Manager) { m.country = locator }
}

// WithTracker replaces the metrics tracker.
func WithTracker(tracker *metrics.Tracker) Option {
	return func(m *Manager) { m.tracker = tracker }
}

// Manager is the connection manager. It runs at most one session at a time.
type Manager struct {
	sink     StatusSink
	events   *eventlog.Sink
	pipeline *enrich.Pipeline
	tracker  *metrics.Tracker
	dial     Dialer
	probe    Prober
	country  CountryLocator
	decoder  decoder.Decoder

	mu      sync.Mutex
	session *session
	err     error

	// seq numbers frames across sessions so late lookups never match a new frame.
	seq   atomic.Uint64
	state atomic.Int32
}

type session struct {
	conn     Conn
	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	done     chan struct{}
	err      error
	id       string
	url      string
	avail    enrich.Availability

	haltOnce sync.Once
	wg       sync.WaitGroup
}

type frame struct {
	status *models.ServerStatus
	seq    uint64
	digest uint64
}

// New creates a manager publishing to sink. pipeline may be nil when no gateway
// is configured at all.
func New(sink StatusSink, events *eventlog.Sink, pipeline *enrich.Pipeline, opts ...Option) *Manager {
	m := &Manager{
		sink:     sink,
		events:   events,
		pipeline: pipeline,
		tracker:  metrics.NewTracker(),
		decoder:  decoder.New(),
	}
	m.dial = func(ctx context.Context, url string) (Conn, error) {
		return transport.Dial(ctx, url, transport.DefaultOptions())
	}

	for _, opt := range opts {
		opt(m)
	}

	m.setState(Disconnected)

	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start validates opts and opens a session. The session lives until Stop is called,
// ctx is done or the transport fails. A dial failure returns a *ConnectionError and
// leaves the manager Disconnected.
func (m *Manager) Start(ctx context.Context, opts Options) error {
	if err := opts.Validate(); err != nil {
		m.events.Errorf(eventlog.TypeSystem, err, "Connection target rejected")
		return err
	}

	// the lock is not held across the probe and the dial; Connecting keeps a
	// concurrent Start out
	m.mu.Lock()
	switch m.State() {
	case Failed:
		m.mu.Unlock()
		return ErrTerminated
	case Disconnected:
	default:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.setState(Connecting)
	m.mu.Unlock()

	avail := opts.Availability()
	if !avail.Reputation {
		m.events.Infof(eventlog.TypeSteam, "Steam access is disabled. No automatic ban checks will be performed.")
	}
	if !avail.Geolocation {
		m.events.Infof(eventlog.TypeIPStack, "IPStack access is disabled. No location lookups will be performed.")
	}

	url := opts.URL()

	if m.probe != nil {
		if info, err := m.probe(ctx, opts.Host); err != nil {
			m.events.Warnf(eventlog.TypeGame, err, "Server %s did not answer the A2S query", opts.Host)
		} else {
			m.events.Infof(eventlog.TypeGame, "Server %s", info)
		}
	}

	if m.country != nil {
		// warms the cache so frames do not wait on DNS
		m.country.CountryOf(ctx, opts.Host)
	}

	m.events.Infof(eventlog.TypeConnection, "Connecting to %s", url)

	conn, err := m.dial(ctx, url)
	if err != nil {
		m.setState(Disconnected)
		cerr := &ConnectionError{URL: url, Err: err}
		m.events.Errorf(eventlog.TypeConnection, cerr, "Unable to connect to %s", url)
		return cerr
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:     conn,
		ctx:      sctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		id:       uuid.NewString(),
		url:      url,
		avail:    avail,
	}

	m.mu.Lock()
	m.session = s
	m.err = nil
	m.tracker.Reset()
	m.setState(Connected)
	m.mu.Unlock()

	m.events.Infof(eventlog.TypeConnection, "Connected to %s (session %s)", url, s.id)

	frames := make(chan frame, frameBuffer)
	s.wg.Add(3)
	go m.watch(s)
	go m.read(s, frames)
	go m.process(s, frames)
	go m.finish(s)

	return nil
}

// Stop closes the current session and waits for its goroutines. It is safe to call
// at any time and more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil {
		return
	}

	s.halt()
	<-s.done
}

// Done is closed when the current session ends. Without a session it is already closed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	return m.session.done
}

// Err returns the ConnectionError that failed the last session, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// RecordStatistics stores transport counters and the frame rate reported by the
// server. The rate is kept unrounded.
func (m *Manager) RecordStatistics(bytesSent, bytesReceived int64, fps float64) {
	m.tracker.Record(bytesSent, bytesReceived, fps)
}

func (m *Manager) setState(st State) {
	m.state.Store(int32(st))
	metrics.ConnectionState.Set(float64(st))
}

// halt stops the session once: it cancels lookups waiting on the session and closes
// the transport, which unblocks the reader.
func (s *session) halt() {
	s.haltOnce.Do(func() {
		close(s.stopping)
		s.cancel()
		_ = s.conn.Close()
	})
}

func (s *session) halted() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (m *Manager) watch(s *session) {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		s.halt()
	case <-s.stopping:
	}
}

func (m *Manager) read(s *session, frames chan<- frame) {
	defer s.wg.Done()
	defer close(frames)

	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			if !s.halted() {
				s.err = &ConnectionError{URL: s.url, SessionID: s.id, Err: err}
				s.halt()
			}
			return
		}

		seq := m.seq.Add(1)
		metrics.Frames.WithLabelValues(metrics.FrameReceived).Inc()

		status, err := m.decoder.Decode(raw)
		if err != nil {
			metrics.Frames.WithLabelValues(metrics.FrameMalformed).Inc()
			m.events.Errorf(eventlog.TypeConnection, err, "Dropping malformed status frame %d", seq)
			continue
		}
		metrics.Frames.WithLabelValues(metrics.FrameDecoded).Inc()

		select {
		case frames <- frame{status: status, seq: seq, digest: xxhash.Sum64(raw)}:
		case <-s.stopping:
			return
		}
	}
}

func (m *Manager) process(s *session, frames <-chan frame) {
	defer s.wg.Done()

	var (
		lastDigest uint64
		lastMap    string
	)

	for f := range frames {
		if s.halted() {
			return
		}

		m.tracker.Observe(f.status)
		lastMap = m.announceMap(f.status, lastMap)

		if m.pipeline != nil {
			m.pipeline.Enrich(s.ctx, f.seq, f.status, s.avail)
		}

		sent, received := s.conn.Counters()
		m.tracker.RecordBytes(sent, received)

		snap := Snapshot{
			PublishedAt: time.Now(),
			Status:      f.status,
			Metrics:     m.tracker.Derive(f.status),
			SessionID:   s.id,
			Sequence:    f.seq,
			Digest:      f.digest,
			Changed:     f.digest != lastDigest,
		}
		lastDigest = f.digest

		if m.country != nil && f.status.Server != nil {
			snap.ServerCountry = m.country.CountryOf(s.ctx, f.status.Server.Host)
		}

		if s.halted() {
			return
		}

		metrics.Players.Set(float64(len(f.status.Players())))
		m.sink.PublishStatus(snap)
		metrics.Frames.WithLabelValues(metrics.FramePublished).Inc()
	}
}

// announceMap logs map changes and returns the current map name.
func (m *Manager) announceMap(status *models.ServerStatus, last string) string {
	if status.GameData == nil {
		return last
	}

	cur := status.CurrentMap()
	if cur == nil || cur.Name == "" {
		if last != "" {
			m.events.Infof(eventlog.TypeGame, "Game over on %s", last)
		}
		return ""
	}

	if cur.Name != last {
		m.events.Infof(eventlog.TypeGame, "Map %s started (%s, time limit %d min)", cur.Name, cur.Mode, cur.TimeLimit)
	}

	return cur.Name
}

// finish releases the session once every goroutine returned and sets the final state.
func (m *Manager) finish(s *session) {
	s.wg.Wait()
	s.halt()

	if m.pipeline != nil {
		m.pipeline.Abandon()
	}

	m.mu.Lock()
	if s.err != nil {
		m.err = s.err
		m.setState(Failed)
		m.events.Errorf(eventlog.TypeConnection, s.err, "Connection to %s lost", s.url)
	} else {
		m.setState(Disconnected)
		m.events.Infof(eventlog.TypeConnection, "Disconnected from %s (session %s)", s.url, s.id)
	}
	m.mu.Unlock()

	close(s.done)
}
