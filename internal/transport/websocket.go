// Package transport is the persistent websocket session to the game server admin
// endpoint. It reads text frames and counts the bytes moved in both directions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by ReadFrame after Close.
var ErrClosed = errors.New("transport closed")

// Options tunes the websocket session.
type Options struct {
	Header           http.Header
	HandshakeTimeout time.Duration

	// ReadTimeout fails a read when no frame or pong arrives in time. Zero disables it.
	ReadTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
}

// DefaultOptions returns a 10s handshake, 30s pings and a 90s read timeout.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// Conn is an open websocket session.
type Conn struct {
	conn *websocket.Conn
	done chan struct{}

	sent     atomic.Int64
	received atomic.Int64

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup

	readTimeout time.Duration
}

// Dial opens a session to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  opts.HandshakeTimeout,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Conn{
		conn:        ws,
		done:        make(chan struct{}),
		readTimeout: opts.ReadTimeout,
	}

	ws.SetPongHandler(func(data string) error {
		c.received.Add(int64(len(data)))
		return c.extendDeadline()
	})
	if err := c.extendDeadline(); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	if opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(opts.PingInterval)
	}

	return c, nil
}

// ReadFrame blocks until the next data frame arrives. Close unblocks it with ErrClosed.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	c.received.Add(int64(len(data)))
	if err := c.extendDeadline(); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	return data, nil
}

// Counters returns the bytes sent and received so far.
func (c *Conn) Counters() (sent, received int64) {
	return c.sent.Load(), c.received.Load()
}

// Close sends a normal closure and releases the connection. It is safe to call more
// than once and from any goroutine.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.writeControl(websocket.CloseMessage, msg, time.Second); werr != nil {
			log.Debug().Err(werr).Msg("websocket close message not sent")
		}

		err = c.conn.Close()
		c.wg.Wait()
	})

	return err
}

func (c *Conn) pingLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil, 10*time.Second); err != nil {
				log.Warn().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (c *Conn) writeControl(kind int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteControl(kind, data, time.Now().Add(timeout)); err != nil {
		return err
	}
	// masked client control frame: two header bytes and a four byte key
	c.sent.Add(int64(len(data) + 6))

	return nil
}

func (c *Conn) extendDeadline() error {
	if c.readTimeout <= 0 {
		return nil
	}

	return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}
