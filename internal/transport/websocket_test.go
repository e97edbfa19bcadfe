package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReadFrames(t *testing.T) {
	frames := []string{`{"lobby":{"players":[]}}`, `{"server":{"name":"test"}}`}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	var total int64
	for _, want := range frames {
		got, err := c.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
		total += int64(len(want))
	}

	_, err = c.ReadFrame()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	_, received := c.Counters()
	assert.Equal(t, total, received)
}

func TestCloseUnblocksRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), wsURL(srv), DefaultOptions())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked by close")
	}
}

func TestPingKeepalive(t *testing.T) {
	var pings atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		conn.SetPingHandler(func(data string) error {
			pings.Add(1)
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.PingInterval = 10 * time.Millisecond
	c, err := Dial(context.Background(), wsURL(srv), opts)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	assert.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	sent, _ := c.Counters()
	assert.Positive(t, sent)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, wsURL(srv), DefaultOptions())
	assert.Error(t, err)
}
