package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
}

func TestFetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"name":"alpha"}`))
		case "/broken":
			_, _ = w.Write([]byte(`{"name":`))
		case "/empty":
		case "/slow":
			time.Sleep(500 * time.Millisecond)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.Error(w, "nope", http.StatusForbidden)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(5 * time.Second)
	ctx := context.Background()

	var rec record
	require.NoError(t, FetchJSON(ctx, client, "test", "k", srv.URL+"/ok", &rec))
	assert.Equal(t, "alpha", rec.Name)

	tests := []struct {
		path string
		kind Kind
	}{
		{"/broken", KindMalformed},
		{"/empty", KindEmpty},
		{"/forbidden", KindStatus},
	}
	for _, tt := range tests {
		err := FetchJSON(ctx, client, "test", "k", srv.URL+tt.path, &rec)
		var ee *EnrichmentError
		require.ErrorAs(t, err, &ee, tt.path)
		assert.Equal(t, tt.kind, ee.Kind, tt.path)
		assert.Equal(t, "test", ee.Gateway)
		assert.Equal(t, "k", ee.Key)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := FetchJSON(shortCtx, client, "test", "k", srv.URL+"/slow", &rec)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestFetchJSONUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := FetchJSON(context.Background(), NewHTTPClient(time.Second), "test", "k", url, &record{})
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindEmpty, KindOf(ErrEmptyResult))
	assert.Equal(t, KindSkipped, KindOf(ErrQueueFull))
	assert.Equal(t, KindTransport, KindOf(errors.New("reset by peer")))
	assert.Equal(t, KindInvalid, KindOf(NewError("g", "k", KindInvalid, errors.New("bad id"))))
}

func TestWrapKeepsEnrichmentErrors(t *testing.T) {
	orig := NewError("steam", "1", KindEmpty, ErrEmptyResult)
	assert.Same(t, orig, Wrap("other", "2", orig))
	assert.Nil(t, Wrap("g", "k", nil))
	assert.ErrorIs(t, Wrap("g", "k", orig), ErrEmptyResult)
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	b := NewBreaker[int]("breaker-test", BreakerSettings{
		MinRequests:  3,
		FailureRatio: 0.5,
		Interval:     time.Minute,
		OpenTimeout:  time.Minute,
	})

	fail := func() (int, error) { return 0, NewError("breaker-test", "k", KindTransport, errors.New("down")) }
	for i := 0; i < 3; i++ {
		_, err := b.Do("k", fail)
		assert.Equal(t, KindTransport, KindOf(err))
	}

	called := false
	_, err := b.Do("k", func() (int, error) { called = true; return 1, nil })
	assert.False(t, called, "open breaker must not call the gateway")
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Equal(t, "open", b.State())
}

func TestBreakerIgnoresPerKeyFailures(t *testing.T) {
	b := NewBreaker[int]("breaker-empty", BreakerSettings{
		MinRequests:  2,
		FailureRatio: 0.5,
		Interval:     time.Minute,
		OpenTimeout:  time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := b.Do("k", func() (int, error) {
			return 0, NewError("breaker-empty", "k", KindEmpty, ErrEmptyResult)
		})
		assert.Equal(t, KindEmpty, KindOf(err))
	}
	assert.Equal(t, "closed", b.State())

	v, err := b.Do("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
