package steam

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/se4watch/internal/gateway"
)

const testSteamID = "76561197960287930"

type fakeSteam struct {
	bans  string
	games string
	calls atomic.Int32
}

func (f *fakeSteam) server(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.URL.Query().Get("key") != "secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ISteamUser/GetPlayerBans/v1/":
			assert.Equal(t, testSteamID, r.URL.Query().Get("steamids"))
			_, _ = w.Write([]byte(f.bans))
		case "/IPlayerService/GetOwnedGames/v1/":
			assert.Equal(t, "312660", r.URL.Query().Get("appids_filter[0]"))
			_, _ = w.Write([]byte(f.games))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newClient(url, key string) *Client {
	return New(key, Options{BaseURL: url, Timeout: time.Second})
}

func TestLookup(t *testing.T) {
	f := &fakeSteam{
		bans:  `{"players":[{"SteamId":"76561197960287930","CommunityBanned":false,"VACBanned":true,"NumberOfVACBans":1,"DaysSinceLastBan":300,"NumberOfGameBans":0,"EconomyBan":"none"}]}`,
		games: `{"response":{"game_count":1,"games":[{"appid":312660,"playtime_forever":750}]}}`,
	}
	srv := f.server(t)

	rep, err := newClient(srv.URL, "secret").Lookup(context.Background(), testSteamID)
	require.NoError(t, err)
	assert.True(t, rep.Bans.VACBanned)
	assert.True(t, rep.Bans.Banned())
	require.NotNil(t, rep.PlayHours)
	assert.EqualValues(t, 12, *rep.PlayHours)
}

func TestLookupEmptyBanList(t *testing.T) {
	for _, body := range []string{`{"players":[]}`, `{}`} {
		f := &fakeSteam{bans: body}
		srv := f.server(t)

		rep, err := newClient(srv.URL, "secret").Lookup(context.Background(), testSteamID)
		assert.Nil(t, rep)
		assert.Equal(t, gateway.KindEmpty, gateway.KindOf(err), body)
		assert.ErrorIs(t, err, gateway.ErrEmptyResult)
		assert.EqualValues(t, 1, f.calls.Load(), "play time is not fetched without a ban record")
	}
}

func TestLookupPrivateProfileKeepsBans(t *testing.T) {
	f := &fakeSteam{
		bans:  `{"players":[{"SteamId":"76561197960287930"}]}`,
		games: `{"response":{}}`,
	}
	srv := f.server(t)

	rep, err := newClient(srv.URL, "secret").Lookup(context.Background(), testSteamID)
	require.NotNil(t, rep)
	assert.False(t, rep.Bans.Banned())
	assert.Nil(t, rep.PlayHours)
	assert.Equal(t, gateway.KindEmpty, gateway.KindOf(err))
}

func TestLookupBadKey(t *testing.T) {
	f := &fakeSteam{}
	srv := f.server(t)

	_, err := newClient(srv.URL, "wrong").Lookup(context.Background(), testSteamID)
	assert.Equal(t, gateway.KindStatus, gateway.KindOf(err))
}

func TestLookupInvalidSteamID(t *testing.T) {
	f := &fakeSteam{}
	srv := f.server(t)

	_, err := newClient(srv.URL, "secret").Lookup(context.Background(), "not-a-steam-id")
	assert.Equal(t, gateway.KindInvalid, gateway.KindOf(err))
	assert.Zero(t, f.calls.Load())
}
