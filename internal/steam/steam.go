// Package steam is the reputation gateway: player ban records and play time from the
// Steam Web API.
package steam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/leighmacdonald/steamid/v4/steamid"
	"github.com/woozymasta/se4watch/internal/gateway"
	"github.com/woozymasta/se4watch/internal/models"
)

// Name is the gateway name used in errors, logs and metrics.
const Name = "steam"

// DefaultAppID is the Steam application whose play time is reported.
const DefaultAppID = 312660

// Options configures the client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	AppID   int
	Breaker gateway.BreakerSettings
}

// Client queries the Steam Web API.
type Client struct {
	http    *http.Client
	breaker *gateway.Breaker[struct{}]
	key     string
	baseURL string
	appID   int
}

// Reputation is the enrichment result for one player.
type Reputation struct {
	PlayHours *int64
	Bans      models.PlayerBans
}

type playerBansResponse struct {
	Players []models.PlayerBans `json:"players"`
}

type ownedGamesResponse struct {
	Response struct {
		Games []struct {
			AppID           int   `json:"appid"`
			PlaytimeForever int64 `json:"playtime_forever"`
		} `json:"games"`
	} `json:"response"`
}

// New creates a client for the given API key.
func New(key string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.steampowered.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.AppID == 0 {
		opts.AppID = DefaultAppID
	}
	if opts.Breaker.MinRequests == 0 {
		opts.Breaker = gateway.DefaultBreakerSettings()
	}

	return &Client{
		http:    gateway.NewHTTPClient(opts.Timeout),
		breaker: gateway.NewBreaker[struct{}](Name, opts.Breaker),
		key:     key,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		appID:   opts.AppID,
	}
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return Name
}

// Lookup fetches the ban record and play time of a player. A missing ban record
// fails the lookup. A failed play time lookup returns the reputation with nil
// PlayHours together with the error.
func (c *Client) Lookup(ctx context.Context, steamID string) (*Reputation, error) {
	sid := steamid.New(steamID)
	if !sid.Valid() {
		return nil, gateway.NewError(Name, steamID, gateway.KindInvalid, fmt.Errorf("invalid steam id %q", steamID))
	}
	id := sid.String()

	bans, err := c.PlayerBans(ctx, id)
	if err != nil {
		return nil, err
	}

	rep := &Reputation{Bans: *bans}

	hours, err := c.PlayHours(ctx, id)
	if err != nil {
		return rep, err
	}
	rep.PlayHours = &hours

	return rep, nil
}

// PlayerBans returns the ban record of a player. An empty or absent player list is
// an error, not a clean record.
func (c *Client) PlayerBans(ctx context.Context, steamID string) (*models.PlayerBans, error) {
	q := url.Values{}
	q.Set("key", c.key)
	q.Set("steamids", steamID)
	endpoint := c.baseURL + "/ISteamUser/GetPlayerBans/v1/?" + q.Encode()

	var res playerBansResponse
	_, err := c.breaker.Do(steamID, func() (struct{}, error) {
		return struct{}{}, gateway.FetchJSON(ctx, c.http, Name, steamID, endpoint, &res)
	})
	if err != nil {
		return nil, err
	}

	if len(res.Players) == 0 {
		return nil, gateway.NewError(Name, steamID, gateway.KindEmpty,
			fmt.Errorf("no ban records: %w", gateway.ErrEmptyResult))
	}

	return &res.Players[0], nil
}

// PlayHours returns the total play time of the configured app in whole hours.
func (c *Client) PlayHours(ctx context.Context, steamID string) (int64, error) {
	q := url.Values{}
	q.Set("key", c.key)
	q.Set("steamid", steamID)
	q.Set("appids_filter[0]", strconv.Itoa(c.appID))
	q.Set("include_played_free_games", "1")
	endpoint := c.baseURL + "/IPlayerService/GetOwnedGames/v1/?" + q.Encode()

	var res ownedGamesResponse
	_, err := c.breaker.Do(steamID, func() (struct{}, error) {
		return struct{}{}, gateway.FetchJSON(ctx, c.http, Name, steamID, endpoint, &res)
	})
	if err != nil {
		return 0, err
	}

	for _, g := range res.Response.Games {
		if g.AppID == c.appID {
			return g.PlaytimeForever / 60, nil
		}
	}

	return 0, gateway.NewError(Name, steamID, gateway.KindEmpty,
		errors.Join(gateway.ErrEmptyResult, fmt.Errorf("app %d not in owned games", c.appID)))
}
