// Package ipstack is the geolocation gateway backed by the ipstack.com API.
package ipstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/woozymasta/se4watch/internal/gateway"
	"github.com/woozymasta/se4watch/internal/models"
)

// Name is the gateway name used in errors, logs and metrics.
const Name = "ipstack"

// Options configures the client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Breaker gateway.BreakerSettings
}

// Client resolves IP addresses to locations.
type Client struct {
	http    *http.Client
	breaker *gateway.Breaker[struct{}]
	key     string
	baseURL string
}

type response struct {
	Success     *bool    `json:"success"`
	Error       *apiErr  `json:"error"`
	IP          string   `json:"ip"`
	CountryCode string   `json:"country_code"`
	CountryName string   `json:"country_name"`
	RegionName  string   `json:"region_name"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

type apiErr struct {
	Type string `json:"type"`
	Info string `json:"info"`
	Code int    `json:"code"`
}

// New creates a client for the given access key.
func New(key string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://api.ipstack.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Breaker.MinRequests == 0 {
		opts.Breaker = gateway.DefaultBreakerSettings()
	}

	return &Client{
		http:    gateway.NewHTTPClient(opts.Timeout),
		breaker: gateway.NewBreaker[struct{}](Name, opts.Breaker),
		key:     key,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return Name
}

// Routable reports whether an address can be geolocated: a valid address that is
// not private, loopback, link local or unspecified.
func Routable(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}

	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsMulticast())
}

// Locate resolves an address. Non routable addresses fail with KindInvalid without
// calling the API.
func (c *Client) Locate(ctx context.Context, ip string) (*models.Location, error) {
	ip = strings.TrimSpace(ip)
	if !Routable(ip) {
		return nil, gateway.NewError(Name, ip, gateway.KindInvalid, fmt.Errorf("address %q is not routable", ip))
	}

	endpoint := c.baseURL + "/" + url.PathEscape(ip) + "?" + url.Values{"access_key": {c.key}}.Encode()

	var res response
	_, err := c.breaker.Do(ip, func() (struct{}, error) {
		if err := gateway.FetchJSON(ctx, c.http, Name, ip, endpoint, &res); err != nil {
			return struct{}{}, err
		}
		// ipstack reports key and quota problems with status 200 and success=false
		if res.Success != nil && !*res.Success {
			var cause error = errors.New("request rejected")
			if res.Error != nil {
				cause = res.Error
			}
			return struct{}{}, gateway.NewError(Name, ip, gateway.KindStatus, cause)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	if res.CountryCode == "" && res.CountryName == "" {
		return nil, gateway.NewError(Name, ip, gateway.KindEmpty,
			fmt.Errorf("no country in answer: %w", gateway.ErrEmptyResult))
	}

	loc := &models.Location{
		IP:          ip,
		CountryCode: res.CountryCode,
		Country:     res.CountryName,
		Region:      res.RegionName,
		City:        res.City,
	}
	if res.Latitude != nil && res.Longitude != nil {
		loc.Latitude = *res.Latitude
		loc.Longitude = *res.Longitude
	}

	return loc, nil
}

func (e *apiErr) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Code, e.Type, e.Info)
}
