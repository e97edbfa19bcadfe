package geoip

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// unresolvedTTL is how long a host that did not resolve is remembered.
const unresolvedTTL = time.Minute

type hostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type cached struct {
	// expires is zero for resolved hosts, which never expire.
	expires time.Time
	code    string
}

// Provider wraps the GeoIP2 database reader to provide country lookups.
type Provider struct {
	db       *geoip2.Reader
	resolver hostResolver
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// Open initializes the GeoIP database reader from a specific file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		db:       db,
		resolver: net.DefaultResolver,
		now:      time.Now,
		cache:    make(map[string]cached),
	}, nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	return p.db.Close()
}

// GetCountryCode looks up the ISO country code (e.g., "US", "DE") for an IP address.
// It returns an empty string if the IP is invalid or the country cannot be determined.
func (p *Provider) GetCountryCode(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	record, err := p.db.Country(ip)
	if err != nil {
		return ""
	}

	return record.Country.IsoCode
}

// CountryOf returns the country code of a server host. The host may carry a port
// and may be a name, which is resolved once; answers are cached per host and hosts
// that do not resolve are retried only after unresolvedTTL.
func (p *Provider) CountryOf(ctx context.Context, host string) string {
	host = SplitHost(host)
	if host == "" {
		return ""
	}

	p.mu.Lock()
	entry, ok := p.cache[host]
	p.mu.Unlock()
	if ok && (entry.expires.IsZero() || p.now().Before(entry.expires)) {
		return entry.code
	}

	ip := host
	if _, err := netip.ParseAddr(host); err != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		addrs, err := p.resolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			log.Debug().Err(err).Str("host", host).Msg("GeoIP host not resolved")
			p.store(host, cached{expires: p.now().Add(unresolvedTTL)})
			return ""
		}
		ip = addrs[0].IP.String()
	}

	code := p.GetCountryCode(ip)
	p.store(host, cached{code: code})

	return code
}

func (p *Provider) store(host string, entry cached) {
	p.mu.Lock()
	p.cache[host] = entry
	p.mu.Unlock()
}

// SplitHost strips an optional port and IPv6 brackets from host.
func SplitHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return strings.Trim(host, "[]")
}
