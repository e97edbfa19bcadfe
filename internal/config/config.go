// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/se4watch/internal/enrich"
	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/game"
	"github.com/woozymasta/se4watch/internal/gateway"
	"github.com/woozymasta/se4watch/internal/ipstack"
	"github.com/woozymasta/se4watch/internal/logger"
	"github.com/woozymasta/se4watch/internal/monitor"
	"github.com/woozymasta/se4watch/internal/server"
	"github.com/woozymasta/se4watch/internal/steam"
	"github.com/woozymasta/se4watch/internal/transport"
	"github.com/woozymasta/se4watch/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Target  Target        `group:"Target Options" namespace:"target" env-namespace:"SE4WATCH_TARGET"`
	Steam   Gateway       `group:"Steam Options" namespace:"steam" env-namespace:"SE4WATCH_STEAM"`
	IPStack Gateway       `group:"IPStack Options" namespace:"ipstack" env-namespace:"SE4WATCH_IPSTACK"`
	Publish Publish       `group:"Publish Options" namespace:"publish" env-namespace:"SE4WATCH_PUBLISH"`
	GeoIP   GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"SE4WATCH_GEOIP"`
	A2S     A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"SE4WATCH_A2S"`
	Events  Events        `group:"Event Log Options" namespace:"events" env-namespace:"SE4WATCH_EVENTS"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"SE4WATCH_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Target is the monitored game server admin endpoint.
type Target struct {
	// betteralign:ignore

	Host         string        `short:"H" long:"host" env:"HOST" description:"Game server host"`
	Port         int           `short:"p" long:"port" env:"PORT" description:"Admin websocket port" default:"8080"`
	Path         string        `long:"path" env:"PATH" description:"Admin websocket path" default:"/"`
	Secure       bool          `long:"tls" env:"TLS" description:"Use wss:// instead of ws://"`
	ReadTimeout  time.Duration `long:"read-timeout" env:"READ_TIMEOUT" description:"Fail the session when nothing is received for this long" default:"90s"`
	PingInterval time.Duration `long:"ping-interval" env:"PING_INTERVAL" description:"Websocket keepalive interval" default:"30s"`
}

// Gateway configures one enrichment gateway. An empty key disables it.
type Gateway struct {
	// betteralign:ignore

	Key         string        `long:"api-key" env:"API_KEY" description:"API key, empty disables the gateway"`
	BaseURL     string        `long:"base-url" env:"BASE_URL" description:"API base URL override"`
	Timeout     time.Duration `long:"timeout" env:"TIMEOUT" description:"Per lookup timeout" default:"2s"`
	MinInterval time.Duration `long:"min-interval" env:"MIN_INTERVAL" description:"Minimum time between two calls (default 100ms steam, 250ms ipstack)"`
	QueueDepth  int           `long:"queue-depth" env:"QUEUE_DEPTH" description:"Lookups waiting for a worker before new ones are skipped" default:"64"`
	Workers     int           `long:"workers" env:"WORKERS" description:"Concurrent calls" default:"4"`
}

// Publish holds the HTTP publish server configuration.
type Publish struct {
	// betteralign:ignore

	Address    string        `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"HTTP listen address, empty disables the server" default:":8090"`
	AuthToken  string        `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Bearer token for /api endpoints"`
	LogBuffer  int           `long:"log-buffer" env:"LOG_BUFFER" description:"Event log lines kept for /api/log" default:"500"`
	RateCount  int           `long:"rate-count" env:"RATE_COUNT" description:"Requests per client IP per window" default:"60"`
	RateWindow time.Duration `long:"rate-window" env:"RATE_WINDOW" description:"Rate limit window" default:"1m"`
	TrustProxy bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file, empty disables server country lookup" default:"se4watch.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Maximum database age before download" default:"24h"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Port       int           `long:"port" env:"PORT" description:"Query port of the game server, 0 disables the probe"`
	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// Events configures the user facing event log filter.
type Events struct {
	// betteralign:ignore

	Level string   `long:"level" env:"LEVEL" description:"Lowest event level kept (debug, info, warn, error)" default:"info"`
	Drop  []string `long:"drop" env:"DROP" env-delim:"," description:"Event levels dropped regardless of --events-level"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.As(err, &flagsErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print(os.Stdout)
		os.Exit(0)
	}

	return cfg
}

// ParseArgs parses args and the environment and validates the result.
func ParseArgs(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Version {
		return &cfg, nil
	}

	if err := cfg.Options().Validate(); err != nil {
		return nil, fmt.Errorf("%w (set --target-host or SE4WATCH_TARGET_HOST)", err)
	}

	if _, err := cfg.EventFilter(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Options builds the connection manager options. Gateway keys are passed as is;
// their presence alone enables each gateway.
func (c *Config) Options() monitor.Options {
	return monitor.Options{
		Host:           c.Target.Host,
		Port:           c.Target.Port,
		Path:           c.Target.Path,
		Secure:         c.Target.Secure,
		ReputationKey:  c.Steam.Key,
		GeolocationKey: c.IPStack.Key,
	}
}

// TransportOptions returns the websocket tuning.
func (c *Config) TransportOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.ReadTimeout = c.Target.ReadTimeout
	opts.PingInterval = c.Target.PingInterval

	return opts
}

// PipelineOptions returns the enrichment lanes configuration.
func (c *Config) PipelineOptions() enrich.Options {
	opts := enrich.DefaultOptions()
	opts.Reputation = c.Steam.lane(opts.Reputation)
	opts.Geolocation = c.IPStack.lane(opts.Geolocation)

	return opts
}

// SteamOptions returns the reputation client options.
func (c *Config) SteamOptions() steam.Options {
	return steam.Options{
		BaseURL: c.Steam.BaseURL,
		Timeout: c.Steam.Timeout,
		AppID:   steam.DefaultAppID,
		Breaker: gateway.DefaultBreakerSettings(),
	}
}

// IPStackOptions returns the geolocation client options.
func (c *Config) IPStackOptions() ipstack.Options {
	return ipstack.Options{
		BaseURL: c.IPStack.BaseURL,
		Timeout: c.IPStack.Timeout,
		Breaker: gateway.DefaultBreakerSettings(),
	}
}

// GameOptions returns the A2S query options.
func (c *Config) GameOptions() game.Options {
	return game.Options{Timeout: c.A2S.Timeout, BufferSize: c.A2S.BufferSize}
}

// ServerOptions returns the publish server options.
func (c *Config) ServerOptions() server.Options {
	return server.Options{
		AuthToken:  c.Publish.AuthToken,
		QueryHost:  c.Target.Host,
		QueryPort:  c.A2S.Port,
		A2S:        c.GameOptions(),
		LogBuffer:  c.Publish.LogBuffer,
		RateCount:  c.Publish.RateCount,
		RateWindow: c.Publish.RateWindow,
		TrustProxy: c.Publish.TrustProxy,
	}
}

// EventFilter builds the event log filter: events below the configured level and
// events of any dropped level are discarded.
func (c *Config) EventFilter() (eventlog.Filter, error) {
	floor, err := eventlog.ParseLevel(c.Events.Level)
	if err != nil {
		return nil, err
	}

	dropped := make([]eventlog.Level, 0, len(c.Events.Drop))
	for _, name := range c.Events.Drop {
		if strings.TrimSpace(name) == "" {
			continue
		}
		l, err := eventlog.ParseLevel(name)
		if err != nil {
			return nil, err
		}
		dropped = append(dropped, l)
	}

	below, drop := eventlog.Below(floor), eventlog.Drop(dropped...)

	return func(l eventlog.Level) bool { return below(l) || drop(l) }, nil
}

// lane overrides the defaults with every value set.
func (g Gateway) lane(def enrich.LaneOptions) enrich.LaneOptions {
	if g.Timeout > 0 {
		def.Timeout = g.Timeout
	}
	if g.MinInterval > 0 {
		def.MinInterval = g.MinInterval
	}
	if g.QueueDepth > 0 {
		def.QueueDepth = g.QueueDepth
	}
	if g.Workers > 0 {
		def.Workers = g.Workers
	}

	return def
}
