// main is the entry point of the SE4Watch monitor.
// It wires the configuration, logger, gateways, enrichment pipeline, connection
// manager and HTTP publish server, and runs until a signal or a failed session.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/se4watch/internal/config"
	"github.com/woozymasta/se4watch/internal/enrich"
	"github.com/woozymasta/se4watch/internal/eventlog"
	"github.com/woozymasta/se4watch/internal/game"
	"github.com/woozymasta/se4watch/internal/geoip"
	"github.com/woozymasta/se4watch/internal/ipstack"
	"github.com/woozymasta/se4watch/internal/logger"
	"github.com/woozymasta/se4watch/internal/monitor"
	"github.com/woozymasta/se4watch/internal/server"
	"github.com/woozymasta/se4watch/internal/steam"
	"github.com/woozymasta/se4watch/internal/vars"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Parse()

	logCloser := logger.Setup(cfg.Logger)
	defer func() { _ = logCloser.Close() }()
	log.Info().Str("version", vars.Version).Msg("Starting se4watch...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event log
	filter, err := cfg.EventFilter()
	if err != nil {
		log.Error().Err(err).Msg("Invalid event log configuration")
		return 1
	}
	events := eventlog.New(filter, eventlog.WithMirror(log.Logger))

	// Publish server
	var manager *monitor.Manager
	publisher := server.New(cfg.ServerOptions(), func() monitor.State { return manager.State() })
	defer publisher.Close()
	events.Subscribe(publisher.AppendLog)

	// GeoIP
	var opts []monitor.Option
	if cfg.GeoIP.Path != "" {
		if err := geoip.EnsureDB(ctx, cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		geoProvider, err := geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, server country detection disabled")
		} else {
			defer func() {
				if err := geoProvider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
			opts = append(opts, monitor.WithCountryLocator(geoProvider))
		}
	}

	// A2S preflight
	if cfg.A2S.Port > 0 {
		gameOpts := cfg.GameOptions()
		opts = append(opts, monitor.WithProber(func(ctx context.Context, host string) (*game.ServerInfo, error) {
			return game.QueryServer(ctx, host, cfg.A2S.Port, gameOpts)
		}))
	}

	// Enrichment gateways, a missing key leaves the gateway out entirely
	var (
		reputation  enrich.Reputation
		geolocation enrich.Geolocation
	)
	target := cfg.Options()
	avail := target.Availability()
	if avail.Reputation {
		reputation = steam.New(cfg.Steam.Key, cfg.SteamOptions())
	}
	if avail.Geolocation {
		geolocation = ipstack.New(cfg.IPStack.Key, cfg.IPStackOptions())
	}

	var pipeline *enrich.Pipeline
	if reputation != nil || geolocation != nil {
		pipeline = enrich.New(reputation, geolocation, events, cfg.PipelineOptions())
		defer pipeline.Close()
	}

	opts = append(opts, monitor.WithTransportOptions(cfg.TransportOptions()))
	manager = monitor.New(publisher, events, pipeline, opts...)

	var httpServer *http.Server
	if cfg.Publish.Address != "" {
		httpServer = &http.Server{
			Addr:         cfg.Publish.Address,
			Handler:      publisher.Run(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.Publish.Address).Msg("Server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Server failed")
			}
		}()
	}

	exitCode := 0
	if err := manager.Start(ctx, target); err != nil {
		log.Error().Err(err).Msg("Unable to start monitoring")
		exitCode = 1
	} else {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down...")
		case <-manager.Done():
			if err := manager.Err(); err != nil {
				log.Error().Err(err).Msg("Monitoring session failed")
				exitCode = 1
			}
		}
	}

	manager.Stop()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		cancel()
	}

	log.Info().Msg("se4watch exited")

	return exitCode
}
