// Command origin-registry runs the HTTP API that records and propagates
// stream origins across a static relay mesh.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/origin-registry/kv"
	"github.com/wolfeidau/origin-registry/registry"
	"github.com/wolfeidau/origin-registry/server"
	"github.com/wolfeidau/origin-registry/telemetry"
	"github.com/wolfeidau/origin-registry/topology"
)

var version = "dev"

var cli struct {
	Listen        string           `help:"Address to listen on." default:":8080"`
	Topology      string           `help:"Path to the YAML topology document." required:"" type:"existingfile"`
	Backend       string           `help:"Store backend." enum:"bolt,redis" default:"bolt"`
	BoltPath      string           `help:"Path to the embedded store file (bolt backend)." default:"./origin-registry.db"`
	RedisURL      string           `help:"Redis connection URL (redis backend)." default:"redis://localhost:6379/0"`
	TTL           time.Duration    `help:"Registry entry TTL; publishers must refresh within this window." default:"600s"`
	SweepInterval time.Duration    `help:"How often the bolt backend reclaims expired entries." default:"1m"`
	OTLPEndpoint  string           `help:"OTLP gRPC endpoint for metrics export (disabled when empty)."`
	LogLevel      string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat     string           `help:"Log format." enum:"text,json" default:"text"`
	Version       kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("origin-registry"),
		kong.Description("Origin registry for a mesh of media relays."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "origin-registry",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	// Topology is loaded once and immutable for the lifetime of the process.
	topo, err := topology.Load(cli.Topology)
	if err != nil {
		return err
	}
	logger.Info("loaded topology", "path", cli.Topology, "relays", topo.Len())

	// Store backend
	var store kv.Store
	switch cli.Backend {
	case "bolt":
		bolt, err := kv.OpenBolt(cli.BoltPath, kv.WithLogger(logger.With("component", "kv")))
		if err != nil {
			return err
		}
		store = bolt

		sweeper := kv.NewSweeper(bolt,
			kv.WithSweepInterval(cli.SweepInterval),
			kv.WithSweeperLogger(logger.With("component", "sweeper")),
		)
		go sweeper.Run(ctx)

	case "redis":
		redis, err := kv.OpenRedis(ctx, cli.RedisURL)
		if err != nil {
			return err
		}
		store = redis
	}
	defer func() { _ = store.Close() }()

	reg := registry.New(topo, store,
		registry.WithTTL(cli.TTL),
		registry.WithLogger(logger.With("component", "registry")),
	)

	srv := server.New(server.Config{
		Address: cli.Listen,
		Logger:  logger,
	}, reg)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"backend", cli.Backend,
		"ttl", cli.TTL,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
