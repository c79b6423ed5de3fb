package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/serve"
	"github.com/gftdcojp/hybrid-tiered-storage/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hybrid-tiered-storage %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer func() {
		// Closing persists every chunk and drive row; give it time past the signal.
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Minute)
		defer closeCancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Error("error closing engine", zap.Error(err))
		}
	}()

	// NATS is only needed by the responder.
	var nc *nats.Conn
	if cfg.API.NATSResponder.Enabled {
		nc, err = natsutil.Connect(cfg.NATS, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			if err := natsutil.Drain(nc, 10*time.Second); err != nil {
				logger.Warn("error draining NATS connection", zap.Error(err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })

	// Start HTTP API
	if cfg.API.Enabled {
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, eng, logger.Named("api"))
		})
	}

	// Start NATS responder
	if nc != nil {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, eng, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, eng.Meta())
		for name, client := range eng.S3Clients() {
			healthChecker.AddProbe("s3:"+name, client.Ping)
		}
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("hybrid-tiered-storage started",
		zap.String("version", version),
		zap.Int("drives", len(cfg.Drives)),
		zap.Int64("chunk_size", int64(cfg.Engine.ChunkSize)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down, closing live chunks...")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		zapCfg.OutputPaths = []string{"stdout"}
	default:
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
