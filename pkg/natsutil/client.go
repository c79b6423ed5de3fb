// Package natsutil connects the control-plane responder to NATS.
package natsutil

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultName = "hybrid-tiered-storage"

	reconnectBufSize = 8 * 1024 * 1024
	drainTimeout     = 10 * time.Second
)

// ConnectionName is the client name reported to the server. An empty
// configured name becomes "hybrid-tiered-storage@<host>" so several nodes
// can be told apart in server monitoring.
func ConnectionName(cfg config.NATSConfig) string {
	if cfg.ConnectionName != "" {
		return cfg.ConnectionName
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return defaultName
	}
	return defaultName + "@" + host
}

// Options translates the nats config section into client options.
func Options(cfg config.NATSConfig, logger *zap.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(ConnectionName(cfg)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectBufSize(reconnectBufSize),
		nats.PingInterval(20 * time.Second),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.NATSConnectionEvents.WithLabelValues("disconnect").Inc()
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionEvents.WithLabelValues("reconnect").Inc()
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnectionEvents.WithLabelValues("closed").Inc()
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			metrics.NATSConnectionEvents.WithLabelValues("error").Inc()
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}
	if wait := cfg.ReconnectWait.Duration(); wait > 0 {
		opts = append(opts, nats.ReconnectWait(wait))
	}

	if cfg.CredentialsFile != "" && cfg.NKeySeedFile != "" {
		return nil, errors.New("nats: credentials_file and nkey_seed_file are mutually exclusive")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, errors.New("nats: tls cert_file and key_file must be set together")
	}
	if cfg.TLS.CertFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}
	return opts, nil
}

// Connect dials the configured NATS server.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts, err := Options(cfg, logger)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
		zap.String("name", nc.Opts.Name),
	)
	return nc, nil
}

// Drain lets in-flight responder replies finish and closes the connection.
// It falls back to Close when draining fails or does not finish in time.
func Drain(nc *nats.Conn, timeout time.Duration) error {
	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for !nc.IsClosed() {
		if time.Now().After(deadline) {
			nc.Close()
			return errors.New("draining NATS connection: timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
