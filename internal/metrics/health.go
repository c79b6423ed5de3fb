package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is a dependency whose health is a single call, such as the
// metadata store.
type Pinger interface {
	Ping() error
}

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     Pinger
	probes   []probe
}

// NewHealthChecker creates a new health checker. Either dependency may be nil.
func NewHealthChecker(nc *nats.Conn, metaStore Pinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     metaStore,
	}
}

// AddProbe registers an extra readiness check, e.g. one per S3 bucket.
func (h *HealthChecker) AddProbe(name string, check func(ctx context.Context) error) {
	h.probes = append(h.probes, probe{name: name, check: check})
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if h.natsConn.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.meta != nil {
		status.add("metadata", h.meta.Ping())
	}

	if len(h.probes) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, p := range h.probes {
			status.add(p.name, p.check(ctx))
		}
	}

	return status
}

func (s *HealthStatus) add(name string, err error) {
	if err != nil {
		s.OK = false
		s.Checks = append(s.Checks, Check{Name: name, Status: "error", Error: err.Error()})
		return
	}
	s.Checks = append(s.Checks, Check{Name: name, Status: "ok"})
}

// HealthMux serves the liveness and readiness endpoints.
func HealthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: HealthMux(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
