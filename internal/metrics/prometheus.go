package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chunk I/O
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_bytes_total",
		Help: "Bytes read from or written to chunk files",
	}, []string{"tier", "direction"})

	ChunkOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_chunk_ops_total",
		Help: "Chunk operations by kind",
	}, []string{"op"})

	ChunkOpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_chunk_op_errors_total",
		Help: "Chunk operations that returned an error",
	}, []string{"op"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hts_request_latency_seconds",
		Help:    "Registry read/write/resize latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})

	ThroughputAvg = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hts_throughput_avg_bytes",
		Help: "Smoothed per-second throughput",
	}, []string{"direction"})

	// Registry and eviction
	LiveChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hts_live_chunks",
		Help: "Chunks currently open in the registry",
	})

	ChunksEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hts_chunks_evicted_total",
		Help: "Chunks closed by the eviction loop",
	})

	CursorSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_cursor_saves_total",
		Help: "Metadata cursor flushes",
	}, []string{"cursor"})

	// Tiering
	DemotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_demotion_ops_total",
		Help: "Chunks moved off a fast drive",
	}, []string{"from_drive", "to_drive"})

	PromotionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_promotion_ops_total",
		Help: "Chunks made resident on a fast drive",
	}, []string{"from_drive", "to_drive"})

	RebalanceCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hts_rebalance_cycle_duration_seconds",
		Help:    "Time spent in one rebalance cycle",
		Buckets: prometheus.DefBuckets,
	})

	// Drives
	DriveFreeRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hts_drive_free_ratio",
		Help: "Free fraction of drive capacity",
	}, []string{"drive", "tier"})

	DriveUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hts_drive_used_bytes",
		Help: "Bytes held by chunk files on the drive",
	}, []string{"drive", "tier"})

	DriveOpenFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hts_drive_open_files",
		Help: "Open chunk file handles on the drive",
	}, []string{"drive", "tier"})

	// S3
	S3TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hts_s3_transfer_duration_seconds",
		Help:    "S3 object transfer latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	S3Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_s3_errors_total",
		Help: "S3 request failures",
	}, []string{"operation"})

	// Control plane
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_api_requests_total",
		Help: "Control-plane requests by transport and status",
	}, []string{"transport", "status"})

	NATSConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hts_nats_connection_events_total",
		Help: "NATS connection state changes and async errors",
	}, []string{"event"})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
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
