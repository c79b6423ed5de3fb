// Package engine assembles drives, the metadata store, the chunk registry
// and the background duties into one storage engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/blob"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/lifecycle"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/memory"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/tier"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"github.com/gftdcojp/hybrid-tiered-storage/pkg/s3util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is an open storage engine.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	drives    *drive.Set
	meta      *meta.BoltStore
	reg       *chunk.Registry
	orch      *tier.Orchestrator
	lifecycle *lifecycle.Manager

	// S3 clients by drive name, for readiness probes.
	s3 map[string]*s3util.Client

	closeOnce sync.Once
	closeErr  error
}

// Open builds every configured drive, opens the metadata store and restores
// drive accounting. The background duties start with Run.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		s3:     make(map[string]*s3util.Client),
	}

	drives := make([]*drive.Drive, 0, len(cfg.Drives))
	for i, dc := range cfg.Drives {
		d, err := e.openDrive(ctx, i, dc)
		if err != nil {
			drive.NewSet(drives).Close()
			return nil, err
		}
		drives = append(drives, d)
	}
	e.drives = drive.NewSet(drives)

	if err := os.MkdirAll(filepath.Dir(cfg.Metadata.Path), 0755); err != nil {
		e.drives.Close()
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	store, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"),
		meta.WithNoSync(cfg.Metadata.NoSync),
		meta.WithRowCacheSize(cfg.Metadata.RowCacheSize),
	)
	if err != nil {
		e.drives.Close()
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	e.meta = store

	e.reg = chunk.NewRegistry(int64(cfg.Engine.ChunkSize), e.drives, store, logger.Named("chunk"))
	if err := lifecycle.RestoreDrives(ctx, store, e.reg, logger.Named("lifecycle")); err != nil {
		store.Close()
		e.drives.Close()
		return nil, err
	}

	e.orch = tier.NewOrchestrator(tier.OrchestratorConfig{
		Registry: e.reg,
		Meta:     store,
		Engine:   cfg.Engine,
		Policy:   cfg.Policy,
		Logger:   logger.Named("tier"),
	})
	e.lifecycle = lifecycle.NewManager(e.reg, store, cfg.Lifecycle, logger.Named("lifecycle"))

	logger.Info("engine opened",
		zap.Int("fast_drives", len(e.drives.Tier(types.TierFast))),
		zap.Int("slow_drives", len(e.drives.Tier(types.TierSlow))),
		zap.Int64("chunk_size", int64(cfg.Engine.ChunkSize)),
	)
	return e, nil
}

func (e *Engine) openDrive(ctx context.Context, id int, dc config.DriveConfig) (*drive.Drive, error) {
	t, err := types.ParseTier(dc.Tier)
	if err != nil {
		return nil, fmt.Errorf("drive %s: %w", dc.Name, err)
	}

	var backend drive.Backend
	switch dc.Kind {
	case "", "local":
		lb, err := drive.NewLocalBackend(dc.Path)
		if err != nil {
			return nil, fmt.Errorf("drive %s: %w", dc.Name, err)
		}
		backend = lb
	case "s3":
		client, err := s3util.NewClient(ctx, dc.S3)
		if err != nil {
			return nil, fmt.Errorf("drive %s: creating S3 client: %w", dc.Name, err)
		}
		e.s3[dc.Name] = client
		backend = blob.NewBackend(context.WithoutCancel(ctx), client.S3, client.Bucket, client.Prefix, int64(dc.MaxBytes),
			e.logger.Named("blob").With(zap.String("drive", dc.Name)))
	case "memory":
		backend = memory.NewBackend(int64(dc.MaxBytes))
	default:
		return nil, fmt.Errorf("drive %s: unknown kind %q", dc.Name, dc.Kind)
	}

	d, err := drive.New(id, dc.Name, t, backend, int64(dc.MaxBytes), e.logger.Named("drive"))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return d, nil
}

func (e *Engine) Registry() *chunk.Registry {
	return e.reg
}

func (e *Engine) Drives() *drive.Set {
	return e.drives
}

func (e *Engine) Meta() meta.Store {
	return e.meta
}

func (e *Engine) Orchestrator() *tier.Orchestrator {
	return e.orch
}

func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}

// S3Clients returns the S3 clients of object-storage drives, by drive name.
func (e *Engine) S3Clients() map[string]*s3util.Client {
	return e.s3
}

// Run runs the eviction, rebalancing and lifecycle duties until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.orch.RunEvictionLoop(gctx) })
	g.Go(func() error { return e.orch.RunRebalanceLoop(gctx) })
	g.Go(func() error { return e.lifecycle.Run(gctx) })
	return g.Wait()
}

// CollectOrphans removes rows whose chunk files are gone.
func (e *Engine) CollectOrphans(ctx context.Context) (int, error) {
	return lifecycle.CollectOrphans(ctx, e.meta, e.reg, e.logger.Named("lifecycle"))
}

// Close closes every live chunk, persists all metadata, then closes the
// drives and the metadata store. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := e.drives.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.meta.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}

// Status is a summary of the engine for the control plane.
type Status struct {
	ChunkSize  int64                `json:"chunk_size"`
	LiveChunks int                  `json:"live_chunks"`
	Drives     []drive.Info         `json:"drives"`
	Throughput chunk.ThroughputInfo `json:"throughput"`
}

func (e *Engine) Status() Status {
	s := Status{
		ChunkSize:  e.reg.ChunkSize(),
		LiveChunks: e.reg.Len(),
		Throughput: e.reg.Throughput(),
	}
	for _, d := range e.drives.All() {
		s.Drives = append(s.Drives, d.Info())
	}
	return s
}
