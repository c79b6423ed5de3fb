// Package lifecycle keeps drive accounting persisted and current, and
// removes chunk rows whose files have disappeared.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"go.uber.org/zap"
)

// Manager runs the periodic drive maintenance cycle.
type Manager struct {
	reg    *chunk.Registry
	meta   meta.Store
	cfg    config.LifecycleConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a new lifecycle manager.
func NewManager(reg *chunk.Registry, metaStore meta.Store, cfg config.LifecycleConfig, logger *zap.Logger) *Manager {
	return &Manager{
		reg:    reg,
		meta:   metaStore,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run starts the periodic maintenance loop.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Cycle(ctx); err != nil {
				m.logger.Error("lifecycle cycle error", zap.Error(err))
			}
		}
	}
}

// Cycle refreshes drive capacities, persists drive rows, publishes gauges
// and, when enabled, collects orphaned chunk rows.
func (m *Manager) Cycle(ctx context.Context) error {
	var errs []error
	for _, d := range m.reg.Drives().All() {
		if err := d.RefreshCapacity(); err != nil {
			errs = append(errs, err)
		}
		row := meta.DriveRow{ID: d.ID, Name: d.Name, UsedBytes: d.UsedBytes(), UpdatedAt: m.now()}
		if err := m.meta.SetDrive(ctx, row); err != nil {
			errs = append(errs, err)
		}
		d.PublishMetrics()
	}
	m.reg.PublishMetrics()

	if m.cfg.GCOrphans {
		if _, err := CollectOrphans(ctx, m.meta, m.reg, m.logger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestoreDrives loads each drive's persisted used-bytes counter. Drives
// without a row, or whose row was written under another name, start at zero.
func RestoreDrives(ctx context.Context, metaStore meta.Store, reg *chunk.Registry, logger *zap.Logger) error {
	for _, d := range reg.Drives().All() {
		row, err := metaStore.GetDrive(ctx, d.ID)
		if errors.Is(err, meta.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading drive %s: %w", d.Name, err)
		}
		if row.Name != d.Name {
			logger.Warn("drive row belongs to a different drive, ignoring",
				zap.Int("drive_id", d.ID),
				zap.String("row_name", row.Name),
				zap.String("drive", d.Name),
			)
			continue
		}
		d.SetUsedBytes(row.UsedBytes)
	}
	return nil
}
