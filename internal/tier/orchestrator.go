// Package tier runs the background duties that keep the chunk population
// bounded and the fast tier below its pressure watermark.
package tier

import (
	"context"
	"errors"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// OrchestratorConfig holds dependencies for the orchestrator.
type OrchestratorConfig struct {
	Registry *chunk.Registry
	Meta     meta.Store
	Engine   config.EngineConfig
	Policy   config.PolicyConfig
	Logger   *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator closes idle chunks, saves stale metadata cursors and moves
// chunks between tiers.
type Orchestrator struct {
	reg    *chunk.Registry
	drives *drive.Set
	meta   meta.Store
	engine config.EngineConfig
	cfg    config.PolicyConfig
	policy *PolicyEngine
	logger *zap.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		reg:    cfg.Registry,
		drives: cfg.Registry.Drives(),
		meta:   cfg.Meta,
		engine: cfg.Engine,
		cfg:    cfg.Policy,
		policy: NewPolicyEngine(cfg.Engine, cfg.Policy),
		logger: cfg.Logger,
		now:    now,
	}
}

// RunEvictionLoop runs the eviction duty every EvictionInterval until ctx is done.
func (o *Orchestrator) RunEvictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.engine.EvictionInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.EvictionCycle(ctx)
		}
	}
}

// EvictionCycle closes idle chunks and saves stale cursors. It returns the
// number of chunks closed.
func (o *Orchestrator) EvictionCycle(ctx context.Context) int {
	now := o.now()

	closed := 0
	victims := SelectIdle(o.reg.Snapshot(), now, o.engine.MaxOpenedChunks, o.engine.CloseChunkAfter.Duration())
	for _, c := range victims {
		if err := c.Close(); err != nil {
			o.logger.Error("closing idle chunk", zap.Stringer("chunk", c.Key()), zap.Error(err))
			continue
		}
		closed++
		metrics.ChunksEvicted.Inc()
	}
	if closed > 0 {
		o.logger.Debug("idle chunks closed", zap.Int("closed", closed), zap.Int("live", o.reg.Len()))
	}

	for _, cur := range o.policy.CursorsToSave(o.meta.Cursors(), now) {
		if err := cur.Save(ctx); err != nil {
			o.logger.Error("saving cursor", zap.String("cursor", cur.Name()), zap.Error(err))
		}
	}
	return closed
}

// RunRebalanceLoop runs rebalancing cycles back to back, sleeping IdleSleep
// after a cycle that moved nothing.
func (o *Orchestrator) RunRebalanceLoop(ctx context.Context) error {
	idle := o.cfg.IdleSleep.Duration()
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		moved, err := o.RebalanceCycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("rebalance cycle error", zap.Error(err))
		}
		if moved > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(idle)
		}
	}
}

// RebalanceCycle demotes cold chunks off pressured fast drives. When no fast
// drive is pressured and promotion is enabled it promotes warm chunks
// instead. It returns the number of chunks moved.
func (o *Orchestrator) RebalanceCycle(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.RebalanceCycleDuration.Observe(time.Since(start).Seconds())
	}()

	if pressured := o.drives.Pressured(o.cfg.FastFreeWatermark); len(pressured) > 0 {
		return o.demote(ctx, pressured)
	}
	if o.cfg.PromotionEnabled {
		return o.promote(ctx)
	}
	return 0, nil
}

func (o *Orchestrator) maxMoves() int {
	if o.cfg.MaxMovesPerCycle > 0 {
		return o.cfg.MaxMovesPerCycle
	}
	return 1
}

func (o *Orchestrator) demote(ctx context.Context, pressured []*drive.Drive) (int, error) {
	moved := 0
	for _, src := range pressured {
		if moved >= o.maxMoves() {
			break
		}
		rows, err := o.meta.ChunksByTemperature(ctx, meta.ChunkQuery{
			Residency:   meta.ResidencyFast,
			FastDriveID: src.ID,
			HasFastFile: true,
			Limit:       o.maxMoves() - moved,
		})
		if err != nil {
			return moved, err
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return moved, ctx.Err()
			}
			if src.FreeFraction() >= o.cfg.FastFreeWatermark {
				break
			}
			target, err := o.drives.MostFree(types.TierSlow)
			if err != nil {
				return moved, err
			}
			if err := o.reg.Demote(row.Key(), target); err != nil {
				o.logger.Error("demoting chunk",
					zap.Stringer("chunk", row.Key()),
					zap.String("from", src.Name),
					zap.Error(err),
				)
				continue
			}
			moved++
		}
	}
	if moved > 0 {
		o.logger.Info("chunks demoted", zap.Int("count", moved))
	}
	return moved, nil
}

func (o *Orchestrator) promote(ctx context.Context) (int, error) {
	target, err := o.drives.MostFree(types.TierFast)
	if err != nil {
		return 0, err
	}
	if target.FreeFraction() <= o.cfg.PromoteFreeAbove {
		return 0, nil
	}

	avg, count, err := o.meta.AverageTemperature(ctx)
	if err != nil || count == 0 {
		return 0, err
	}
	rows, err := o.meta.ChunksByTemperature(ctx, meta.ChunkQuery{
		Residency:   meta.ResidencySlow,
		FastDriveID: meta.AnyDrive,
		Descending:  true,
		Limit:       o.maxMoves(),
	})
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, row := range o.policy.PromotionCandidates(rows, avg) {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		if target.FreeFraction() <= o.cfg.PromoteFreeAbove {
			break
		}
		if err := o.reg.Promote(row.Key(), target); err != nil {
			o.logger.Error("promoting chunk",
				zap.Stringer("chunk", row.Key()),
				zap.String("to", target.Name),
				zap.Error(err),
			)
			continue
		}
		moved++
	}
	if moved > 0 {
		o.logger.Info("chunks promoted", zap.Int("count", moved), zap.String("to", target.Name))
	}
	return moved, nil
}

// Shutdown closes every live chunk, persists drive rows and saves all
// cursors. Drives and the metadata store stay open.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	if err := o.reg.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	for _, d := range o.drives.All() {
		row := meta.DriveRow{ID: d.ID, Name: d.Name, UsedBytes: d.UsedBytes(), UpdatedAt: o.now()}
		if err := o.meta.SetDrive(ctx, row); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cur := range o.meta.Cursors() {
		if err := cur.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.logger.Info("orchestrator shut down")
	return errors.Join(errs...)
}
