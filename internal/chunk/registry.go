// Package chunk implements the chunk storage engine: addressing byte ranges
// to fixed-size chunks, per-chunk tier reconciliation, and the registry of
// live chunks.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/stats"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for usage statistics.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns the live chunks. At most one live Chunk exists per key.
type Registry struct {
	chunkSize int64
	drives    *drive.Set
	meta      meta.Store
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	chunks map[uint64]map[uint64]*Chunk
	count   int
	loads   singleflight.Group
	loading map[types.ChunkKey]struct{}

	// Engine-wide throughput; reads and writes feed total.
	total  *stats.Stats
	reads  *stats.Stats
	writes *stats.Stats
}

func NewRegistry(chunkSize int64, drives *drive.Set, store meta.Store, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		chunkSize: chunkSize,
		drives:    drives,
		meta:      store,
		logger:    logger,
		now:       time.Now,
		chunks:    make(map[uint64]map[uint64]*Chunk),
		loading:   make(map[types.ChunkKey]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.total = stats.NewWithClock(nil, r.now)
	r.reads = stats.NewWithClock(r.total, r.now)
	r.writes = stats.NewWithClock(r.total, r.now)
	return r
}

func (r *Registry) ChunkSize() int64 {
	return r.chunkSize
}

func (r *Registry) Drives() *drive.Set {
	return r.drives
}

func (r *Registry) nowMs() int64 {
	return r.now().UnixMilli()
}

// Split addresses a byte range with the registry's chunk size.
func (r *Registry) Split(pos, length int64) []types.Part {
	return Split(r.chunkSize, pos, length)
}

// Get returns the live chunk for key without creating it.
func (r *Registry) Get(key types.ChunkKey) (*Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[key.ObjectID][key.Part]
	return c, ok
}

// GetOrCreate returns the live chunk for key, loading its persisted row or
// assigning fresh drives when it is not live. Loads of one key are
// coalesced; the registry lock is not held during metadata reads.
func (r *Registry) GetOrCreate(key types.ChunkKey) (*Chunk, error) {
	if c, ok := r.Get(key); ok {
		return c, nil
	}

	v, err, _ := r.loads.Do(key.String(), func() (any, error) {
		// A previous flight may have registered the chunk.
		r.mu.Lock()
		if c, ok := r.chunks[key.ObjectID][key.Part]; ok {
			r.mu.Unlock()
			return c, nil
		}
		r.loading[key] = struct{}{}
		r.mu.Unlock()

		c, err := r.load(key)

		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.loading, key)
		if err != nil {
			return nil, err
		}
		parts, ok := r.chunks[key.ObjectID]
		if !ok {
			parts = make(map[uint64]*Chunk)
			r.chunks[key.ObjectID] = parts
		}
		parts[key.Part] = c
		r.count++
		metrics.LiveChunks.Set(float64(r.count))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chunk), nil
}

func (r *Registry) load(key types.ChunkKey) (*Chunk, error) {
	row, err := r.meta.GetChunk(context.Background(), key)
	switch {
	case err == nil:
		fastDrive, err := r.driveOrBest(row.FastDriveID, types.TierFast)
		if err != nil {
			return nil, err
		}
		slowDrive, err := r.driveOrBest(row.SlowDriveID, types.TierSlow)
		if err != nil {
			return nil, err
		}
		return newLoaded(r, row, fastDrive, slowDrive), nil

	case errors.Is(err, meta.ErrNotFound):
		fastDrive, err := r.drives.Best(types.TierFast)
		if err != nil {
			return nil, err
		}
		slowDrive, err := r.drives.Best(types.TierSlow)
		if err != nil {
			return nil, err
		}
		return newFresh(r, key, fastDrive, slowDrive), nil

	default:
		return nil, fmt.Errorf("loading chunk %s: %w", key, err)
	}
}

// driveOrBest resolves a persisted drive id, falling back to the best drive
// of the tier when the id no longer names a drive of that tier.
func (r *Registry) driveOrBest(id int, tier types.Tier) (*drive.Drive, error) {
	d, err := r.drives.Get(id)
	if err == nil && d.Tier == tier {
		return d, nil
	}
	r.logger.Warn("persisted drive no longer configured, reassigning",
		zap.Int("drive_id", id),
		zap.Stringer("tier", tier),
	)
	return r.drives.Best(tier)
}

// DeleteIdleRow deletes the persisted row of key unless the chunk is live or
// being loaded. The check and the delete happen under the registry lock, so
// no load of key can read the row in between.
func (r *Registry) DeleteIdleRow(ctx context.Context, key types.ChunkKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chunks[key.ObjectID][key.Part]; ok {
		return false, nil
	}
	if _, ok := r.loading[key]; ok {
		return false, nil
	}
	if err := r.meta.DeleteChunk(ctx, key); err != nil {
		return false, fmt.Errorf("deleting row of chunk %s: %w", key, err)
	}
	return true, nil
}

// Remove drops key from the live table. It does not close the chunk.
func (r *Registry) Remove(key types.ChunkKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key)
}

func (r *Registry) removeLocked(key types.ChunkKey) {
	parts, ok := r.chunks[key.ObjectID]
	if !ok {
		return
	}
	if _, ok := parts[key.Part]; !ok {
		return
	}
	delete(parts, key.Part)
	if len(parts) == 0 {
		delete(r.chunks, key.ObjectID)
	}
	r.count--
	metrics.LiveChunks.Set(float64(r.count))
}

// detach removes c if it is still the live instance for its key. Called by
// the chunk with its own lock held.
func (r *Registry) detach(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chunks[c.key.ObjectID][c.key.Part] == c {
		r.removeLocked(c.key)
	}
}

// withChunk runs fn on the live chunk for key, retrying when the chunk is
// closed between lookup and use.
func (r *Registry) withChunk(key types.ChunkKey, fn func(*Chunk) error) error {
	for {
		c, err := r.GetOrCreate(key)
		if err != nil {
			return err
		}
		err = fn(c)
		if !errors.Is(err, ErrClosed) {
			return err
		}
		// Closed chunks are detached before their lock is released, so the
		// next lookup yields a new instance.
		r.detach(c)
	}
}

// Read returns length bytes of object starting at pos.
func (r *Registry) Read(objectID uint64, pos, length int64) ([]byte, error) {
	start := time.Now()
	out := make([]byte, length)
	for _, part := range r.Split(pos, length) {
		key := types.ChunkKey{ObjectID: objectID, Part: part.Index}
		err := r.withChunk(key, func(c *Chunk) error {
			data, err := c.Read(part)
			if err != nil {
				return err
			}
			copy(out[part.OutOffset:], data)
			return nil
		})
		if err != nil {
			metrics.ChunkOpErrors.WithLabelValues("read").Inc()
			return nil, err
		}
		r.reads.Add(float64(part.Length))
	}
	metrics.RequestLatency.WithLabelValues("read").Observe(time.Since(start).Seconds())
	return out, nil
}

// Write stores data in object starting at pos.
func (r *Registry) Write(objectID uint64, pos int64, data []byte) error {
	start := time.Now()
	for _, part := range r.Split(pos, int64(len(data))) {
		key := types.ChunkKey{ObjectID: objectID, Part: part.Index}
		piece := data[part.OutOffset : part.OutOffset+part.Length]
		err := r.withChunk(key, func(c *Chunk) error {
			return c.Write(part, piece)
		})
		if err != nil {
			metrics.ChunkOpErrors.WithLabelValues("write").Inc()
			return err
		}
		r.writes.Add(float64(part.Length))
	}
	metrics.RequestLatency.WithLabelValues("write").Observe(time.Since(start).Seconds())
	return nil
}

// Resize shrinks an object from fromLength to toLength. The chunk holding
// the new end is truncated; chunks wholly past it are dropped. Growing is a
// no-op: bytes past the end of a chunk file read as zero.
func (r *Registry) Resize(objectID uint64, fromLength, toLength int64) error {
	if toLength >= fromLength {
		return nil
	}
	start := time.Now()
	for _, part := range r.Split(toLength, fromLength-toLength) {
		key := types.ChunkKey{ObjectID: objectID, Part: part.Index}
		err := r.withChunk(key, func(c *Chunk) error {
			return c.Resize(part)
		})
		if err != nil {
			metrics.ChunkOpErrors.WithLabelValues("resize").Inc()
			return err
		}
	}
	metrics.RequestLatency.WithLabelValues("resize").Observe(time.Since(start).Seconds())
	return nil
}

// Demote moves a chunk off the fast tier, preferring target for a new slow file.
func (r *Registry) Demote(key types.ChunkKey, target *drive.Drive) error {
	return r.withChunk(key, func(c *Chunk) error {
		return c.DemoteToSlow(target)
	})
}

// Promote makes a chunk resident on the fast tier, preferring target for a
// new fast file.
func (r *Registry) Promote(key types.ChunkKey, target *drive.Drive) error {
	return r.withChunk(key, func(c *Chunk) error {
		return c.PromoteToFast(target)
	})
}

// Len is the number of live chunks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns the live chunks in no particular order.
func (r *Registry) Snapshot() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Chunk, 0, r.count)
	for _, parts := range r.chunks {
		for _, c := range parts {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll closes every live chunk and returns the joined errors.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, c := range r.Snapshot() {
		if err := c.Close(); err != nil {
			r.logger.Error("closing chunk", zap.Stringer("chunk", c.Key()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ThroughputInfo is the engine-wide throughput view.
type ThroughputInfo struct {
	Read  stats.Snapshot `json:"read"`
	Write stats.Snapshot `json:"write"`
	Total stats.Snapshot `json:"total"`
}

func (r *Registry) Throughput() ThroughputInfo {
	return ThroughputInfo{
		Read:  r.reads.Snapshot(),
		Write: r.writes.Snapshot(),
		Total: r.total.Snapshot(),
	}
}

// PublishMetrics exports the average throughput gauges.
func (r *Registry) PublishMetrics() {
	metrics.ThroughputAvg.WithLabelValues("read").Set(r.reads.Avg())
	metrics.ThroughputAvg.WithLabelValues("write").Set(r.writes.Avg())
	metrics.ThroughputAvg.WithLabelValues("total").Set(r.total.Avg())
}

// Describe returns the view of a chunk, live or persisted. It does not load
// the chunk into the registry.
func (r *Registry) Describe(ctx context.Context, key types.ChunkKey) (Info, error) {
	if c, ok := r.Get(key); ok {
		return c.Info(), nil
	}
	row, err := r.meta.GetChunk(ctx, key)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		ObjectID:    row.ObjectID,
		Part:        row.Part,
		FastVersion: row.FastVersion,
		SlowVersion: row.SlowVersion,
		OnFast:      row.OnFast,
		Usage: Usage{
			Temperature:      row.Temperature,
			Count:            row.UsageCount,
			AvgInterAccessMs: row.AvgInterAccessMs,
			LastUsageMs:      row.LastUsageMs,
			LastReadMs:       row.LastReadMs,
			LastWriteMs:      row.LastWriteMs,
		},
	}
	if d, err := r.drives.Get(row.FastDriveID); err == nil {
		info.FastDrive = d.Name
	}
	if d, err := r.drives.Get(row.SlowDriveID); err == nil {
		info.SlowDrive = d.Name
	}
	info.Authoritative = types.TierFast.String()
	if row.SlowVersion > row.FastVersion {
		info.Authoritative = types.TierSlow.String()
	}
	return info, nil
}
