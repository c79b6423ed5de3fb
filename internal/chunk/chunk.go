package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/file"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a chunk that has been closed. The
// registry retries with a fresh instance.
var ErrClosed = errors.New("chunk closed")

// noFile is the version of a tier that holds no file.
const noFile = -1

// Provenance records whether a chunk was loaded from a persisted row.
type Provenance int

const (
	Fresh Provenance = iota
	Loaded
)

func (p Provenance) String() string {
	if p == Loaded {
		return "loaded"
	}
	return "fresh"
}

// Chunk is one fixed-size slice of an object, stored on a fast drive, a
// slow drive, or both. The tier with the greater version is authoritative;
// equal versions mean the tier files are identical.
//
// All methods serialize on the chunk's mutex. Operations on different
// chunks never contend.
type Chunk struct {
	key        types.ChunkKey
	reg        *Registry
	provenance Provenance

	// lastUsage mirrors usage.LastUsageMs for lock-free eviction scans.
	lastUsage atomic.Int64

	mu     sync.Mutex
	closed bool

	fastDrive   *drive.Drive
	slowDrive   *drive.Drive
	fast        *file.File
	slow        *file.File
	fastVersion int64
	slowVersion int64
	onFast      bool

	usage   Usage
	overlay file.Overlay
}

func newFresh(reg *Registry, key types.ChunkKey, fastDrive, slowDrive *drive.Drive) *Chunk {
	c := &Chunk{
		key:         key,
		reg:         reg,
		provenance:  Fresh,
		fastDrive:   fastDrive,
		slowDrive:   slowDrive,
		fastVersion: noFile,
		slowVersion: noFile,
		onFast:      true,
	}
	c.usage.LastUsageMs = reg.nowMs()
	c.lastUsage.Store(c.usage.LastUsageMs)
	return c
}

func newLoaded(reg *Registry, row *meta.ChunkRow, fastDrive, slowDrive *drive.Drive) *Chunk {
	c := &Chunk{
		key:         row.Key(),
		reg:         reg,
		provenance:  Loaded,
		fastDrive:   fastDrive,
		slowDrive:   slowDrive,
		fastVersion: row.FastVersion,
		slowVersion: row.SlowVersion,
		onFast:      row.OnFast,
		usage: Usage{
			Temperature:      row.Temperature,
			Count:            row.UsageCount,
			AvgInterAccessMs: row.AvgInterAccessMs,
			LastUsageMs:      row.LastUsageMs,
			LastReadMs:       row.LastReadMs,
			LastWriteMs:      row.LastWriteMs,
		},
	}
	c.lastUsage.Store(row.LastUsageMs)
	return c
}

func (c *Chunk) Key() types.ChunkKey {
	return c.key
}

// LastUsage is the time of the last access in Unix milliseconds.
func (c *Chunk) LastUsage() int64 {
	return c.lastUsage.Load()
}

func (c *Chunk) logger() *zap.Logger {
	return c.reg.logger.With(zap.Stringer("chunk", c.key))
}

// BestTier returns the authoritative tier. Ties favor the fast tier.
func (c *Chunk) BestTier() types.Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestTier()
}

func (c *Chunk) bestTier() types.Tier {
	if c.fastVersion >= c.slowVersion {
		return types.TierFast
	}
	return types.TierSlow
}

func (c *Chunk) version(t types.Tier) int64 {
	if t == types.TierFast {
		return c.fastVersion
	}
	return c.slowVersion
}

func (c *Chunk) setVersion(t types.Tier, v int64) {
	if t == types.TierFast {
		c.fastVersion = v
	} else {
		c.slowVersion = v
	}
}

// markWritten makes t authoritative unless it already is strictly ahead.
func (c *Chunk) markWritten(t types.Tier) {
	if other := c.version(t.Other()); c.version(t) <= other {
		c.setVersion(t, other+1)
	}
}

// file returns the tier's file wrapper, creating it on first use.
func (c *Chunk) file(t types.Tier) *file.File {
	name := c.key.FileName()
	if t == types.TierFast {
		if c.fast == nil {
			c.fast = file.New(c.fastDrive, name)
		}
		return c.fast
	}
	if c.slow == nil {
		c.slow = file.New(c.slowDrive, name)
	}
	return c.slow
}

// materialize prepares the tier files an operation needs. The fast file is
// always prepared; the slow file only when forced, when there is no fast
// file, or when the fast tier is behind.
func (c *Chunk) materialize(forceFull bool) {
	c.file(types.TierFast)
	if forceFull || c.fastVersion == noFile || c.fastVersion < c.slowVersion {
		c.file(types.TierSlow)
	}
}

// mergeOverlay applies pending overlay pieces to the slow file. A pending
// overlay implies the slow tier is authoritative.
func (c *Chunk) mergeOverlay() error {
	if !c.overlay.Used() {
		return nil
	}
	if err := c.file(types.TierSlow).Apply(&c.overlay); err != nil {
		return fmt.Errorf("merging overlay of chunk %s: %w", c.key, err)
	}
	return nil
}

func (c *Chunk) touch(write bool) {
	c.usage.touch(c.reg.nowMs(), c.reg.total.Avg(), write)
	c.lastUsage.Store(c.usage.LastUsageMs)
}

func (c *Chunk) row() meta.ChunkRow {
	return meta.ChunkRow{
		ObjectID:         c.key.ObjectID,
		Part:             c.key.Part,
		FastDriveID:      c.fastDrive.ID,
		SlowDriveID:      c.slowDrive.ID,
		FastVersion:      c.fastVersion,
		SlowVersion:      c.slowVersion,
		OnFast:           c.onFast,
		Temperature:      c.usage.Temperature,
		UsageCount:       c.usage.Count,
		AvgInterAccessMs: c.usage.AvgInterAccessMs,
		LastUsageMs:      c.usage.LastUsageMs,
		LastReadMs:       c.usage.LastReadMs,
		LastWriteMs:      c.usage.LastWriteMs,
	}
}

// empty reports whether neither tier holds a file and no write is pending.
func (c *Chunk) empty() bool {
	return c.fastVersion == noFile && c.slowVersion == noFile && !c.overlay.Used()
}

// saveRow persists the chunk's row. A fresh chunk that was only read has
// nothing to record and is never persisted.
func (c *Chunk) saveRow() error {
	if c.provenance == Fresh && c.empty() {
		return nil
	}
	if err := c.reg.meta.SetChunk(context.Background(), c.row()); err != nil {
		return fmt.Errorf("saving row of chunk %s: %w", c.key, err)
	}
	return nil
}

// Read returns part.Length bytes at part.PosInChunk from the authoritative
// tier, with any pending overlay merged first.
func (c *Chunk) Read(part types.Part) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	metrics.ChunkOps.WithLabelValues("read").Inc()

	t := c.bestTier()
	c.materialize(false)
	if t == types.TierSlow {
		if err := c.mergeOverlay(); err != nil {
			return nil, err
		}
	}

	var data []byte
	if c.version(t) == noFile {
		data = make([]byte, part.Length)
	} else {
		var err error
		data, err = c.file(t).ReadAt(part.Length, part.PosInChunk)
		if err != nil {
			return nil, err
		}
	}

	c.touch(false)
	return data, c.saveRow()
}

// Write stores data at part.PosInChunk. A write that covers the whole chunk
// while the slow tier is authoritative goes to the fast tier and makes it
// authoritative; any other write against a slow-authoritative chunk is
// buffered in the overlay.
func (c *Chunk) Write(part types.Part, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	metrics.ChunkOps.WithLabelValues("write").Inc()

	c.materialize(false)
	if c.bestTier() == types.TierFast {
		if err := c.file(types.TierFast).WriteAt(data, part.PosInChunk); err != nil {
			return err
		}
		c.markWritten(types.TierFast)
	} else {
		full, err := c.coversChunk(part)
		if err != nil {
			return err
		}
		if full {
			f := c.file(types.TierFast)
			if err := f.Truncate(0); err != nil {
				return err
			}
			if err := f.WriteAt(data, 0); err != nil {
				return err
			}
			c.overlay.Reset()
			c.markWritten(types.TierFast)
			c.onFast = true
		} else {
			c.overlay.Write(part.PosInChunk, data)
			c.markWritten(types.TierSlow)
		}
	}

	c.touch(true)
	return c.saveRow()
}

// coversChunk reports whether a write replaces the chunk's entire current
// content. An empty chunk is only covered by a write of the full chunk size.
func (c *Chunk) coversChunk(part types.Part) (bool, error) {
	if part.PosInChunk != 0 {
		return false, nil
	}
	if part.Length >= c.reg.chunkSize {
		return true, nil
	}
	n, err := c.file(types.TierSlow).Length()
	if err != nil {
		return false, err
	}
	n = max(n, c.overlay.Extent())
	return n > 0 && part.Length >= n, nil
}

// Resize shrinks the chunk to part.PosInChunk bytes. A part starting at
// offset 0 drops the chunk entirely: its files and row are deleted and the
// chunk is closed.
func (c *Chunk) Resize(part types.Part) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	metrics.ChunkOps.WithLabelValues("resize").Inc()

	c.materialize(true)
	if err := c.mergeOverlay(); err != nil {
		return err
	}

	if part.PosInChunk == 0 {
		return c.dropLocked()
	}

	for _, t := range []types.Tier{types.TierFast, types.TierSlow} {
		if c.version(t) == noFile {
			continue
		}
		if err := c.file(t).Truncate(part.PosInChunk); err != nil {
			return fmt.Errorf("truncating chunk %s on %s tier: %w", c.key, t, err)
		}
	}
	c.touch(true)
	return c.saveRow()
}

func (c *Chunk) dropLocked() error {
	for _, t := range []types.Tier{types.TierFast, types.TierSlow} {
		if c.version(t) == noFile {
			continue
		}
		if err := c.file(t).Delete(); err != nil {
			return fmt.Errorf("deleting chunk %s on %s tier: %w", c.key, t, err)
		}
		c.setVersion(t, noFile)
	}
	for _, f := range []*file.File{c.fast, c.slow} {
		if f != nil && f.IsOpen() {
			f.Close()
		}
	}
	c.overlay.Reset()
	if err := c.reg.meta.DeleteChunk(context.Background(), c.key); err != nil {
		return fmt.Errorf("deleting row of chunk %s: %w", c.key, err)
	}
	c.closed = true
	c.reg.detach(c)
	c.logger().Debug("chunk dropped")
	return nil
}

// SyncVersion copies the authoritative tier over the other one and resets
// both versions to 0.
func (c *Chunk) SyncVersion() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.syncVersion(); err != nil {
		return err
	}
	return c.saveRow()
}

func (c *Chunk) syncVersion() error {
	if c.fastVersion == noFile && c.slowVersion == noFile {
		return nil
	}
	if c.fastVersion != c.slowVersion {
		ahead := c.bestTier()
		c.materialize(true)
		if ahead == types.TierSlow {
			if err := c.mergeOverlay(); err != nil {
				return err
			}
		}
		if err := c.file(ahead).CopyTo(c.file(ahead.Other())); err != nil {
			return fmt.Errorf("syncing chunk %s from %s tier: %w", c.key, ahead, err)
		}
	}
	c.fastVersion, c.slowVersion = 0, 0
	return nil
}

// DemoteToSlow makes the slow tier hold the chunk's content and deletes the
// fast file. A chunk with no slow file yet is placed on target when given.
func (c *Chunk) DemoteToSlow(target *drive.Drive) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	metrics.ChunkOps.WithLabelValues("demote").Inc()

	from := c.fastDrive
	if c.slowVersion == noFile && target != nil && target.Tier == types.TierSlow && target != c.slowDrive {
		c.slowDrive = target
		c.slow = nil
	}
	if err := c.syncVersion(); err != nil {
		return err
	}
	if c.fastVersion != noFile {
		if err := c.file(types.TierFast).Delete(); err != nil {
			return fmt.Errorf("deleting fast copy of chunk %s: %w", c.key, err)
		}
	}
	c.fast = nil
	c.fastVersion = noFile
	c.onFast = false

	metrics.DemotionOps.WithLabelValues(from.Name, c.slowDrive.Name).Inc()
	c.logger().Debug("chunk demoted",
		zap.String("from", from.Name),
		zap.String("to", c.slowDrive.Name),
	)
	return c.saveRow()
}

// PromoteToFast copies the chunk onto the fast tier and marks it resident
// there. A chunk with no fast file yet is placed on target when given.
func (c *Chunk) PromoteToFast(target *drive.Drive) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	metrics.ChunkOps.WithLabelValues("promote").Inc()

	from := c.slowDrive
	if c.fastVersion == noFile && target != nil && target.Tier == types.TierFast && target != c.fastDrive {
		c.fastDrive = target
		c.fast = nil
	}
	if err := c.syncVersion(); err != nil {
		return err
	}
	c.onFast = true

	metrics.PromotionOps.WithLabelValues(from.Name, c.fastDrive.Name).Inc()
	c.logger().Debug("chunk promoted",
		zap.String("from", from.Name),
		zap.String("to", c.fastDrive.Name),
	)
	return c.saveRow()
}

// Close merges the overlay, flushes and releases both tier files, persists
// the row and removes the chunk from the registry. Closing twice is a no-op.
func (c *Chunk) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	metrics.ChunkOps.WithLabelValues("close").Inc()

	var errs []error
	if err := c.mergeOverlay(); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []*file.File{c.fast, c.slow} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.saveRow(); err != nil {
		errs = append(errs, err)
	}
	c.closed = true
	c.reg.detach(c)
	return errors.Join(errs...)
}

// Info is a point-in-time view of a chunk.
type Info struct {
	ObjectID      uint64 `json:"object_id"`
	Part          uint64 `json:"part"`
	Live          bool   `json:"live"`
	Provenance    string `json:"provenance,omitempty"`
	FastDrive     string `json:"fast_drive"`
	SlowDrive     string `json:"slow_drive"`
	FastVersion   int64  `json:"fast_version"`
	SlowVersion   int64  `json:"slow_version"`
	OnFast        bool   `json:"on_fast"`
	Authoritative string `json:"authoritative"`
	OverlayBytes  int64  `json:"overlay_bytes"`
	Usage         Usage  `json:"usage"`
}

func (c *Chunk) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ObjectID:      c.key.ObjectID,
		Part:          c.key.Part,
		Live:          !c.closed,
		Provenance:    c.provenance.String(),
		FastDrive:     c.fastDrive.Name,
		SlowDrive:     c.slowDrive.Name,
		FastVersion:   c.fastVersion,
		SlowVersion:   c.slowVersion,
		OnFast:        c.onFast,
		Authoritative: c.bestTier().String(),
		OverlayBytes:  c.overlay.Bytes(),
		Usage:         c.usage,
	}
}
