// Package drive models the storage endpoints chunks live on: one Drive per
// configured root, each classified as fast or slow tier.
package drive

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/stats"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// ErrNoDrive is returned when no drive matches a lookup.
var ErrNoDrive = errors.New("no such drive")

// Drive is one storage root. Counters are updated concurrently by every
// chunk assigned to the drive.
type Drive struct {
	ID   int
	Name string
	Tier types.Tier

	backend Backend
	logger  *zap.Logger

	maxBytes  int64
	capacity  atomic.Int64
	used      atomic.Int64
	openFiles atomic.Int64

	TotalBytes *stats.Stats
	BytesRead  *stats.Stats
	BytesWrite *stats.Stats
}

// New creates a drive. When maxBytes is zero the capacity is taken from the
// backend.
func New(id int, name string, tier types.Tier, backend Backend, maxBytes int64, logger *zap.Logger) (*Drive, error) {
	total := stats.New(nil)
	d := &Drive{
		ID:         id,
		Name:       name,
		Tier:       tier,
		backend:    backend,
		logger:     logger.With(zap.String("drive", name), zap.Stringer("tier", tier)),
		maxBytes:   maxBytes,
		TotalBytes: total,
		BytesRead:  stats.New(total),
		BytesWrite: stats.New(total),
	}
	if err := d.RefreshCapacity(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Drive) Backend() Backend {
	return d.backend
}

// RefreshCapacity re-reads the backend capacity unless a fixed budget is configured.
func (d *Drive) RefreshCapacity() error {
	if d.maxBytes > 0 {
		d.capacity.Store(d.maxBytes)
		return nil
	}
	c, err := d.backend.Capacity()
	if err != nil {
		return fmt.Errorf("drive %s capacity: %w", d.Name, err)
	}
	d.capacity.Store(c)
	return nil
}

func (d *Drive) Capacity() int64 {
	return d.capacity.Load()
}

// UsedBytes is the total length of chunk files on the drive.
func (d *Drive) UsedBytes() int64 {
	return d.used.Load()
}

// SetUsedBytes restores the persisted used-bytes counter at startup.
func (d *Drive) SetUsedBytes(n int64) {
	d.used.Store(n)
}

func (d *Drive) OpenFiles() int64 {
	return d.openFiles.Load()
}

// UsedFraction is used/capacity, or 0 when capacity is unknown.
func (d *Drive) UsedFraction() float64 {
	c := d.capacity.Load()
	if c <= 0 {
		return 0
	}
	return float64(d.used.Load()) / float64(c)
}

// FreeFraction is 1 - UsedFraction, clamped to [0,1].
func (d *Drive) FreeFraction() float64 {
	f := 1 - d.UsedFraction()
	if f < 0 {
		return 0
	}
	return f
}

func (d *Drive) AddRead(n int) {
	d.BytesRead.Add(float64(n))
	metrics.BytesTransferred.WithLabelValues(d.Tier.String(), "read").Add(float64(n))
}

func (d *Drive) AddWrite(n int) {
	d.BytesWrite.Add(float64(n))
	metrics.BytesTransferred.WithLabelValues(d.Tier.String(), "write").Add(float64(n))
}

// AddUsed adjusts the used-bytes counter by delta (negative on shrink).
func (d *Drive) AddUsed(delta int64) {
	if delta != 0 {
		d.used.Add(delta)
	}
}

func (d *Drive) FileOpened() {
	d.openFiles.Add(1)
}

func (d *Drive) FileClosed() {
	d.openFiles.Add(-1)
}

// PublishMetrics exports the drive's gauges.
func (d *Drive) PublishMetrics() {
	tier := d.Tier.String()
	metrics.DriveFreeRatio.WithLabelValues(d.Name, tier).Set(d.FreeFraction())
	metrics.DriveUsedBytes.WithLabelValues(d.Name, tier).Set(float64(d.UsedBytes()))
	metrics.DriveOpenFiles.WithLabelValues(d.Name, tier).Set(float64(d.OpenFiles()))
}

// Info is the JSON view of a drive.
type Info struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Tier         string         `json:"tier"`
	Capacity     int64          `json:"capacity"`
	UsedBytes    int64          `json:"used_bytes"`
	FreeFraction float64        `json:"free_fraction"`
	OpenFiles    int64          `json:"open_files"`
	Read         stats.Snapshot `json:"read"`
	Write        stats.Snapshot `json:"write"`
}

func (d *Drive) Info() Info {
	return Info{
		ID:           d.ID,
		Name:         d.Name,
		Tier:         d.Tier.String(),
		Capacity:     d.Capacity(),
		UsedBytes:    d.UsedBytes(),
		FreeFraction: d.FreeFraction(),
		OpenFiles:    d.OpenFiles(),
		Read:         d.BytesRead.Snapshot(),
		Write:        d.BytesWrite.Snapshot(),
	}
}

func (d *Drive) Close() error {
	if n := d.OpenFiles(); n != 0 {
		d.logger.Warn("closing drive with open files", zap.Int64("open_files", n))
	}
	if err := d.backend.Close(); err != nil {
		return fmt.Errorf("closing drive %s: %w", d.Name, err)
	}
	d.logger.Info("drive closed", zap.Int64("used_bytes", d.UsedBytes()))
	return nil
}
