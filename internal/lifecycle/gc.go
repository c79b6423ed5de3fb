package lifecycle

import (
	"context"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"go.uber.org/zap"
)

// CollectOrphans deletes rows of chunks that are not live and whose
// authoritative file no longer exists on its drive. This can happen if a
// drive is wiped or a crash interrupts a drop.
func CollectOrphans(ctx context.Context, metaStore meta.Store, reg *chunk.Registry, logger *zap.Logger) (int, error) {
	collected := 0
	err := metaStore.ForEachChunk(ctx, func(row meta.ChunkRow) error {
		key := row.Key()
		if _, live := reg.Get(key); live {
			return nil
		}

		driveID, version := row.FastDriveID, row.FastVersion
		if row.SlowVersion > row.FastVersion {
			driveID, version = row.SlowDriveID, row.SlowVersion
		}

		orphan := version < 0
		if !orphan {
			d, err := reg.Drives().Get(driveID)
			if err != nil {
				logger.Warn("chunk row references unknown drive",
					zap.Stringer("chunk", key), zap.Int("drive_id", driveID))
				return nil
			}
			exists, err := d.Backend().Exists(key.FileName())
			if err != nil {
				logger.Warn("error checking chunk file existence",
					zap.Stringer("chunk", key), zap.String("drive", d.Name), zap.Error(err))
				return nil
			}
			orphan = !exists
		}
		if !orphan {
			return nil
		}

		// The chunk may have gone live since the check above.
		deleted, err := reg.DeleteIdleRow(ctx, key)
		if err != nil {
			logger.Error("failed to delete orphan row", zap.Stringer("chunk", key), zap.Error(err))
			return nil
		}
		if !deleted {
			return nil
		}
		logger.Warn("orphaned chunk row removed", zap.Stringer("chunk", key))
		collected++
		return nil
	})
	return collected, err
}
