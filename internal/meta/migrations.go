package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 builds the temperature index from existing chunk rows.
func (s *BoltStore) migrateV1toV2() error {
	var indexed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketTempIndex) != nil {
			if err := tx.DeleteBucket(bucketTempIndex); err != nil {
				return err
			}
		}
		index, err := tx.CreateBucket(bucketTempIndex)
		if err != nil {
			return err
		}

		chunks := tx.Bucket(bucketChunks)
		if chunks != nil {
			err := chunks.ForEach(func(k, v []byte) error {
				row, err := decodeChunkRow(v)
				if err != nil {
					return fmt.Errorf("decoding chunk row %x: %w", k, err)
				}
				indexed++
				return index.Put(tempIndexKey(row), tempIndexValue(row))
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
	if err != nil {
		return err
	}
	s.logger.Info("metadata migrated to schema v2", zap.Int("indexed_chunks", indexed))
	return nil
}
