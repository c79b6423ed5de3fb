package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists chunk and drive rows and serves the ordered temperature
// index used for tier migration.
type Store interface {
	GetChunk(ctx context.Context, key types.ChunkKey) (*ChunkRow, error)
	SetChunk(ctx context.Context, row ChunkRow) error
	DeleteChunk(ctx context.Context, key types.ChunkKey) error
	ChunksByTemperature(ctx context.Context, q ChunkQuery) ([]ChunkRow, error)
	AverageTemperature(ctx context.Context) (avg float64, count int, err error)
	ForEachChunk(ctx context.Context, fn func(ChunkRow) error) error

	GetDrive(ctx context.Context, id int) (*DriveRow, error)
	SetDrive(ctx context.Context, row DriveRow) error

	// Cursors returns the write-back buffers in a fixed order.
	Cursors() []Cursor

	Ping() error
	Close() error
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithNoSync skips fsync on commit.
func WithNoSync(noSync bool) Option {
	return func(s *BoltStore) { s.noSync = noSync }
}

// WithRowCacheSize sets the number of decoded chunk rows kept in memory.
func WithRowCacheSize(n int) Option {
	return func(s *BoltStore) { s.cacheSize = n }
}

// WithClock overrides the clock used to stamp cursor changes.
func WithClock(now func() time.Time) Option {
	return func(s *BoltStore) { s.now = now }
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
	now    func() time.Time

	noSync    bool
	cacheSize int
	rows      *lru.Cache[types.ChunkKey, ChunkRow]

	chunks *chunkCursor
	drives *driveCursor
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger, opts ...Option) (*BoltStore, error) {
	s := &BoltStore{logger: logger, now: time.Now, cacheSize: 4096}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: s.noSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	s.db = db

	if s.cacheSize > 0 {
		cache, err := lru.New[types.ChunkKey, ChunkRow](s.cacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating row cache: %w", err)
		}
		s.rows = cache
	}
	s.chunks = newChunkCursor(s)
	s.drives = newDriveCursor(s)

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketChunks, bucketDrives} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if sys.Get(keySchemaVersion) == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketTempIndex); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func encodeRow(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChunkRow(data []byte) (*ChunkRow, error) {
	var row ChunkRow
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

func decodeDriveRow(data []byte) (*DriveRow, error) {
	var row DriveRow
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *BoltStore) GetChunk(_ context.Context, key types.ChunkKey) (*ChunkRow, error) {
	if row, found := s.chunks.get(key); found {
		if row == nil {
			return nil, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		}
		return row, nil
	}
	if s.rows != nil {
		if row, ok := s.rows.Get(key); ok {
			return &row, nil
		}
	}

	var row *ChunkRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get(chunkKeyBytes(key))
		if raw == nil {
			return fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		}
		var err error
		row, err = decodeChunkRow(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.rows != nil {
		s.rows.Add(key, *row)
	}
	return row, nil
}

// SetChunk buffers row in the chunk cursor.
func (s *BoltStore) SetChunk(_ context.Context, row ChunkRow) error {
	s.chunks.put(row)
	return nil
}

// DeleteChunk buffers a deletion in the chunk cursor.
func (s *BoltStore) DeleteChunk(_ context.Context, key types.ChunkKey) error {
	s.chunks.delete(key)
	return nil
}

// commitChunks writes pending rows and keeps the temperature index in step.
func (s *BoltStore) commitChunks(pending map[types.ChunkKey]pendingChunk) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		index := tx.Bucket(bucketTempIndex)

		for key, p := range pending {
			k := chunkKeyBytes(key)
			if old := chunks.Get(k); old != nil {
				oldRow, err := decodeChunkRow(old)
				if err != nil {
					return fmt.Errorf("decoding chunk %s: %w", key, err)
				}
				if err := index.Delete(tempIndexKey(oldRow)); err != nil {
					return err
				}
			}

			if p.deleted {
				if err := chunks.Delete(k); err != nil {
					return err
				}
				continue
			}

			data, err := encodeRow(&p.row)
			if err != nil {
				return err
			}
			if err := chunks.Put(k, data); err != nil {
				return err
			}
			if err := index.Put(tempIndexKey(&p.row), tempIndexValue(&p.row)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving %d chunk rows: %w", len(pending), err)
	}

	if s.rows != nil {
		for key, p := range pending {
			if p.deleted {
				s.rows.Remove(key)
			} else {
				s.rows.Add(key, p.row)
			}
		}
	}
	metrics.CursorSaves.WithLabelValues("chunks").Inc()
	s.logger.Debug("chunk rows saved", zap.Int("rows", len(pending)))
	return nil
}

// ChunksByTemperature saves the chunk cursor, then scans the index.
func (s *BoltStore) ChunksByTemperature(ctx context.Context, q ChunkQuery) ([]ChunkRow, error) {
	if err := s.chunks.Save(ctx); err != nil {
		return nil, err
	}

	var rows []ChunkRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		c := tx.Bucket(bucketTempIndex).Cursor()

		first, next := c.First, c.Next
		if q.Descending {
			first, next = c.Last, c.Prev
		}
		for k, v := first(); k != nil; k, v = next() {
			onFast, fastDrive := decodeTempIndexValue(v)
			if !q.match(onFast, fastDrive) {
				continue
			}
			raw := chunks.Get(k[16:])
			if raw == nil {
				continue
			}
			row, err := decodeChunkRow(raw)
			if err != nil {
				return err
			}
			if q.HasFastFile && row.FastVersion < 0 {
				continue
			}
			rows = append(rows, *row)
			if q.Limit > 0 && len(rows) >= q.Limit {
				break
			}
		}
		return nil
	})
	return rows, err
}

// AverageTemperature is the mean temperature over all indexed chunks.
func (s *BoltStore) AverageTemperature(ctx context.Context) (float64, int, error) {
	if err := s.chunks.Save(ctx); err != nil {
		return 0, 0, err
	}

	var sum float64
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTempIndex).ForEach(func(k, _ []byte) error {
			sum += tempFromIndexKey(k)
			count++
			return nil
		})
	})
	if err != nil || count == 0 {
		return 0, count, err
	}
	return sum / float64(count), count, nil
}

// ForEachChunk visits every committed row after saving the chunk cursor.
func (s *BoltStore) ForEachChunk(ctx context.Context, fn func(ChunkRow) error) error {
	if err := s.chunks.Save(ctx); err != nil {
		return err
	}

	var rows []ChunkRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			row, err := decodeChunkRow(v)
			if err != nil {
				return err
			}
			rows = append(rows, *row)
			return nil
		})
	})
	if err != nil {
		return err
	}

	// fn runs outside the read transaction so it may write back.
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) GetDrive(_ context.Context, id int) (*DriveRow, error) {
	if row, ok := s.drives.get(id); ok {
		return row, nil
	}

	var row *DriveRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDrives).Get(uint64ToBytes(uint64(id)))
		if raw == nil {
			return fmt.Errorf("drive %d: %w", id, ErrNotFound)
		}
		var err error
		row, err = decodeDriveRow(raw)
		return err
	})
	return row, err
}

func (s *BoltStore) SetDrive(_ context.Context, row DriveRow) error {
	s.drives.put(row)
	return nil
}

func (s *BoltStore) commitDrives(pending map[int]DriveRow) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		drives := tx.Bucket(bucketDrives)
		for id, row := range pending {
			data, err := encodeRow(&row)
			if err != nil {
				return err
			}
			if err := drives.Put(uint64ToBytes(uint64(id)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving %d drive rows: %w", len(pending), err)
	}
	metrics.CursorSaves.WithLabelValues("drives").Inc()
	return nil
}

func (s *BoltStore) Cursors() []Cursor {
	return []Cursor{s.chunks, s.drives}
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

// Close saves pending rows and closes the database.
func (s *BoltStore) Close() error {
	var errs []error
	for _, c := range s.Cursors() {
		if err := c.Save(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
