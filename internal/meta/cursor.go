package meta

import (
	"context"
	"sync"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
)

// Cursor is a write-back buffer of rows for one record type. Rows set
// through the store land in the cursor and are committed by Save.
type Cursor interface {
	Name() string
	// LastChange is when a row was last buffered.
	LastChange() time.Time
	// Changed reports whether rows are waiting to be saved.
	Changed() bool
	Save(ctx context.Context) error
}

type pendingChunk struct {
	row     ChunkRow
	deleted bool
}

type chunkCursor struct {
	store *BoltStore

	mu         sync.Mutex
	pending    map[types.ChunkKey]pendingChunk
	lastChange time.Time
}

func newChunkCursor(s *BoltStore) *chunkCursor {
	return &chunkCursor{store: s, pending: make(map[types.ChunkKey]pendingChunk)}
}

func (c *chunkCursor) Name() string { return "chunks" }

func (c *chunkCursor) LastChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChange
}

func (c *chunkCursor) Changed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

func (c *chunkCursor) put(row ChunkRow) {
	c.mu.Lock()
	c.pending[row.Key()] = pendingChunk{row: row}
	c.lastChange = c.store.now()
	c.mu.Unlock()
}

func (c *chunkCursor) delete(key types.ChunkKey) {
	c.mu.Lock()
	c.pending[key] = pendingChunk{deleted: true}
	c.lastChange = c.store.now()
	c.mu.Unlock()
}

// get returns a buffered row. found is true for buffered deletions too, in
// which case row is nil.
func (c *chunkCursor) get(key types.ChunkKey) (row *ChunkRow, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return nil, false
	}
	if p.deleted {
		return nil, true
	}
	r := p.row
	return &r, true
}

// Save commits all buffered rows in one transaction. The cursor stays locked
// for the duration so readers never see a row missing from both places.
func (c *chunkCursor) Save(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	if err := c.store.commitChunks(c.pending); err != nil {
		return err
	}
	c.pending = make(map[types.ChunkKey]pendingChunk)
	return nil
}

type driveCursor struct {
	store *BoltStore

	mu         sync.Mutex
	pending    map[int]DriveRow
	lastChange time.Time
}

func newDriveCursor(s *BoltStore) *driveCursor {
	return &driveCursor{store: s, pending: make(map[int]DriveRow)}
}

func (c *driveCursor) Name() string { return "drives" }

func (c *driveCursor) LastChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChange
}

func (c *driveCursor) Changed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

func (c *driveCursor) put(row DriveRow) {
	c.mu.Lock()
	c.pending[row.ID] = row
	c.lastChange = c.store.now()
	c.mu.Unlock()
}

func (c *driveCursor) get(id int) (*DriveRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (c *driveCursor) Save(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	if err := c.store.commitDrives(c.pending); err != nil {
		return err
	}
	c.pending = make(map[int]DriveRow)
	return nil
}
