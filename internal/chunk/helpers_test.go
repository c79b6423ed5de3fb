package chunk

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/memory"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	reg   *Registry
	store *meta.BoltStore
	clock *fakeClock

	fast, slow   *drive.Drive
	fastB, slowB *memory.Backend
}

func newTestEnv(t *testing.T, chunkSize int64) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
		fastB: memory.NewBackend(1 << 20),
		slowB: memory.NewBackend(1 << 30),
	}

	var err error
	env.fast, err = drive.New(0, "ssd0", types.TierFast, env.fastB, 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	env.slow, err = drive.New(1, "hdd0", types.TierSlow, env.slowB, 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	env.store, err = meta.NewBoltStore(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop(),
		meta.WithNoSync(true), meta.WithClock(env.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { env.store.Close() })

	set := drive.NewSet([]*drive.Drive{env.fast, env.slow})
	env.reg = NewRegistry(chunkSize, set, env.store, zap.NewNop(), WithClock(env.clock.Now))
	return env
}

func (e *testEnv) chunk(t *testing.T, objectID, part uint64) *Chunk {
	t.Helper()
	c, err := e.reg.GetOrCreate(types.ChunkKey{ObjectID: objectID, Part: part})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
