package drive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// fixedBackend reports a fixed capacity and stores nothing.
type fixedBackend struct {
	capacity int64
	closed   bool
}

func (b *fixedBackend) Open(string) (Handle, error) { return nil, errors.New("not supported") }
func (b *fixedBackend) Remove(string) error          { return nil }
func (b *fixedBackend) Exists(string) (bool, error) { return false, nil }
func (b *fixedBackend) Capacity() (int64, error) { return b.capacity, nil }
func (b *fixedBackend) Close() error                 { b.closed = true; return nil }

func newTestDrive(t *testing.T, id int, tier types.Tier, capacity int64) *Drive {
	t.Helper()
	d, err := New(id, tier.String()+string(rune('0'+id)), tier, &fixedBackend{capacity: capacity}, 0, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDrive_FreeFraction(t *testing.T) {
	d := newTestDrive(t, 0, types.TierFast, 1000)

	if d.FreeFraction() != 1 {
		t.Fatalf("empty drive FreeFraction = %v, want 1", d.FreeFraction())
	}
	d.AddUsed(800)
	if got := d.FreeFraction(); got < 0.1999 || got > 0.2001 {
		t.Fatalf("FreeFraction = %v, want 0.2", got)
	}
	d.AddUsed(-300)
	if d.UsedBytes() != 500 {
		t.Fatalf("UsedBytes = %d, want 500", d.UsedBytes())
	}
	d.AddUsed(900)
	if d.FreeFraction() != 0 {
		t.Fatalf("overfull drive FreeFraction = %v, want 0", d.FreeFraction())
	}
}

func TestDrive_UnknownCapacity(t *testing.T) {
	d := newTestDrive(t, 0, types.TierSlow, 0)
	d.AddUsed(1 << 20)
	if d.FreeFraction() != 1 {
		t.Fatalf("unknown capacity must report fully free, got %v", d.FreeFraction())
	}
}

func TestDrive_MaxBytesOverridesBackend(t *testing.T) {
	d, err := New(0, "ssd", types.TierFast, &fixedBackend{capacity: 1 << 40}, 4096, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if d.Capacity() != 4096 {
		t.Fatalf("Capacity = %d, want 4096", d.Capacity())
	}
}

func TestDrive_Counters(t *testing.T) {
	d := newTestDrive(t, 0, types.TierFast, 1000)
	d.FileOpened()
	d.FileOpened()
	d.FileClosed()
	if d.OpenFiles() != 1 {
		t.Fatalf("OpenFiles = %d, want 1", d.OpenFiles())
	}

	d.AddRead(10)
	d.AddWrite(20)
	info := d.Info()
	if info.Tier != "fast" || info.OpenFiles != 1 || info.Capacity != 1000 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestSet_BestAndPressured(t *testing.T) {
	fast0 := newTestDrive(t, 0, types.TierFast, 1000)
	fast1 := newTestDrive(t, 1, types.TierFast, 1000)
	slow0 := newTestDrive(t, 2, types.TierSlow, 1000)
	slow1 := newTestDrive(t, 3, types.TierSlow, 1000)
	set := NewSet([]*Drive{fast0, fast1, slow0, slow1})

	fast0.AddUsed(900)
	fast1.AddUsed(800)
	slow0.AddUsed(500)
	slow1.AddUsed(100)

	best, err := set.Best(types.TierFast)
	if err != nil {
		t.Fatal(err)
	}
	if best != fast1 {
		t.Fatalf("Best(fast) = %s, want %s", best.Name, fast1.Name)
	}
	best, _ = set.Best(types.TierSlow)
	if best != slow1 {
		t.Fatalf("Best(slow) = %s, want %s", best.Name, slow1.Name)
	}

	pressured := set.Pressured(0.25)
	if len(pressured) != 2 {
		t.Fatalf("expected 2 pressured drives, got %d", len(pressured))
	}
	if pressured[0] != fast0 {
		t.Fatal("most pressured drive must come first")
	}
	if len(set.Pressured(0.15)) != 1 {
		t.Fatal("expected only the 90% drive under a 0.15 watermark")
	}
}

func TestSet_GetAndMissingTier(t *testing.T) {
	set := NewSet([]*Drive{newTestDrive(t, 0, types.TierFast, 1000)})

	if _, err := set.Get(5); !errors.Is(err, ErrNoDrive) {
		t.Fatalf("expected ErrNoDrive, got %v", err)
	}
	if _, err := set.Best(types.TierSlow); !errors.Is(err, ErrNoDrive) {
		t.Fatalf("expected ErrNoDrive, got %v", err)
	}
	d, err := set.Get(0)
	if err != nil || d.ID != 0 {
		t.Fatalf("Get(0) = %v, %v", d, err)
	}
}

func TestLocalBackend_Files(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ssd0")
	b, err := NewLocalBackend(root)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Root() != root {
		t.Fatalf("Root = %q, want %q", b.Root(), root)
	}

	name := types.ChunkKey{ObjectID: 0xAB, Part: 2}.FileName()
	h, err := b.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	h.WriteAt([]byte("chunk"), 0)
	size, _ := h.Size()
	if size != 5 {
		t.Fatalf("Size = %d, want 5", size)
	}
	h.Close()

	if _, err := os.Stat(filepath.Join(root, "AB_2.bin")); err != nil {
		t.Fatalf("chunk file not at expected path: %v", err)
	}
	ok, _ := b.Exists(name)
	if !ok {
		t.Fatal("Exists = false after write")
	}
	if err := b.Remove(name); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(name); err != nil {
		t.Fatalf("removing a missing file must not fail: %v", err)
	}

	c, err := b.Capacity()
	if err != nil {
		t.Fatal(err)
	}
	if c <= 0 {
		t.Fatalf("statfs capacity = %d", c)
	}
}

func TestLocalBackend_ExclusiveLock(t *testing.T) {
	root := t.TempDir()
	first, err := NewLocalBackend(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewLocalBackend(root); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second owner, got %v", err)
	}

	first.Close()
	second, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("lock must be released on close: %v", err)
	}
	second.Close()
}
