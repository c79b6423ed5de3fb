//go:build stress

package internal_test

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

func stressEngine(t *testing.T, fastChunks int) *engine.Engine {
	t.Helper()
	cfg := localConfig(t.TempDir(), fastChunks)
	cfg.Metadata.NoSync = true
	cfg.Engine.MaxOpenedChunks = 8
	cfg.Engine.CloseChunkAfter = config.Duration(5 * time.Millisecond)
	cfg.Engine.EvictionInterval = config.Duration(2 * time.Millisecond)
	cfg.Engine.SaveIterateStreamAfter = config.Duration(5 * time.Millisecond)
	cfg.Policy.IdleSleep = config.Duration(time.Millisecond)
	cfg.Lifecycle.Interval = config.Duration(10 * time.Millisecond)

	eng, err := engine.Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

// TestStress_ConcurrentObjectIO runs writers and readers on private objects
// while eviction, rebalancing and lifecycle run in the background, then
// verifies every object against its shadow copy.
func TestStress_ConcurrentObjectIO(t *testing.T) {
	eng := stressEngine(t, 24)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	const (
		workers   = 8
		objectLen = 6 * chunkSize
		ops       = 300
	)

	shadows := make([][]byte, workers)
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			obj := uint64(w + 1)
			rng := rand.New(rand.NewSource(int64(w)))
			shadow := make([]byte, objectLen)

			for i := 0; i < ops; i++ {
				off := rng.Int63n(objectLen)
				n := rng.Int63n(objectLen-off) + 1
				if rng.Intn(3) == 0 {
					got, err := eng.Registry().Read(obj, off, n)
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(got, shadow[off:off+n]) {
						t.Errorf("object %d: read mismatch at op %d [%d,+%d)", obj, i, off, n)
						return
					}
					continue
				}
				data := make([]byte, n)
				rng.Read(data)
				if err := eng.Registry().Write(obj, off, data); err != nil {
					errs <- err
					return
				}
				copy(shadow[off:], data)
			}
			shadows[w] = shadow
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	cancel()
	<-runDone

	for w, shadow := range shadows {
		if shadow == nil {
			continue
		}
		got, err := eng.Registry().Read(uint64(w+1), 0, objectLen)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, shadow) {
			t.Fatalf("object %d: final content mismatch", w+1)
		}
	}
}

// TestStress_ConcurrentTierMoves demotes and promotes the same chunks from
// several goroutines while readers verify the content never changes.
func TestStress_ConcurrentTierMoves(t *testing.T) {
	eng := stressEngine(t, 256)

	const objects = 16
	for obj := uint64(1); obj <= objects; obj++ {
		if err := eng.Registry().Write(obj, 0, payload(obj, chunkSize)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := types.ChunkKey{ObjectID: uint64(i%objects) + 1}
				var err error
				if (i+g)%2 == 0 {
					err = eng.Registry().Demote(key, nil)
				} else {
					err = eng.Registry().Promote(key, nil)
				}
				if err != nil {
					t.Errorf("move %s: %v", key, err)
					return
				}
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 400; i++ {
				obj := uint64((i+g)%objects) + 1
				got, err := eng.Registry().Read(obj, 0, chunkSize)
				if err != nil {
					t.Errorf("read %d: %v", obj, err)
					return
				}
				if !bytes.Equal(got, payload(obj, chunkSize)) {
					t.Errorf("object %d: content changed during moves", obj)
					return
				}
			}
		}(g)
	}
	// Concurrent closes force the registry to reload chunks mid-flight.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			eng.Registry().CloseAll()
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
}

// TestStress_PressureRelief writes far more than the fast tier holds and
// checks the rebalance loop keeps the fast drive above its watermark.
func TestStress_PressureRelief(t *testing.T) {
	eng := stressEngine(t, 32)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	for obj := uint64(1); obj <= 128; obj++ {
		if err := eng.Registry().Write(obj, 0, payload(obj, chunkSize)); err != nil {
			t.Fatal(err)
		}
	}

	fast := eng.Drives().All()[0]
	deadline := time.Now().Add(10 * time.Second)
	for fast.FreeFraction() < 0.25 {
		if time.Now().After(deadline) {
			t.Fatalf("fast drive still pressured: free=%.3f", fast.FreeFraction())
		}
		time.Sleep(5 * time.Millisecond)
	}

	for obj := uint64(1); obj <= 128; obj++ {
		got, err := eng.Registry().Read(obj, 0, chunkSize)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload(obj, chunkSize)) {
			t.Fatalf("object %d: data mismatch", obj)
		}
	}
}
