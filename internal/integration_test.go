package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/serve"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"github.com/gftdcojp/hybrid-tiered-storage/pkg/hts"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const chunkSize = 4096

// startEmbeddedNATS starts an embedded nats-server.
func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     -1, // random port
		StoreDir: filepath.Join(tmpDir, "nats"),
		NoLog:    true,
		NoSigs:   true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

// localConfig lays out one fast and one slow local drive under dir. The fast
// drive holds fastChunks chunks.
func localConfig(dir string, fastChunks int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.ChunkSize = chunkSize
	cfg.Drives = []config.DriveConfig{
		{Name: "ssd0", Tier: "fast", Kind: "local", Path: filepath.Join(dir, "ssd0"), MaxBytes: config.ByteSize(fastChunks * chunkSize)},
		{Name: "hdd0", Tier: "slow", Kind: "local", Path: filepath.Join(dir, "hdd0")},
	}
	cfg.Metadata.Path = filepath.Join(dir, "meta", "meta.db")
	return cfg
}

func payload(object uint64, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(int(object)*31 + i)
	}
	return b
}

// TestIntegration_FullPipeline tests the complete flow:
// HTTP writes -> fast tier fills -> rebalance demotes -> NATS reads -> restart
func TestIntegration_FullPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := localConfig(dir, 16)
	ctx := context.Background()
	logger := zap.NewNop()

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}

	api := httptest.NewServer(serve.NewHandler(eng, logger))
	defer api.Close()

	// Step 1: fill the fast drive past its watermark through the HTTP API.
	const objects = 14
	for obj := uint64(1); obj <= objects; obj++ {
		url := fmt.Sprintf("%s/v1/objects/%d?offset=0", api.URL, obj)
		req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload(obj, chunkSize)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT object %d: %v", obj, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT object %d: status %d", obj, resp.StatusCode)
		}
	}

	fast := eng.Drives().All()[0]
	if fast.FreeFraction() >= cfg.Policy.FastFreeWatermark {
		t.Fatalf("expected fast drive under pressure, free=%.3f", fast.FreeFraction())
	}

	// Step 2: one rebalance cycle relieves the pressure.
	moved, err := eng.Orchestrator().RebalanceCycle(ctx)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected 2 chunks demoted, got %d", moved)
	}
	if fast.FreeFraction() < cfg.Policy.FastFreeWatermark {
		t.Fatalf("fast drive still pressured after rebalance, free=%.3f", fast.FreeFraction())
	}

	resp, err := http.Get(api.URL + "/v1/chunks")
	if err != nil {
		t.Fatal(err)
	}
	var infos []chunk.Info
	json.NewDecoder(resp.Body).Decode(&infos)
	resp.Body.Close()

	var demoted []uint64
	for _, info := range infos {
		if !info.OnFast {
			demoted = append(demoted, info.ObjectID)
			if info.Authoritative != "slow" || info.FastVersion != -1 {
				t.Errorf("object %d: demoted chunk should be slow-only, got %+v", info.ObjectID, info)
			}
		}
	}
	if len(demoted) != 2 {
		t.Fatalf("expected 2 demoted chunks in listing, got %v", demoted)
	}

	// Step 3: read every object back over the NATS responder.
	_, natsURL := startEmbeddedNATS(t)
	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	defer nc.Close()

	respCtx, stopResponder := context.WithCancel(ctx)
	responderDone := make(chan error, 1)
	go func() {
		responderDone <- serve.RunNATSResponder(respCtx, nc, cfg.API.NATSResponder, eng, logger)
	}()

	client, err := hts.New(hts.Config{NC: nc})
	if err != nil {
		t.Fatal(err)
	}
	waitForResponder(t, client)

	for obj := uint64(1); obj <= objects; obj++ {
		data, err := client.Read(ctx, obj, 0, chunkSize)
		if err != nil {
			t.Fatalf("read object %d: %v", obj, err)
		}
		if !bytes.Equal(data, payload(obj, chunkSize)) {
			t.Fatalf("object %d: data mismatch over NATS", obj)
		}
	}

	info, err := client.Chunk(ctx, demoted[0], 0)
	if err != nil {
		t.Fatal(err)
	}
	if info.OnFast || info.SlowDrive != "hdd0" {
		t.Fatalf("unexpected placement over NATS: %+v", info)
	}

	stopResponder()
	<-responderDone

	// Step 4: restart and verify placement and data survived.
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	eng2, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer eng2.Close(ctx)

	for _, obj := range demoted {
		info, err := eng2.Registry().Describe(ctx, types.ChunkKey{ObjectID: obj})
		if err != nil {
			t.Fatal(err)
		}
		if info.OnFast || info.Live {
			t.Fatalf("object %d: expected persisted slow-tier row, got %+v", obj, info)
		}
	}
	for obj := uint64(1); obj <= objects; obj++ {
		data, err := eng2.Registry().Read(obj, 0, chunkSize)
		if err != nil {
			t.Fatalf("read object %d after restart: %v", obj, err)
		}
		if !bytes.Equal(data, payload(obj, chunkSize)) {
			t.Fatalf("object %d: data mismatch after restart", obj)
		}
	}
	if got := eng2.Drives().All()[0].UsedBytes(); got != int64(12*chunkSize) {
		t.Errorf("fast drive used bytes after restart: got %d, want %d", got, 12*chunkSize)
	}
}

func waitForResponder(t *testing.T, client *hts.Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_, err := client.Status(ctx)
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("responder not ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestIntegration_HTTPObjectLifecycle writes, overwrites, shrinks and reads an
// object spanning several chunks through the HTTP API.
func TestIntegration_HTTPObjectLifecycle(t *testing.T) {
	cfg := localConfig(t.TempDir(), 64)
	ctx := context.Background()

	eng, err := engine.Open(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	api := httptest.NewServer(serve.NewHandler(eng, zap.NewNop()))
	defer api.Close()

	put := func(obj uint64, off int64, data []byte) {
		t.Helper()
		url := fmt.Sprintf("%s/v1/objects/%d?offset=%d", api.URL, obj, off)
		req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT %s: status %d", url, resp.StatusCode)
		}
	}
	get := func(obj uint64, off, length int64) []byte {
		t.Helper()
		resp, err := http.Get(fmt.Sprintf("%s/v1/objects/%d?offset=%d&length=%d", api.URL, obj, off, length))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return data
	}

	shadow := payload(9, 3*chunkSize)
	put(9, 0, shadow)

	patch := bytes.Repeat([]byte{0xEE}, chunkSize)
	put(9, chunkSize/2, patch)
	copy(shadow[chunkSize/2:], patch)

	if got := get(9, 0, int64(len(shadow))); !bytes.Equal(got, shadow) {
		t.Fatal("content mismatch after overwrite")
	}

	// Demote the middle chunk, then write into it again.
	resp, err := http.Post(api.URL+"/v1/admin/demote/9/1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	put(9, chunkSize+10, []byte("overlay"))
	copy(shadow[chunkSize+10:], "overlay")

	if got := get(9, 0, int64(len(shadow))); !bytes.Equal(got, shadow) {
		t.Fatal("content mismatch after write to demoted chunk")
	}

	newLen := int64(chunkSize + 100)
	resp, err = http.Post(fmt.Sprintf("%s/v1/objects/9/resize?from=%d&to=%d", api.URL, len(shadow), newLen), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := get(9, 0, int64(len(shadow)))
	want := append(append([]byte{}, shadow[:newLen]...), make([]byte, int64(len(shadow))-newLen)...)
	if !bytes.Equal(got, want) {
		t.Fatal("content mismatch after resize")
	}
}
