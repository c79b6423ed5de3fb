package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"go.uber.org/zap"
)

const testChunkSize = 4096

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.ChunkSize = testChunkSize
	cfg.Drives = []config.DriveConfig{
		{Name: "ram0", Tier: "fast", Kind: "memory", MaxBytes: 1 << 20},
		{Name: "ram1", Tier: "slow", Kind: "memory", MaxBytes: 1 << 24},
	}
	cfg.Metadata.Path = filepath.Join(t.TempDir(), "meta.db")
	cfg.Metadata.NoSync = true

	eng, err := engine.Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_Status(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	w := do(t, h, "GET", "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ChunkSize != testChunkSize {
		t.Errorf("expected chunk size %d, got %d", testChunkSize, resp.ChunkSize)
	}
	if len(resp.Drives) != 2 {
		t.Errorf("expected 2 drives, got %d", len(resp.Drives))
	}
}

func TestHandler_Drives(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	w := do(t, h, "GET", "/v1/drives", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var drives []map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &drives)
	if len(drives) != 2 || drives[0]["name"] != "ram0" {
		t.Fatalf("unexpected drives: %v", drives)
	}
}

func TestHandler_WriteThenRead(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	w := do(t, h, "PUT", "/v1/objects/5?offset=4090", []byte("hello world"))
	if w.Code != http.StatusOK {
		t.Fatalf("write: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, "GET", "/v1/objects/5?offset=4090&length=11", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	// The write straddled two chunks.
	w = do(t, h, "GET", "/v1/chunks", nil)
	var infos []chunk.Info
	json.Unmarshal(w.Body.Bytes(), &infos)
	if len(infos) != 2 {
		t.Fatalf("expected 2 live chunks, got %d", len(infos))
	}
}

func TestHandler_ReadTooLarge(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	w := do(t, h, "GET", "/v1/objects/1?length=999999999999", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandler_InvalidParams(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	cases := []struct {
		method, target string
	}{
		{"GET", "/v1/objects/abc"},
		{"GET", "/v1/objects/1?offset=-5"},
		{"GET", "/v1/chunks/1/xyz"},
		{"POST", "/v1/objects/1/resize?from=10"},
		{"POST", "/v1/admin/demote/x/0"},
	}
	for _, tc := range cases {
		w := do(t, h, tc.method, tc.target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s: expected 400, got %d", tc.method, tc.target, w.Code)
		}
	}
}

func TestHandler_GetChunk(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHandler(eng, zap.NewNop())
	if err := eng.Registry().Write(3, 0, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, "GET", "/v1/chunks/3/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info chunk.Info
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.ObjectID != 3 || !info.Live || !info.OnFast {
		t.Fatalf("unexpected info: %+v", info)
	}

	w = do(t, h, "GET", "/v1/chunks/3/1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chunk, got %d", w.Code)
	}
}

func TestHandler_GetChunk_Persisted(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHandler(eng, zap.NewNop())
	if err := eng.Registry().Write(3, 0, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := eng.Registry().CloseAll(); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, "GET", "/v1/chunks/3/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info chunk.Info
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Live {
		t.Error("closed chunk reported live")
	}
	if info.FastDrive != "ram0" || info.SlowDrive != "ram1" {
		t.Errorf("unexpected drives: %s/%s", info.FastDrive, info.SlowDrive)
	}
	if eng.Registry().Len() != 0 {
		t.Error("describe loaded the chunk")
	}
}

func TestHandler_DemotePromote(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHandler(eng, zap.NewNop())
	if err := eng.Registry().Write(8, 0, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, "POST", "/v1/admin/demote/8/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("demote: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	c, _ := eng.Registry().Get(chunkKey(8, 0))
	if c.Info().OnFast {
		t.Fatal("chunk still on fast tier after demote")
	}

	w = do(t, h, "POST", "/v1/admin/promote/8/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("promote: expected 200, got %d", w.Code)
	}
	if !c.Info().OnFast {
		t.Fatal("chunk not on fast tier after promote")
	}

	w = do(t, h, "POST", "/v1/admin/promote/8/0", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("second promote: expected 400, got %d", w.Code)
	}

	w = do(t, h, "GET", "/v1/objects/8?length=7", nil)
	if w.Body.String() != "payload" {
		t.Fatalf("data changed across moves: %q", w.Body.String())
	}
}

func TestHandler_Demote_NotFound(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHandler(eng, zap.NewNop())

	w := do(t, h, "POST", "/v1/admin/demote/99/0", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if eng.Registry().Len() != 0 {
		t.Error("demoting an unknown chunk created it")
	}
}

func TestHandler_Resize(t *testing.T) {
	eng := newTestEngine(t)
	h := NewHandler(eng, zap.NewNop())
	if err := eng.Registry().Write(4, 0, bytes.Repeat([]byte{'x'}, 100)); err != nil {
		t.Fatal(err)
	}

	w := do(t, h, "POST", "/v1/objects/4/resize?from=100&to=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = do(t, h, "GET", "/v1/objects/4?length=20", nil)
	want := strings.Repeat("x", 10) + strings.Repeat("\x00", 10)
	if w.Body.String() != want {
		t.Fatalf("expected truncated content, got %q", w.Body.String())
	}
}

func TestHandler_GC(t *testing.T) {
	h := NewHandler(newTestEngine(t), zap.NewNop())

	w := do(t, h, "POST", "/v1/admin/gc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["removed"] != 0 {
		t.Fatalf("expected nothing removed, got %d", resp["removed"])
	}
}
