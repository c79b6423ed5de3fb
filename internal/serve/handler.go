package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/chunk"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/engine"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
	"go.uber.org/zap"
)

// MaxTransferBytes bounds one object read or write through the control plane.
const MaxTransferBytes = 64 << 20

type handler struct {
	eng    *engine.Engine
	logger *zap.Logger
}

// NewHandler returns the HTTP API for eng.
func NewHandler(eng *engine.Engine, logger *zap.Logger) http.Handler {
	h := &handler{eng: eng, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/drives", h.handleDrives)
	mux.HandleFunc("GET /v1/chunks", h.handleListChunks)
	mux.HandleFunc("GET /v1/chunks/{object}/{part}", h.handleGetChunk)
	mux.HandleFunc("GET /v1/objects/{object}", h.handleReadObject)
	mux.HandleFunc("PUT /v1/objects/{object}", h.handleWriteObject)
	mux.HandleFunc("POST /v1/objects/{object}/resize", h.handleResizeObject)
	mux.HandleFunc("POST /v1/admin/demote/{object}/{part}", h.handleDemote)
	mux.HandleFunc("POST /v1/admin/promote/{object}/{part}", h.handlePromote)
	mux.HandleFunc("POST /v1/admin/gc", h.handleGC)

	return countRequests(mux)
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, eng *engine.Engine, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(eng, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequests.WithLabelValues("http", strconv.Itoa(rec.status)).Inc()
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Status())
}

func (h *handler) handleDrives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Status().Drives)
}

func (h *handler) handleListChunks(w http.ResponseWriter, r *http.Request) {
	live := h.eng.Registry().Snapshot()
	result := make([]chunk.Info, 0, len(live))
	for _, c := range live {
		result = append(result, c.Info())
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleGetChunk(w http.ResponseWriter, r *http.Request) {
	key, ok := chunkKeyFromPath(w, r)
	if !ok {
		return
	}
	info, err := h.eng.Registry().Describe(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleReadObject(w http.ResponseWriter, r *http.Request) {
	object, ok := parseUint(w, r.PathValue("object"), "object id")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	length, ok := queryInt(w, r, "length", h.eng.Registry().ChunkSize())
	if !ok {
		return
	}
	if length > MaxTransferBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("length exceeds %d bytes", MaxTransferBytes),
		})
		return
	}

	data, err := h.eng.Registry().Read(object, offset, length)
	if err != nil {
		h.logger.Error("object read failed", zap.Uint64("object", object), zap.Error(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handler) handleWriteObject(w http.ResponseWriter, r *http.Request) {
	object, ok := parseUint(w, r.PathValue("object"), "object id")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxTransferBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if err := h.eng.Registry().Write(object, offset, data); err != nil {
		h.logger.Error("object write failed", zap.Uint64("object", object), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"written": int64(len(data)), "offset": offset})
}

func (h *handler) handleResizeObject(w http.ResponseWriter, r *http.Request) {
	object, ok := parseUint(w, r.PathValue("object"), "object id")
	if !ok {
		return
	}
	from, ok := queryInt(w, r, "from", -1)
	if !ok {
		return
	}
	to, ok := queryInt(w, r, "to", -1)
	if !ok {
		return
	}
	if from < 0 || to < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
		return
	}

	if err := h.eng.Registry().Resize(object, from, to); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"from": from, "to": to})
}

func (h *handler) handleDemote(w http.ResponseWriter, r *http.Request) {
	key, ok := chunkKeyFromPath(w, r)
	if !ok {
		return
	}
	if _, err := h.eng.Registry().Describe(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	target, err := h.eng.Drives().MostFree(types.TierSlow)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.eng.Registry().Demote(key, target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "demoted", "chunk": key.String()})
}

func (h *handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	key, ok := chunkKeyFromPath(w, r)
	if !ok {
		return
	}
	info, err := h.eng.Registry().Describe(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.OnFast {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chunk is already on the fast tier"})
		return
	}

	target, err := h.eng.Drives().MostFree(types.TierFast)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.eng.Registry().Promote(key, target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "promoted", "chunk": key.String()})
}

func (h *handler) handleGC(w http.ResponseWriter, r *http.Request) {
	removed, err := h.eng.CollectOrphans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func chunkKeyFromPath(w http.ResponseWriter, r *http.Request) (types.ChunkKey, bool) {
	object, ok := parseUint(w, r.PathValue("object"), "object id")
	if !ok {
		return types.ChunkKey{}, false
	}
	part, ok := parseUint(w, r.PathValue("part"), "part")
	if !ok {
		return types.ChunkKey{}, false
	}
	return types.ChunkKey{ObjectID: object, Part: part}, true
}

func parseUint(w http.ResponseWriter, s, what string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + what})
		return 0, false
	}
	return v, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, meta.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
