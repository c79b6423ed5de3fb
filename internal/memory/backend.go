// Package memory provides a drive backend that keeps chunk files in process
// memory. It backs ephemeral drives and tests.
package memory

import (
	"io"
	"sync"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
)

// Backend implements drive.Backend over a map of byte slices.
type Backend struct {
	mu       sync.RWMutex
	files    map[string]*file
	capacity int64
}

func NewBackend(capacity int64) *Backend {
	return &Backend{
		files:    make(map[string]*file),
		capacity: capacity,
	}
}

type file struct {
	mu   sync.RWMutex
	data []byte
}

func (b *Backend) Open(name string) (drive.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.files[name]
	if !ok {
		f = &file{}
		b.files[name] = f
	}
	return &handle{f: f}, nil
}

func (b *Backend) Remove(name string) error {
	b.mu.Lock()
	delete(b.files, name)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Exists(name string) (bool, error) {
	b.mu.RLock()
	_, ok := b.files[name]
	b.mu.RUnlock()
	return ok, nil
}

func (b *Backend) Capacity() (int64, error) {
	return b.capacity, nil
}

func (b *Backend) Close() error {
	return nil
}

// Names lists stored file names.
func (b *Backend) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.files))
	for name := range b.files {
		out = append(out, name)
	}
	return out
}

// Bytes returns a copy of a stored file, or nil if absent.
func (b *Backend) Bytes(name string) []byte {
	b.mu.RLock()
	f, ok := b.files[name]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]byte(nil), f.data...)
}

type handle struct {
	f *file
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()

	if off >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(h.f.data)) {
		h.f.resize(end)
	}
	copy(h.f.data[off:], p)
	return len(p), nil
}

func (h *handle) Truncate(size int64) error {
	h.f.mu.Lock()
	h.f.resize(size)
	h.f.mu.Unlock()
	return nil
}

func (h *handle) Size() (int64, error) {
	h.f.mu.RLock()
	defer h.f.mu.RUnlock()
	return int64(len(h.f.data)), nil
}

func (h *handle) Sync() error  { return nil }
func (h *handle) Close() error { return nil }

func (f *file) resize(size int64) {
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return
	}
	buf := make([]byte, size)
	copy(buf, f.data)
	f.data = buf
}
