package drive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when a drive root is already owned by another process.
var ErrLocked = errors.New("drive root is locked by another process")

// Handle is an open chunk file on a drive.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// Backend stores named files for one drive.
type Backend interface {
	// Open opens name for reading and writing, creating it if absent.
	Open(name string) (Handle, error)
	Remove(name string) error
	Exists(name string) (bool, error)
	// Capacity reports the total bytes available to the backend, or 0 if unknown.
	Capacity() (int64, error)
	Close() error
}

const lockFileName = "LOCK"

// LocalBackend keeps chunk files in a directory on a local filesystem.
type LocalBackend struct {
	root string
	lock *flock.Flock
}

// NewLocalBackend creates root if needed and takes an exclusive lock on it.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating drive root %s: %w", root, err)
	}

	lock := flock.New(filepath.Join(root, lockFileName))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking drive root %s: %w", root, err)
	}
	if !held {
		return nil, fmt.Errorf("%s: %w", root, ErrLocked)
	}

	return &LocalBackend{root: root, lock: lock}, nil
}

func (b *LocalBackend) Root() string {
	return b.root
}

func (b *LocalBackend) path(name string) string {
	return filepath.Join(b.root, name)
}

func (b *LocalBackend) Open(name string) (Handle, error) {
	f, err := os.OpenFile(b.path(name), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &localHandle{f: f}, nil
}

func (b *LocalBackend) Remove(name string) error {
	err := os.Remove(b.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *LocalBackend) Exists(name string) (bool, error) {
	_, err := os.Stat(b.path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *LocalBackend) Capacity() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.root, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", b.root, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}

func (b *LocalBackend) Close() error {
	return b.lock.Unlock()
}

type localHandle struct {
	f *os.File
}

func (h *localHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *localHandle) WriteAt(p []byte, off int64) (int, error) {
	return h.f.WriteAt(p, off)
}

func (h *localHandle) Truncate(size int64) error {
	return h.f.Truncate(size)
}

func (h *localHandle) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *localHandle) Sync() error {
	return h.f.Sync()
}

func (h *localHandle) Close() error {
	return h.f.Close()
}
