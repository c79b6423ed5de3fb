// Package file wraps one chunk file on one drive. It opens the backend handle
// lazily, accounts every transferred byte to the drive, and can hold the
// whole file in memory while pending overlay pieces are merged into it.
//
// A File is not safe for concurrent use; the owning chunk serializes access.
package file

import (
	"errors"
	"fmt"
	"io"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
)

const copyBlockSize = 4096

// File is a lazily opened chunk file.
type File struct {
	drive *drive.Drive
	name  string

	h      drive.Handle
	length int64

	// image holds the whole file once materialized; I/O is then served from it.
	image []byte
	dirty bool
}

func New(d *drive.Drive, name string) *File {
	return &File{drive: d, name: name}
}

func (f *File) Drive() *drive.Drive {
	return f.drive
}

func (f *File) Name() string {
	return f.name
}

// IsOpen reports whether the backend handle has been opened.
func (f *File) IsOpen() bool {
	return f.h != nil
}

func (f *File) open() error {
	if f.h != nil {
		return nil
	}
	h, err := f.drive.Backend().Open(f.name)
	if err != nil {
		return fmt.Errorf("opening %s on %s: %w", f.name, f.drive.Name, err)
	}
	size, err := h.Size()
	if err != nil {
		h.Close()
		return fmt.Errorf("sizing %s on %s: %w", f.name, f.drive.Name, err)
	}
	f.h = h
	f.length = size
	f.drive.FileOpened()
	return nil
}

func (f *File) Length() (int64, error) {
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.length, nil
}

func (f *File) setLength(n int64) {
	f.drive.AddUsed(n - f.length)
	f.length = n
}

// ReadAt returns exactly n bytes starting at off. Bytes past the end of the
// file read as zero.
func (f *File) ReadAt(n, off int64) ([]byte, error) {
	if err := f.open(); err != nil {
		return nil, err
	}
	buf := make([]byte, n)

	if f.image != nil {
		if off < int64(len(f.image)) {
			copy(buf, f.image[off:])
		}
	} else if off < f.length {
		_, err := f.h.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading %s on %s: %w", f.name, f.drive.Name, err)
		}
	}

	f.drive.AddRead(len(buf))
	return buf, nil
}

func (f *File) WriteAt(p []byte, off int64) error {
	if err := f.open(); err != nil {
		return err
	}
	end := off + int64(len(p))

	if f.image != nil {
		if end > int64(len(f.image)) {
			f.image = grow(f.image, end)
		}
		copy(f.image[off:], p)
		f.dirty = true
	} else if _, err := f.h.WriteAt(p, off); err != nil {
		return fmt.Errorf("writing %s on %s: %w", f.name, f.drive.Name, err)
	}

	if end > f.length {
		f.setLength(end)
	}
	f.drive.AddWrite(len(p))
	return nil
}

func (f *File) Truncate(size int64) error {
	if err := f.open(); err != nil {
		return err
	}
	if f.image != nil {
		if size <= int64(len(f.image)) {
			f.image = f.image[:size]
		} else {
			f.image = grow(f.image, size)
		}
		f.dirty = true
	} else if err := f.h.Truncate(size); err != nil {
		return fmt.Errorf("truncating %s on %s: %w", f.name, f.drive.Name, err)
	}
	f.setLength(size)
	return nil
}

// Materialize loads the whole file into memory. Further I/O is served from
// the image until Flush or Close writes it back.
func (f *File) Materialize() error {
	if f.image != nil {
		return nil
	}
	if err := f.open(); err != nil {
		return err
	}
	img := make([]byte, f.length)
	if f.length > 0 {
		if _, err := f.h.ReadAt(img, 0); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("materializing %s on %s: %w", f.name, f.drive.Name, err)
		}
		f.drive.AddRead(len(img))
	}
	f.image = img
	return nil
}

// Apply materializes the file, merges the overlay pieces in arrival order,
// and resets the overlay.
func (f *File) Apply(o *Overlay) error {
	if !o.Used() {
		return nil
	}
	if err := f.Materialize(); err != nil {
		return err
	}
	for _, p := range o.pieces {
		if err := f.WriteAt(p.data, p.pos); err != nil {
			return err
		}
	}
	o.Reset()
	return nil
}

// Flush writes a dirty image back and syncs the handle.
func (f *File) Flush() error {
	if f.h == nil {
		return nil
	}
	if f.image != nil && f.dirty {
		if err := f.h.Truncate(int64(len(f.image))); err != nil {
			return fmt.Errorf("flushing %s on %s: %w", f.name, f.drive.Name, err)
		}
		if _, err := f.h.WriteAt(f.image, 0); err != nil {
			return fmt.Errorf("flushing %s on %s: %w", f.name, f.drive.Name, err)
		}
		f.dirty = false
	}
	if err := f.h.Sync(); err != nil {
		return fmt.Errorf("syncing %s on %s: %w", f.name, f.drive.Name, err)
	}
	return nil
}

// Close flushes and releases the handle. The image is dropped.
func (f *File) Close() error {
	if f.h == nil {
		return nil
	}
	flushErr := f.Flush()
	closeErr := f.h.Close()
	f.h = nil
	f.image = nil
	f.dirty = false
	f.drive.FileClosed()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s on %s: %w", f.name, f.drive.Name, closeErr)
	}
	return nil
}

// Delete closes and removes the file, releasing its bytes from the drive.
func (f *File) Delete() error {
	if err := f.open(); err != nil {
		return err
	}
	f.dirty = false
	f.image = nil
	length := f.length
	if err := f.Close(); err != nil {
		return err
	}
	if err := f.drive.Backend().Remove(f.name); err != nil {
		return fmt.Errorf("removing %s on %s: %w", f.name, f.drive.Name, err)
	}
	f.drive.AddUsed(-length)
	f.length = 0
	return nil
}

// CopyTo replaces dst's content with f's, in fixed-size blocks.
func (f *File) CopyTo(dst *File) error {
	length, err := f.Length()
	if err != nil {
		return err
	}
	if err := dst.Truncate(length); err != nil {
		return err
	}
	for off := int64(0); off < length; off += copyBlockSize {
		n := min(copyBlockSize, length-off)
		buf, err := f.ReadAt(n, off)
		if err != nil {
			return err
		}
		if err := dst.WriteAt(buf, off); err != nil {
			return err
		}
	}
	return nil
}

func grow(b []byte, size int64) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}
