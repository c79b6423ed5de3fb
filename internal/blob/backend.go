package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/drive"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/metrics"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by Backend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Backend implements drive.Backend on an S3-compatible bucket. Each chunk
// file is one object; a handle holds the object body in memory while open.
type Backend struct {
	s3       S3API
	bucket   string
	prefix   string
	capacity int64
	ctx      context.Context
	logger   *zap.Logger
}

// NewBackend creates a blob backend. capacity is the configured byte budget
// of the drive, since buckets have no intrinsic size.
func NewBackend(ctx context.Context, s3api S3API, bucket, prefix string, capacity int64, logger *zap.Logger) *Backend {
	return &Backend{
		s3:       s3api,
		bucket:   bucket,
		prefix:   prefix,
		capacity: capacity,
		ctx:      ctx,
		logger:   logger,
	}
}

func (b *Backend) objectKey(name string) string {
	if b.prefix != "" {
		return fmt.Sprintf("%s/%s", b.prefix, name)
	}
	return name
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (b *Backend) Open(name string) (drive.Handle, error) {
	key := b.objectKey(name)
	start := time.Now()

	resp, err := b.s3.GetObject(b.ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			// Created on first upload, like O_CREATE.
			return &handle{backend: b, key: key, dirty: true}, nil
		}
		metrics.S3Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("downloading %s from S3: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.S3Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("reading S3 response for %s: %w", key, err)
	}
	metrics.S3TransferDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())

	b.logger.Debug("object downloaded", zap.String("key", key), zap.Int("size", len(data)))
	return &handle{backend: b, key: key, data: data}, nil
}

func (b *Backend) Remove(name string) error {
	key := b.objectKey(name)
	_, err := b.s3.DeleteObject(b.ctx, &s3.DeleteObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil && !isNotFound(err) {
		metrics.S3Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("deleting %s from S3: %w", key, err)
	}
	return nil
}

func (b *Backend) Exists(name string) (bool, error) {
	key := b.objectKey(name)
	_, err := b.s3.HeadObject(b.ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		metrics.S3Errors.WithLabelValues("head").Inc()
		return false, fmt.Errorf("checking %s in S3: %w", key, err)
	}
	return true, nil
}

func (b *Backend) Capacity() (int64, error) {
	return b.capacity, nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) upload(key string, data []byte) error {
	start := time.Now()
	_, err := b.s3.PutObject(b.ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		metrics.S3Errors.WithLabelValues("put").Inc()
		return fmt.Errorf("uploading %s to S3: %w", key, err)
	}
	metrics.S3TransferDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())

	b.logger.Debug("object uploaded", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// handle serves I/O from an in-memory copy of the object and uploads it
// back on Sync or Close when modified.
type handle struct {
	backend *Backend
	key     string

	mu    sync.Mutex
	data  []byte
	dirty bool
}

func (h *handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *handle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(h.data)) {
		h.grow(end)
	}
	copy(h.data[off:], p)
	h.dirty = true
	return len(p), nil
}

// grow extends the image to size, zero-filling the new bytes.
func (h *handle) grow(size int64) {
	if size <= int64(cap(h.data)) {
		old := len(h.data)
		h.data = h.data[:size]
		clear(h.data[old:])
		return
	}
	buf := make([]byte, size)
	copy(buf, h.data)
	h.data = buf
}

func (h *handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size < int64(len(h.data)) {
		h.data = h.data[:size]
	} else if size > int64(len(h.data)) {
		h.grow(size)
	}
	h.dirty = true
	return nil
}

func (h *handle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data)), nil
}

func (h *handle) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *handle) flushLocked() error {
	if !h.dirty {
		return nil
	}
	if err := h.backend.upload(h.key, h.data); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.flushLocked()
	h.data = nil
	return err
}
