package hts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix is the prefix of responder subjects. Defaults to "hts".
	SubjectPrefix string

	// Timeout for responder requests. Defaults to 5s. A context deadline
	// shorter than Timeout takes precedence.
	Timeout time.Duration
}

// Client issues requests to the hybrid-tiered-storage NATS responder.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("hts: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "hts"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

// Stats is a throughput snapshot in bytes per second.
type Stats struct {
	Val     float64 `json:"val"`
	Peak    float64 `json:"peak"`
	Avg     float64 `json:"avg"`
	AvgPeak float64 `json:"avg_peak"`
}

// Drive describes one configured drive.
type Drive struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	Tier         string  `json:"tier"`
	Capacity     int64   `json:"capacity"`
	UsedBytes    int64   `json:"used_bytes"`
	FreeFraction float64 `json:"free_fraction"`
	OpenFiles    int64   `json:"open_files"`
	Read         Stats   `json:"read"`
	Write        Stats   `json:"write"`
}

// Status summarizes the engine.
type Status struct {
	ChunkSize  int64   `json:"chunk_size"`
	LiveChunks int     `json:"live_chunks"`
	Drives     []Drive `json:"drives"`
	Throughput struct {
		Read  Stats `json:"read"`
		Write Stats `json:"write"`
		Total Stats `json:"total"`
	} `json:"throughput"`
}

// Usage is the access history of a chunk.
type Usage struct {
	Temperature      float64 `json:"temperature"`
	Count            int64   `json:"usage_count"`
	AvgInterAccessMs float64 `json:"avg_inter_access_ms"`
	LastUsageMs      int64   `json:"last_usage_ms"`
	LastReadMs       int64   `json:"last_read_ms"`
	LastWriteMs      int64   `json:"last_write_ms"`
}

// ChunkInfo describes where a chunk lives.
type ChunkInfo struct {
	ObjectID      uint64 `json:"object_id"`
	Part          uint64 `json:"part"`
	Live          bool   `json:"live"`
	Provenance    string `json:"provenance,omitempty"`
	FastDrive     string `json:"fast_drive"`
	SlowDrive     string `json:"slow_drive"`
	FastVersion   int64  `json:"fast_version"`
	SlowVersion   int64  `json:"slow_version"`
	OnFast        bool   `json:"on_fast"`
	Authoritative string `json:"authoritative"`
	OverlayBytes  int64  `json:"overlay_bytes"`
	Usage         Usage  `json:"usage"`
}

// Status returns the engine summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.request(ctx, c.prefix+".status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Chunk returns the placement of one chunk. It wraps ErrNotFound when the
// chunk was never written.
func (c *Client) Chunk(ctx context.Context, objectID, part uint64) (*ChunkInfo, error) {
	var info ChunkInfo
	subject := fmt.Sprintf("%s.chunk.%d.%d", c.prefix, objectID, part)
	if err := c.request(ctx, subject, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Read returns length bytes of an object starting at offset. Bytes never
// written read as zero.
func (c *Client) Read(ctx context.Context, objectID uint64, offset, length int64) ([]byte, error) {
	req, err := json.Marshal(struct {
		Offset int64 `json:"offset"`
		Length int64 `json:"length"`
	}{offset, length})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []byte `json:"data"`
	}
	subject := fmt.Sprintf("%s.read.%d", c.prefix, objectID)
	if err := c.request(ctx, subject, req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) request(ctx context.Context, subject string, data []byte, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("hts: request %s: %w", subject, err)
	}

	// Every reply may carry an error field.
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return fmt.Errorf("hts: decoding reply from %s: %w", subject, err)
	}
	if envelope.Error != "" {
		return &ResponderError{Subject: subject, Message: envelope.Error}
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("hts: decoding reply from %s: %w", subject, err)
	}
	return nil
}
