package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
engine:
  chunk_size: "4MB"
  max_opened_chunks: 64
  close_chunk_after: "30s"

policy:
  fast_free_watermark: 0.2
  promote_free_above: 0.4

drives:
  - name: "ssd0"
    tier: "fast"
    path: "/tmp/hts/ssd0"
    max_bytes: "1GB"
  - name: "hdd0"
    tier: "slow"
    path: "/tmp/hts/hdd0"
  - name: "archive"
    tier: "slow"
    kind: "s3"
    max_bytes: "1TB"
    s3:
      bucket: "chunks"
      region: "us-east-1"

metadata:
  path: "/tmp/hts/test-meta.db"
`
	tmpFile, err := os.CreateTemp("", "hts-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if int64(cfg.Engine.ChunkSize) != 4*1024*1024 {
		t.Errorf("unexpected chunk_size: %d", cfg.Engine.ChunkSize)
	}
	if cfg.Engine.CloseChunkAfter.Duration() != 30*time.Second {
		t.Errorf("unexpected close_chunk_after: %v", cfg.Engine.CloseChunkAfter.Duration())
	}
	// Unset fields keep their defaults.
	if cfg.Engine.SaveIterateStreamAfter.Duration() != 5*time.Second {
		t.Errorf("unexpected save_iterate_stream_after: %v", cfg.Engine.SaveIterateStreamAfter.Duration())
	}
	if len(cfg.Drives) != 3 {
		t.Fatalf("expected 3 drives, got %d", len(cfg.Drives))
	}
	if cfg.Drives[1].Kind != "local" {
		t.Errorf("expected default kind local, got %q", cfg.Drives[1].Kind)
	}
	if int64(cfg.Drives[0].MaxBytes) != 1024*1024*1024 {
		t.Errorf("unexpected max_bytes: %d", cfg.Drives[0].MaxBytes)
	}
	if cfg.Policy.FastFreeWatermark != 0.2 {
		t.Errorf("unexpected watermark: %v", cfg.Policy.FastFreeWatermark)
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Drives = []DriveConfig{
		{Name: "ssd", Tier: "fast", Kind: "local", Path: "/tmp/ssd"},
		{Name: "hdd", Tier: "slow", Kind: "local", Path: "/tmp/hdd"},
	}
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no drives", func(c *Config) { c.Drives = nil }},
		{"no slow drive", func(c *Config) { c.Drives = c.Drives[:1] }},
		{"bad tier", func(c *Config) { c.Drives[0].Tier = "warm" }},
		{"duplicate name", func(c *Config) { c.Drives[1].Name = c.Drives[0].Name }},
		{"local without path", func(c *Config) { c.Drives[0].Path = "" }},
		{"s3 without bucket", func(c *Config) { c.Drives[1].Kind = "s3"; c.Drives[1].MaxBytes = 1 << 30 }},
		{"s3 without capacity", func(c *Config) { c.Drives[1].Kind = "s3"; c.Drives[1].S3.Bucket = "b" }},
		{"memory without capacity", func(c *Config) { c.Drives[0].Kind = "memory" }},
		{"tiny chunk", func(c *Config) { c.Engine.ChunkSize = 512 }},
		{"watermark out of range", func(c *Config) { c.Policy.FastFreeWatermark = 1.5 }},
		{"promotion inside watermark", func(c *Config) { c.Policy.PromoteFreeAbove = 0.1 }},
		{"no metadata path", func(c *Config) { c.Metadata.Path = "" }},
		{"responder without nats", func(c *Config) { c.API.NATSResponder.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"100B", 100},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
