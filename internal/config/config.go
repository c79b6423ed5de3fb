package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	Policy        PolicyConfig        `yaml:"policy"`
	Drives        []DriveConfig       `yaml:"drives"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	NATS          NATSConfig          `yaml:"nats"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// EngineConfig sizes chunks and bounds the live chunk population.
type EngineConfig struct {
	ChunkSize              ByteSize `yaml:"chunk_size"`
	MaxOpenedChunks        int      `yaml:"max_opened_chunks"`
	CloseChunkAfter        Duration `yaml:"close_chunk_after"`
	SaveIterateStreamAfter Duration `yaml:"save_iterate_stream_after"`
	EvictionInterval       Duration `yaml:"eviction_interval"`
}

// PolicyConfig drives the rebalancing duty.
type PolicyConfig struct {
	FastFreeWatermark float64  `yaml:"fast_free_watermark"`
	PromoteFreeAbove  float64  `yaml:"promote_free_above"`
	MaxMovesPerCycle  int      `yaml:"max_moves_per_cycle"`
	IdleSleep         Duration `yaml:"idle_sleep"`
	PromotionEnabled  bool     `yaml:"promotion_enabled"`
}

type DriveConfig struct {
	Name     string        `yaml:"name"`
	Tier     string        `yaml:"tier"` // fast | slow
	Kind     string        `yaml:"kind"` // local | s3 | memory
	Path     string        `yaml:"path"`
	MaxBytes ByteSize      `yaml:"max_bytes"`
	S3       S3DriveConfig `yaml:"s3"`
}

type S3DriveConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type MetadataConfig struct {
	Path         string `yaml:"path"`
	NoSync       bool   `yaml:"no_sync"`
	RowCacheSize int    `yaml:"row_cache_size"`
}

type LifecycleConfig struct {
	Interval  Duration `yaml:"interval"`
	GCOrphans bool     `yaml:"gc_orphans"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Drives {
		if cfg.Drives[i].Kind == "" {
			cfg.Drives[i].Kind = "local"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.ChunkSize < 4*1024 || c.Engine.ChunkSize > 1024*1024*1024 {
		return fmt.Errorf("engine.chunk_size must be between 4KB and 1GB, got %d", c.Engine.ChunkSize)
	}
	if c.Engine.MaxOpenedChunks <= 0 {
		return fmt.Errorf("engine.max_opened_chunks must be > 0")
	}
	if c.Engine.CloseChunkAfter <= 0 {
		return fmt.Errorf("engine.close_chunk_after must be > 0")
	}
	if c.Engine.EvictionInterval <= 0 {
		return fmt.Errorf("engine.eviction_interval must be > 0")
	}

	if c.Policy.FastFreeWatermark <= 0 || c.Policy.FastFreeWatermark >= 1 {
		return fmt.Errorf("policy.fast_free_watermark must be in (0,1), got %v", c.Policy.FastFreeWatermark)
	}
	if c.Policy.PromotionEnabled && c.Policy.PromoteFreeAbove <= c.Policy.FastFreeWatermark {
		return fmt.Errorf("policy.promote_free_above (%v) must exceed policy.fast_free_watermark (%v)",
			c.Policy.PromoteFreeAbove, c.Policy.FastFreeWatermark)
	}
	if c.Policy.MaxMovesPerCycle <= 0 {
		return fmt.Errorf("policy.max_moves_per_cycle must be > 0")
	}

	var fast, slow int
	names := make(map[string]bool)
	for i, d := range c.Drives {
		if d.Name == "" {
			return fmt.Errorf("drives[%d].name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("drives[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = true

		switch d.Tier {
		case "fast":
			fast++
		case "slow":
			slow++
		default:
			return fmt.Errorf("drives[%d] (%s): tier must be fast or slow, got %q", i, d.Name, d.Tier)
		}

		switch d.Kind {
		case "", "local":
			if d.Path == "" {
				return fmt.Errorf("drives[%d] (%s): local drive requires path", i, d.Name)
			}
		case "s3":
			if d.S3.Bucket == "" {
				return fmt.Errorf("drives[%d] (%s): s3 drive requires bucket", i, d.Name)
			}
			if d.MaxBytes <= 0 {
				return fmt.Errorf("drives[%d] (%s): s3 drive requires max_bytes", i, d.Name)
			}
		case "memory":
			if d.MaxBytes <= 0 {
				return fmt.Errorf("drives[%d] (%s): memory drive requires max_bytes", i, d.Name)
			}
		default:
			return fmt.Errorf("drives[%d] (%s): unknown kind %q", i, d.Name, d.Kind)
		}
	}
	if fast == 0 || slow == 0 {
		return fmt.Errorf("at least one fast and one slow drive must be configured (fast=%d slow=%d)", fast, slow)
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if c.API.NATSResponder.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when api.nats_responder is enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
