package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			ChunkSize:              ByteSize(1024 * 1024), // 1MB
			MaxOpenedChunks:        32,
			CloseChunkAfter:        Duration(10 * time.Second),
			SaveIterateStreamAfter: Duration(5 * time.Second),
			EvictionInterval:       Duration(time.Second),
		},
		Policy: PolicyConfig{
			FastFreeWatermark: 0.25,
			PromoteFreeAbove:  0.35,
			MaxMovesPerCycle:  25,
			IdleSleep:         Duration(10 * time.Millisecond),
			PromotionEnabled:  true,
		},
		Metadata: MetadataConfig{
			Path:         "/var/lib/hts/meta.db",
			RowCacheSize: 4096,
		},
		Lifecycle: LifecycleConfig{
			Interval: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			ConnectionName: "hybrid-tiered-storage",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "hts",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
