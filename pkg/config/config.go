// Package config provides YAML-based configuration loading for meshcounter.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Node identifies the local device and its wire format.
	Node NodeConfig `mapstructure:"node"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	Topology  TopologyConfig  `mapstructure:"topology"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Health    HealthConfig    `mapstructure:"health"`
	Inbound   InboundConfig   `mapstructure:"inbound"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	// Transports list to configure multiple inbound/outbound links
	Transports []TransportConfig `mapstructure:"transports"`

	// Net holds network/bootstrap options
	Net NetConfig `mapstructure:"net"`
}

// NodeConfig describes the local device.
type NodeConfig struct {
	// DeviceID is the local peer identifier; generated when empty.
	DeviceID string `mapstructure:"device_id"`
	// WireFormat: json, cbor or proto
	WireFormat string `mapstructure:"wire_format"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "meshcounter-node",
		Node:    NodeConfig{WireFormat: "json"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/meshcounter.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Topology:  DefaultTopology(),
		Discovery: DefaultDiscovery(),
		Dedup:     DefaultDedup(),
		Delivery:  DefaultDelivery(),
		Processor: DefaultProcessor(),
		Health:    DefaultHealth(),
		Inbound:   InboundConfig{RatePerSec: 200, Burst: 400},
		Metrics:   MetricsConfig{Path: "/metrics"},
		Transports: []TransportConfig{
			{
				Kind:   "quic",
				Listen: []string{":7788"},
			},
		},
		Net: NetConfig{DialBackoffInitialMS: 500, DialBackoffMaxMS: 30000, DialBackoffJitterMS: 100},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MESHCOUNTER and `.`/`-` are replaced with `_`.
// Example: MESHCOUNTER_TOPOLOGY_MAX_DEGREE=6
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHCOUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("MESHCOUNTER_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meshcounter")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".meshcounter"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every leaf key so env-only configs work.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("node.device_id", cfg.Node.DeviceID)
	v.SetDefault("node.wire_format", cfg.Node.WireFormat)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("topology.max_hops", cfg.Topology.MaxHops)
	v.SetDefault("topology.min_degree", cfg.Topology.MinDegree)
	v.SetDefault("topology.max_degree", cfg.Topology.MaxDegree)
	v.SetDefault("topology.reorganize_cooldown_ms", cfg.Topology.ReorganizeCooldownMS)

	v.SetDefault("discovery.announce_interval_ms", cfg.Discovery.AnnounceIntervalMS)
	v.SetDefault("discovery.peer_timeout_ms", cfg.Discovery.PeerTimeoutMS)
	v.SetDefault("discovery.max_peers", cfg.Discovery.MaxPeers)
	v.SetDefault("discovery.score_threshold", cfg.Discovery.ScoreThreshold)
	v.SetDefault("discovery.weights.strength", cfg.Discovery.Weights.Strength)
	v.SetDefault("discovery.weights.degree", cfg.Discovery.Weights.Degree)
	v.SetDefault("discovery.weights.diversity", cfg.Discovery.Weights.Diversity)
	v.SetDefault("discovery.weights.stability", cfg.Discovery.Weights.Stability)

	v.SetDefault("dedup.ttl_ms", cfg.Dedup.TTLMS)
	v.SetDefault("dedup.capacity", cfg.Dedup.Capacity)

	v.SetDefault("delivery.retry_interval_ms", cfg.Delivery.RetryIntervalMS)
	v.SetDefault("delivery.max_retries", cfg.Delivery.MaxRetries)
	v.SetDefault("delivery.dispatch_interval_ms", cfg.Delivery.DispatchIntervalMS)
	v.SetDefault("delivery.dispatch_batch", cfg.Delivery.DispatchBatch)
	v.SetDefault("delivery.egress_bytes_per_sec", cfg.Delivery.EgressBytesPerSec)

	v.SetDefault("processor.max_chunk_size", cfg.Processor.MaxChunkSize)
	v.SetDefault("processor.compression_threshold", cfg.Processor.CompressionThreshold)
	v.SetDefault("processor.assembly_timeout_ms", cfg.Processor.AssemblyTimeoutMS)
	v.SetDefault("processor.max_assemblers", cfg.Processor.MaxAssemblers)
	v.SetDefault("processor.cleanup_interval_ms", cfg.Processor.CleanupIntervalMS)

	v.SetDefault("health.tick_interval_ms", cfg.Health.TickIntervalMS)
	v.SetDefault("health.min_interval_ms", cfg.Health.MinIntervalMS)
	v.SetDefault("health.max_interval_ms", cfg.Health.MaxIntervalMS)
	v.SetDefault("health.peer_timeout_ms", cfg.Health.PeerTimeoutMS)
	v.SetDefault("health.rtt_window", cfg.Health.RTTWindow)
	v.SetDefault("health.latency_threshold_ms", cfg.Health.LatencyThresholdMS)
	v.SetDefault("health.loss_threshold", cfg.Health.LossThreshold)

	v.SetDefault("inbound.rate_per_sec", cfg.Inbound.RatePerSec)
	v.SetDefault("inbound.burst", cfg.Inbound.Burst)

	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("transports", cfg.Transports)

	v.SetDefault("net.dial_backoff_initial_ms", cfg.Net.DialBackoffInitialMS)
	v.SetDefault("net.dial_backoff_max_ms", cfg.Net.DialBackoffMaxMS)
	v.SetDefault("net.dial_backoff_jitter_ms", cfg.Net.DialBackoffJitterMS)
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Node.DeviceID = strings.TrimSpace(c.Node.DeviceID)
	c.Node.WireFormat = strings.ToLower(strings.TrimSpace(c.Node.WireFormat))
	switch c.Node.WireFormat {
	case "":
		c.Node.WireFormat = "json"
	case "json", "cbor", "proto":
	default:
		return fmt.Errorf("invalid node.wire_format: %q", c.Node.WireFormat)
	}

	if c.Topology.MinDegree < 0 || c.Topology.MaxDegree < 1 {
		return fmt.Errorf("invalid topology degree bounds [%d, %d]", c.Topology.MinDegree, c.Topology.MaxDegree)
	}
	if c.Topology.MinDegree > c.Topology.MaxDegree {
		return fmt.Errorf("topology.min_degree %d exceeds topology.max_degree %d", c.Topology.MinDegree, c.Topology.MaxDegree)
	}
	if c.Topology.MaxHops < 1 {
		return fmt.Errorf("invalid topology.max_hops: %d", c.Topology.MaxHops)
	}
	if c.Discovery.MaxPeers < 1 {
		return fmt.Errorf("invalid discovery.max_peers: %d", c.Discovery.MaxPeers)
	}
	if c.Processor.MaxChunkSize < 1 {
		return fmt.Errorf("invalid processor.max_chunk_size: %d", c.Processor.MaxChunkSize)
	}
	if c.Health.MinIntervalMS > c.Health.MaxIntervalMS {
		return fmt.Errorf("health.min_interval_ms %d exceeds health.max_interval_ms %d", c.Health.MinIntervalMS, c.Health.MaxIntervalMS)
	}
	for i := range c.Transports {
		k := strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		switch k {
		case "quic", "tcp", "mem", "inproc":
		default:
			return fmt.Errorf("invalid transports[%d].kind: %q", i, c.Transports[i].Kind)
		}
		c.Transports[i].Kind = k
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
