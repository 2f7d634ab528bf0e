package config

import "time"

// TopologyConfig bounds the local node degree and the routing horizon.
type TopologyConfig struct {
	MaxHops              int `mapstructure:"max_hops"`
	MinDegree            int `mapstructure:"min_degree"`
	MaxDegree            int `mapstructure:"max_degree"`
	ReorganizeCooldownMS int `mapstructure:"reorganize_cooldown_ms"`
}

func DefaultTopology() TopologyConfig {
	return TopologyConfig{MaxHops: 5, MinDegree: 2, MaxDegree: 5, ReorganizeCooldownMS: 10_000}
}

func (c TopologyConfig) ReorganizeCooldown() time.Duration { return ms(c.ReorganizeCooldownMS) }

// ScoreWeights weigh the four connection-candidate factors.
type ScoreWeights struct {
	Strength  float64 `mapstructure:"strength"`
	Degree    float64 `mapstructure:"degree"`
	Diversity float64 `mapstructure:"diversity"`
	Stability float64 `mapstructure:"stability"`
}

type DiscoveryConfig struct {
	AnnounceIntervalMS int          `mapstructure:"announce_interval_ms"`
	PeerTimeoutMS      int          `mapstructure:"peer_timeout_ms"`
	MaxPeers           int          `mapstructure:"max_peers"`
	ScoreThreshold     float64      `mapstructure:"score_threshold"`
	Weights            ScoreWeights `mapstructure:"weights"`
}

func DefaultDiscovery() DiscoveryConfig {
	return DiscoveryConfig{
		AnnounceIntervalMS: 10_000,
		PeerTimeoutMS:      30_000,
		MaxPeers:           10,
		ScoreThreshold:     0.7,
		Weights:            ScoreWeights{Strength: 0.3, Degree: 0.2, Diversity: 0.3, Stability: 0.2},
	}
}

func (c DiscoveryConfig) AnnounceInterval() time.Duration { return ms(c.AnnounceIntervalMS) }
func (c DiscoveryConfig) PeerTimeout() time.Duration      { return ms(c.PeerTimeoutMS) }

type DedupConfig struct {
	TTLMS    int `mapstructure:"ttl_ms"`
	Capacity int `mapstructure:"capacity"`
}

func DefaultDedup() DedupConfig { return DedupConfig{TTLMS: 30_000, Capacity: 1000} }

func (c DedupConfig) TTL() time.Duration { return ms(c.TTLMS) }

type DeliveryConfig struct {
	RetryIntervalMS    int `mapstructure:"retry_interval_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	DispatchIntervalMS int `mapstructure:"dispatch_interval_ms"`
	// DispatchBatch caps how many messages one dispatch tick sends.
	DispatchBatch int `mapstructure:"dispatch_batch"`
	// EgressBytesPerSec shapes sends per destination; 0 disables shaping.
	EgressBytesPerSec int64 `mapstructure:"egress_bytes_per_sec"`
}

func DefaultDelivery() DeliveryConfig {
	return DeliveryConfig{RetryIntervalMS: 1000, MaxRetries: 3, DispatchIntervalMS: 50, DispatchBatch: 1, EgressBytesPerSec: 1_000_000}
}

func (c DeliveryConfig) RetryInterval() time.Duration    { return ms(c.RetryIntervalMS) }
func (c DeliveryConfig) DispatchInterval() time.Duration { return ms(c.DispatchIntervalMS) }

type ProcessorConfig struct {
	MaxChunkSize         int `mapstructure:"max_chunk_size"`
	CompressionThreshold int `mapstructure:"compression_threshold"`
	AssemblyTimeoutMS    int `mapstructure:"assembly_timeout_ms"`
	MaxAssemblers        int `mapstructure:"max_assemblers"`
	CleanupIntervalMS    int `mapstructure:"cleanup_interval_ms"`
}

func DefaultProcessor() ProcessorConfig {
	return ProcessorConfig{MaxChunkSize: 16_000, CompressionThreshold: 1000, AssemblyTimeoutMS: 30_000, MaxAssemblers: 256, CleanupIntervalMS: 5000}
}

func (c ProcessorConfig) AssemblyTimeout() time.Duration { return ms(c.AssemblyTimeoutMS) }
func (c ProcessorConfig) CleanupInterval() time.Duration { return ms(c.CleanupIntervalMS) }

type HealthConfig struct {
	TickIntervalMS     int     `mapstructure:"tick_interval_ms"`
	MinIntervalMS      int     `mapstructure:"min_interval_ms"`
	MaxIntervalMS      int     `mapstructure:"max_interval_ms"`
	PeerTimeoutMS      int     `mapstructure:"peer_timeout_ms"`
	RTTWindow          int     `mapstructure:"rtt_window"`
	LatencyThresholdMS int     `mapstructure:"latency_threshold_ms"`
	LossThreshold      float64 `mapstructure:"loss_threshold"`
}

func DefaultHealth() HealthConfig {
	return HealthConfig{
		TickIntervalMS:     1000,
		MinIntervalMS:      5000,
		MaxIntervalMS:      30_000,
		PeerTimeoutMS:      45_000,
		RTTWindow:          10,
		LatencyThresholdMS: 500,
		LossThreshold:      0.2,
	}
}

func (c HealthConfig) TickInterval() time.Duration     { return ms(c.TickIntervalMS) }
func (c HealthConfig) MinInterval() time.Duration      { return ms(c.MinIntervalMS) }
func (c HealthConfig) MaxInterval() time.Duration      { return ms(c.MaxIntervalMS) }
func (c HealthConfig) PeerTimeout() time.Duration      { return ms(c.PeerTimeoutMS) }
func (c HealthConfig) LatencyThreshold() time.Duration { return ms(c.LatencyThresholdMS) }

// InboundConfig limits inbound frames per peer.
type InboundConfig struct {
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	Burst      int     `mapstructure:"burst"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
