package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/event"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// PoolConfiguration controls the subscription pool / multiplexer
type PoolConfiguration struct {
	MaxConnections       int `toml:"max_connections"`        // Global live-subscription ceiling
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`   // Idle connections beyond this are evicted
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"` // How often the idle sweep runs
	WaitListSize         int `toml:"wait_list_size"`         // Queued acquires while at the ceiling
}

// BreakerConfiguration controls the remote-cache circuit breaker
type BreakerConfiguration struct {
	FailureThreshold     int `toml:"failure_threshold"`
	SuccessThreshold     int `toml:"success_threshold"`
	TimeoutWindowSeconds int `toml:"timeout_window_seconds"`
}

// RetryConfiguration controls the retry executor
type RetryConfiguration struct {
	MaxAttempts    int     `toml:"max_attempts"`
	BaseDelayMS    int     `toml:"base_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	GetTimeoutMS   int     `toml:"get_timeout_ms"`   // Simple get/set/del operations
	FetchTimeoutMS int     `toml:"fetch_timeout_ms"` // Backend fetch and batch operations
	PingTimeoutMS  int     `toml:"ping_timeout_ms"`
}

// DedupeConfiguration controls request deduplication and the short-TTL cache
type DedupeConfiguration struct {
	CacheSize             int `toml:"cache_size"`
	DefaultTTLSeconds     int `toml:"default_ttl_seconds"`
	PendingTimeoutSeconds int `toml:"pending_timeout_seconds"` // Force-evicts a stuck in-flight request
	SweepIntervalSeconds  int `toml:"sweep_interval_seconds"`
}

// TierConfiguration overrides one priority tier
type TierConfiguration struct {
	DebounceMS     int `toml:"debounce_ms"`
	MaxBatch       int `toml:"max_batch"`
	MaxConnections int `toml:"max_connections"`
}

// TiersConfiguration overrides the built-in priority tier table.
// Zero-valued fields keep the built-in value for that tier.
type TiersConfiguration struct {
	Critical TierConfiguration `toml:"critical"`
	High     TierConfiguration `toml:"high"`
	Medium   TierConfiguration `toml:"medium"`
	Low      TierConfiguration `toml:"low"`
}

// NatsConfiguration for the NATS-backed feed and KV cache client
type NatsConfiguration struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	KVBucket      string `toml:"kv_bucket"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`

	Pool       PoolConfiguration       `toml:"pool"`
	Breaker    BreakerConfiguration    `toml:"breaker"`
	Retry      RetryConfiguration      `toml:"retry"`
	Dedupe     DedupeConfiguration     `toml:"dedupe"`
	Tiers      TiersConfiguration      `toml:"tiers"`
	Nats       NatsConfiguration       `toml:"nats"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "feedmux.toml", "Path to configuration file")
	NatsURLFlag    = flag.String("nats-url", "", "NATS URL (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate

	Pool: PoolConfiguration{
		MaxConnections:       10,
		IdleTimeoutSeconds:   300, // 5 minutes
		SweepIntervalSeconds: 30,
		WaitListSize:         32,
	},

	Breaker: BreakerConfiguration{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		TimeoutWindowSeconds: 30,
	},

	Retry: RetryConfiguration{
		MaxAttempts:    3,
		BaseDelayMS:    400,
		Multiplier:     2.0,
		MaxDelayMS:     3000,
		GetTimeoutMS:   2000,
		FetchTimeoutMS: 5000,
		PingTimeoutMS:  1000,
	},

	Dedupe: DedupeConfiguration{
		CacheSize:             1024,
		DefaultTTLSeconds:     60,
		PendingTimeoutSeconds: 30,
		SweepIntervalSeconds:  60,
	},

	Nats: NatsConfiguration{
		URL:           "nats://127.0.0.1:4222",
		SubjectPrefix: "feedmux.cdc",
		KVBucket:      "feedmux_cache",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NatsURLFlag != "" {
		Config.Nats.URL = *NatsURLFlag
	}

	// Auto-generate instance ID if not set
	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

// generateInstanceID creates a unique instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("feedmux")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Pool.MaxConnections < 1 {
		return fmt.Errorf("pool max connections must be >= 1")
	}

	if Config.Pool.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("pool idle timeout must be >= 1 second")
	}

	if Config.Pool.SweepIntervalSeconds < 1 {
		return fmt.Errorf("pool sweep interval must be >= 1 second")
	}

	if Config.Pool.WaitListSize < 0 {
		return fmt.Errorf("pool wait list size must be >= 0")
	}

	if Config.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1")
	}

	if Config.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be >= 1")
	}

	if Config.Breaker.TimeoutWindowSeconds < 1 {
		return fmt.Errorf("breaker timeout window must be >= 1 second")
	}

	if Config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}

	if Config.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry base delay must be >= 1ms")
	}

	if Config.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	if Config.Retry.MaxDelayMS < Config.Retry.BaseDelayMS {
		return fmt.Errorf("retry max delay must be >= base delay")
	}

	if Config.Dedupe.CacheSize < 1 {
		return fmt.Errorf("dedupe cache size must be >= 1")
	}

	if Config.Dedupe.PendingTimeoutSeconds < 1 {
		return fmt.Errorf("dedupe pending timeout must be >= 1 second")
	}

	if Config.Dedupe.SweepIntervalSeconds < 1 {
		return fmt.Errorf("dedupe sweep interval must be >= 1 second")
	}

	return nil
}

// TierFor resolves the tier parameters for a priority, applying any
// configured overrides on top of the built-in table.
func (t TiersConfiguration) TierFor(p event.Priority) event.TierParams {
	params := event.DefaultTier(p)

	var override TierConfiguration
	switch p {
	case event.PriorityCritical:
		override = t.Critical
	case event.PriorityHigh:
		override = t.High
	case event.PriorityLow:
		override = t.Low
	default:
		override = t.Medium
	}

	if override.DebounceMS > 0 {
		params.Debounce = time.Duration(override.DebounceMS) * time.Millisecond
	}
	if override.MaxBatch > 0 {
		params.MaxBatch = override.MaxBatch
	}
	if override.MaxConnections > 0 {
		params.MaxConns = override.MaxConnections
	}

	return params
}
