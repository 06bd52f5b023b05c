package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/feedmux/event"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	if err := Validate(); err != nil {
		t.Errorf("Expected default config to validate, got: %v", err)
	}
}

func TestValidate_InvalidPoolCeiling(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	cfg.Pool.MaxConnections = 0
	Config = &cfg

	if err := Validate(); err == nil {
		t.Error("Expected error for zero pool ceiling")
	}
}

func TestValidate_InvalidBreakerThreshold(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	cfg.Breaker.FailureThreshold = 0
	Config = &cfg

	if err := Validate(); err == nil {
		t.Error("Expected error for zero failure threshold")
	}
}

func TestValidate_RetryDelayOrdering(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	cfg.Retry.BaseDelayMS = 5000
	cfg.Retry.MaxDelayMS = 1000
	Config = &cfg

	if err := Validate(); err == nil {
		t.Error("Expected error when max delay < base delay")
	}
}

func TestValidate_InvalidMultiplier(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	cfg.Retry.Multiplier = 0.5
	Config = &cfg

	if err := Validate(); err == nil {
		t.Error("Expected error for multiplier < 1")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	Config = &cfg

	dir := t.TempDir()
	path := filepath.Join(dir, "feedmux.toml")
	content := `
instance_id = 42

[pool]
max_connections = 7

[breaker]
failure_threshold = 3

[nats]
url = "nats://test:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.InstanceID != 42 {
		t.Errorf("instance_id = %d, want 42", Config.InstanceID)
	}
	if Config.Pool.MaxConnections != 7 {
		t.Errorf("pool.max_connections = %d, want 7", Config.Pool.MaxConnections)
	}
	if Config.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker.failure_threshold = %d, want 3", Config.Breaker.FailureThreshold)
	}
	if Config.Nats.URL != "nats://test:4222" {
		t.Errorf("nats.url = %q", Config.Nats.URL)
	}

	// Untouched sections keep defaults
	if Config.Dedupe.CacheSize != 1024 {
		t.Errorf("dedupe.cache_size = %d, want default 1024", Config.Dedupe.CacheSize)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	cfg := *original
	cfg.InstanceID = 1 // Skip machine-id generation
	Config = &cfg

	if err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml")); err != nil {
		t.Fatalf("Load with missing file should not fail: %v", err)
	}

	if Config.Pool.MaxConnections != 10 {
		t.Errorf("expected default pool ceiling 10, got %d", Config.Pool.MaxConnections)
	}
}

func TestTierFor_BuiltInTable(t *testing.T) {
	var tiers TiersConfiguration

	critical := tiers.TierFor(event.PriorityCritical)
	if critical.Debounce != 50*time.Millisecond || critical.MaxBatch != 3 {
		t.Errorf("unexpected critical tier: %+v", critical)
	}

	low := tiers.TierFor(event.PriorityLow)
	if low.Debounce != 5*time.Second || low.MaxBatch != 20 {
		t.Errorf("unexpected low tier: %+v", low)
	}
}

func TestTierFor_Overrides(t *testing.T) {
	tiers := TiersConfiguration{
		High: TierConfiguration{DebounceMS: 100, MaxBatch: 8},
	}

	high := tiers.TierFor(event.PriorityHigh)
	if high.Debounce != 100*time.Millisecond {
		t.Errorf("debounce override not applied: %v", high.Debounce)
	}
	if high.MaxBatch != 8 {
		t.Errorf("max batch override not applied: %d", high.MaxBatch)
	}
	// MaxConnections keeps the built-in value
	if high.MaxConns != 2 {
		t.Errorf("max conns should keep built-in value 2, got %d", high.MaxConns)
	}
}
