// Package feedmux turns a per-row backend change feed into low-frequency,
// batched, priority-ordered callbacks and fronts a remote key-value cache
// with a circuit breaker, retries, and request deduplication. The facade in
// mux is the surface; this package wires it up from configuration for hosts
// that want the NATS-backed defaults.
package feedmux

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/cfg"
	"github.com/maxpert/feedmux/feed"
	"github.com/maxpert/feedmux/kv"
	"github.com/maxpert/feedmux/mux"
	"github.com/maxpert/feedmux/telemetry"
)

// System bundles the facade with the NATS resources it was built from, so
// the host can close them in order.
type System struct {
	Mux  *mux.Mux
	Feed *feed.NatsFeed
	KV   *kv.NatsKV
}

// Bootstrap loads configuration from configPath, sets up logging and
// telemetry, connects the NATS feed and KV bucket, and returns a ready
// facade. Hosts with their own feed or cache client should build mux.Options
// directly instead.
func Bootstrap(configPath string) (*System, error) {
	if err := cfg.Load(configPath); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging()

	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	natsFeed, err := feed.NewNatsFeed(cfg.Config.Nats.URL, cfg.Config.Nats.SubjectPrefix)
	if err != nil {
		return nil, err
	}

	bucketTTL := time.Duration(cfg.Config.Dedupe.DefaultTTLSeconds) * time.Second
	natsKV, err := kv.NewNatsKV(cfg.Config.Nats.URL, cfg.Config.Nats.KVBucket, bucketTTL)
	if err != nil {
		natsFeed.Close()
		return nil, err
	}

	m, err := mux.NewFromConfig(cfg.Config, natsFeed, natsKV)
	if err != nil {
		natsKV.Close()
		natsFeed.Close()
		return nil, err
	}

	log.Info().
		Str("nats_url", cfg.Config.Nats.URL).
		Str("subject_prefix", cfg.Config.Nats.SubjectPrefix).
		Str("kv_bucket", cfg.Config.Nats.KVBucket).
		Msg("feedmux ready")

	return &System{Mux: m, Feed: natsFeed, KV: natsKV}, nil
}

// Close shuts the facade down, then the NATS resources it owns.
func (s *System) Close() {
	s.Mux.Close()
	if s.KV != nil {
		s.KV.Close()
	}
	if s.Feed != nil {
		s.Feed.Close()
	}
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
