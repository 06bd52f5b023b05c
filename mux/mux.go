// Package mux is the facade upstream callers touch: Subscribe for batched
// change notifications and ReadThroughCache for deduplicated, breaker-gated
// reads. Everything else in the module is wiring behind these two calls.
package mux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/breaker"
	"github.com/maxpert/feedmux/cfg"
	"github.com/maxpert/feedmux/dedupe"
	"github.com/maxpert/feedmux/encoding"
	"github.com/maxpert/feedmux/event"
	"github.com/maxpert/feedmux/feed"
	"github.com/maxpert/feedmux/kv"
	"github.com/maxpert/feedmux/pool"
	"github.com/maxpert/feedmux/retry"
	"github.com/maxpert/feedmux/telemetry"
)

const collectInterval = 10 * time.Second

// Options configures a Mux. Feed is required; KV is optional, without it
// ReadThroughCache goes straight to the fetch function. A nil Breaker gets a
// fresh instance with the given (or default) config.
type Options struct {
	Feed feed.Feed
	KV   kv.Client

	Breaker       *breaker.Breaker
	BreakerConfig breaker.Config
	Retry         retry.Policy
	Dedupe        dedupe.Config
	Pool          pool.Config
}

// Mux owns the pool and dedupe lifecycles. The injected feed and kv client
// belong to the caller and are not closed here.
type Mux struct {
	pool      *pool.Pool
	deduper   *dedupe.Deduper
	exec      *retry.Executor
	kvc       kv.Client
	collector *telemetry.MetricsCollector
}

// New creates a Mux from options.
func New(opts Options) (*Mux, error) {
	if opts.Feed == nil {
		return nil, fmt.Errorf("mux requires a feed")
	}

	b := opts.Breaker
	if b == nil {
		b = breaker.New(opts.BreakerConfig)
	}

	deduper, err := dedupe.New(opts.Dedupe)
	if err != nil {
		return nil, err
	}

	m := &Mux{
		pool:    pool.New(opts.Feed, opts.Pool),
		deduper: deduper,
		exec:    retry.New(opts.Retry, b),
		kvc:     opts.KV,
	}

	m.collector = telemetry.NewMetricsCollector(m.pool, b, collectInterval)
	m.collector.Start()

	return m, nil
}

// NewFromConfig builds a Mux from the loaded configuration.
func NewFromConfig(c *cfg.Configuration, source feed.Feed, kvc kv.Client) (*Mux, error) {
	return New(Options{
		Feed: source,
		KV:   kvc,
		BreakerConfig: breaker.Config{
			FailureThreshold: c.Breaker.FailureThreshold,
			SuccessThreshold: c.Breaker.SuccessThreshold,
			TimeoutWindow:    time.Duration(c.Breaker.TimeoutWindowSeconds) * time.Second,
		},
		Retry: retry.Policy{
			MaxAttempts:  c.Retry.MaxAttempts,
			BaseDelay:    time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
			Multiplier:   c.Retry.Multiplier,
			MaxDelay:     time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
			GetTimeout:   time.Duration(c.Retry.GetTimeoutMS) * time.Millisecond,
			FetchTimeout: time.Duration(c.Retry.FetchTimeoutMS) * time.Millisecond,
			PingTimeout:  time.Duration(c.Retry.PingTimeoutMS) * time.Millisecond,
		},
		Dedupe: dedupe.Config{
			CacheSize:      c.Dedupe.CacheSize,
			DefaultTTL:     time.Duration(c.Dedupe.DefaultTTLSeconds) * time.Second,
			PendingTimeout: time.Duration(c.Dedupe.PendingTimeoutSeconds) * time.Second,
			SweepInterval:  time.Duration(c.Dedupe.SweepIntervalSeconds) * time.Second,
		},
		Pool: pool.Config{
			MaxConnections: c.Pool.MaxConnections,
			IdleTimeout:    time.Duration(c.Pool.IdleTimeoutSeconds) * time.Second,
			SweepInterval:  time.Duration(c.Pool.SweepIntervalSeconds) * time.Second,
			WaitListSize:   c.Pool.WaitListSize,
			TierFor:        c.Tiers.TierFor,
		},
	})
}

// Subscribe attaches callback to the pooled subscription for spec and
// returns the unsubscribe function. An unset Priority defaults to medium.
// Note the zero Op value means inserts; use event.OpAny to observe every
// change kind.
func (m *Mux) Subscribe(channelName string, spec pool.SubscriptionSpec, callback event.Callback) (func(), error) {
	if channelName == "" {
		return nil, fmt.Errorf("channel name is required")
	}
	if spec.Table == "" {
		return nil, fmt.Errorf("subscription table is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback is required")
	}
	if spec.Priority == 0 {
		spec.Priority = event.PriorityMedium
	}

	return m.pool.Acquire(channelName, spec, callback)
}

// ReadThroughCache returns the value for key, deduplicating concurrent
// requests and layering the short-TTL memory cache over the remote kv cache
// over the fetch function. Values round-trip through msgpack when served
// from the remote cache, so composite values come back in loose decoded
// form (maps and slices of interface{}).
//
// When the circuit is open and no cached value exists the read degrades to
// (nil, nil): absence of data, not an error, mirroring cache semantics.
func (m *Mux) ReadThroughCache(ctx context.Context, key string, fetch retry.Operation, ttl time.Duration) (interface{}, error) {
	value, err := m.deduper.Do(key, func() (interface{}, error) {
		return m.readThrough(ctx, key, fetch, ttl)
	}, dedupe.Options{TTL: ttl})

	if errors.Is(err, retry.ErrCircuitOpen) {
		log.Warn().Str("key", key).Msg("Read degraded, circuit open and no cached value")
		return nil, nil
	}
	return value, err
}

// readThrough is the dedupe factory: remote cache get, then fetch, then
// best-effort remote cache set.
func (m *Mux) readThrough(ctx context.Context, key string, fetch retry.Operation, ttl time.Duration) (interface{}, error) {
	if m.kvc != nil {
		cached, err := m.exec.Execute(ctx, retry.KindGet, func(ctx context.Context) (interface{}, error) {
			value, found, err := m.kvc.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, nil
			}
			return value, nil
		})

		switch {
		case err == nil && cached != nil:
			var decoded interface{}
			if derr := encoding.Unmarshal(cached.([]byte), &decoded); derr == nil {
				return decoded, nil
			}
			log.Warn().Str("key", key).Msg("Undecodable remote cache value, refetching")
		case err != nil && !errors.Is(err, retry.ErrCircuitOpen):
			log.Warn().Err(err).Str("key", key).Msg("Remote cache get failed, falling back to fetch")
		}
		// Miss, decode failure or circuit open: fall through to the fetch,
		// which shares the breaker and surfaces ErrCircuitOpen itself.
	}

	value, err := m.exec.Execute(ctx, retry.KindFetch, fetch)
	if err != nil {
		return nil, err
	}

	if m.kvc != nil {
		m.storeBestEffort(ctx, key, value, ttl)
	}

	return value, nil
}

// storeBestEffort writes a fetched value to the remote cache. Failures are
// logged and swallowed; the caller already has the value.
func (m *Mux) storeBestEffort(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := encoding.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode value for remote cache")
		return
	}

	if _, err := m.exec.Execute(ctx, retry.KindSet, func(ctx context.Context) (interface{}, error) {
		return nil, m.kvc.Set(ctx, key, data, ttl)
	}); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Best-effort remote cache set failed")
	}
}

// Invalidate drops key from the memory cache and, when a kv client is
// configured, from the remote cache.
func (m *Mux) Invalidate(ctx context.Context, key string) error {
	m.deduper.Invalidate(key)
	if m.kvc == nil {
		return nil
	}

	_, err := m.exec.Execute(ctx, retry.KindDel, func(ctx context.Context) (interface{}, error) {
		return nil, m.kvc.Del(ctx, key)
	})
	return err
}

// Ping verifies the remote cache through the breaker-gated executor.
func (m *Mux) Ping(ctx context.Context) error {
	if m.kvc == nil {
		return fmt.Errorf("no kv client configured")
	}

	_, err := m.exec.Execute(ctx, retry.KindPing, func(ctx context.Context) (interface{}, error) {
		return nil, m.kvc.Ping(ctx)
	})
	return err
}

// Close stops the pool, deduper and metrics collector. The injected feed and
// kv client remain open.
func (m *Mux) Close() {
	m.collector.Stop()
	m.pool.Close()
	m.deduper.Close()
}
