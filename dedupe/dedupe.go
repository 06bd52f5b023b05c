// Package dedupe collapses concurrent identical requests into a single
// in-flight call and serves repeated requests from a short-TTL LRU cache.
// The first caller for a key becomes the leader and runs the factory;
// concurrent callers for the same key block on the leader's future and share
// its result.
package dedupe

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/telemetry"
)

// ErrPendingTimeout is returned to all waiters when an in-flight request's
// factory fails to settle within the pending timeout. The stuck entry is
// evicted so the next request can start fresh.
var ErrPendingTimeout = errors.New("in-flight request timed out")

const (
	DefaultCacheSize      = 1024
	DefaultTTL            = time.Minute
	DefaultPendingTimeout = 30 * time.Second
	DefaultSweepInterval  = time.Minute
)

// Config controls cache capacity and timing.
type Config struct {
	CacheSize      int
	DefaultTTL     time.Duration
	PendingTimeout time.Duration
	SweepInterval  time.Duration
}

// Options apply to a single Do call.
type Options struct {
	// TTL overrides the deduper's default TTL for the cached result.
	TTL time.Duration
	// ForceRefresh skips the cache read. The call still deduplicates
	// against concurrent requests for the same key, and its result still
	// lands in the cache.
	ForceRefresh bool
}

// Factory produces the value for a key. It is invoked at most once per
// in-flight window regardless of how many callers ask for the key.
type Factory func() (interface{}, error)

type cacheEntry struct {
	value    interface{}
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

type inflight struct {
	promise *future.Promise[interface{}]
	settled atomic.Bool
	timer   *time.Timer
}

// settle resolves the in-flight request exactly once. Later calls lose the
// race and are dropped, which is how the pending-timeout eviction and a slow
// factory coexist.
func (f *inflight) settle(value interface{}, err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.promise.Set(value, err)
	return true
}

// Deduper is safe for concurrent use.
type Deduper struct {
	config  Config
	cache   *lru.Cache[string, cacheEntry]
	pending *xsync.MapOf[string, *inflight]

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a deduper, filling unset config fields with defaults, and
// starts its expired-entry sweep goroutine.
func New(config Config) (*Deduper, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = DefaultPendingTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	cache, err := lru.New[string, cacheEntry](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	d := &Deduper{
		config:  config,
		cache:   cache,
		pending: xsync.NewMapOf[string, *inflight](),
		stopCh:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.sweepLoop()

	return d, nil
}

// Do returns the value for key, from cache when fresh, otherwise from a
// single shared factory invocation. Factory errors propagate to every waiter
// and are never cached.
func (d *Deduper) Do(key string, factory Factory, opts Options) (interface{}, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = d.config.DefaultTTL
	}

	if !opts.ForceRefresh {
		if value, ok := d.lookup(key); ok {
			telemetry.DedupeRequestsTotal.With("cache").Inc()
			return value, nil
		}
	}

	f := &inflight{promise: future.NewPromise[interface{}]()}
	actual, loaded := d.pending.LoadOrStore(key, f)
	if loaded {
		telemetry.DedupeRequestsTotal.With("follower").Inc()
		return actual.promise.Future().Get()
	}

	telemetry.DedupeRequestsTotal.With("leader").Inc()

	f.timer = time.AfterFunc(d.config.PendingTimeout, func() {
		if f.settle(nil, ErrPendingTimeout) {
			d.pending.Delete(key)
			telemetry.DedupePendingTimeoutsTotal.Inc()
			log.Warn().
				Str("key", key).
				Dur("pending_timeout", d.config.PendingTimeout).
				Msg("Evicted stuck in-flight request")
		}
	})

	value, err := factory()

	if f.settle(value, err) {
		d.pending.Delete(key)
		if err == nil {
			d.cache.Add(key, cacheEntry{value: value, storedAt: time.Now(), ttl: ttl})
		}
		return value, err
	}

	// Timed out while the factory was running. Waiters already received
	// ErrPendingTimeout; report the same to the leader.
	return nil, ErrPendingTimeout
}

// Invalidate drops the cached value for key, if any.
func (d *Deduper) Invalidate(key string) {
	d.cache.Remove(key)
}

// Len returns the number of cached entries, including not-yet-swept expired
// ones.
func (d *Deduper) Len() int {
	return d.cache.Len()
}

// Close stops the sweep goroutine. In-flight requests settle normally.
func (d *Deduper) Close() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	close(d.stopCh)
	d.wg.Wait()
}

// lookup reads the cache, lazily evicting an expired entry.
func (d *Deduper) lookup(key string) (interface{}, bool) {
	entry, ok := d.cache.Get(key)
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		d.cache.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (d *Deduper) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopCh:
			return
		}
	}
}

// sweep removes expired entries so they do not occupy LRU slots between
// lookups.
func (d *Deduper) sweep() {
	now := time.Now()
	swept := 0

	for _, key := range d.cache.Keys() {
		if entry, ok := d.cache.Peek(key); ok && entry.expired(now) {
			d.cache.Remove(key)
			swept++
		}
	}

	if swept > 0 {
		telemetry.DedupeSweptTotal.Add(float64(swept))
		log.Debug().Int("count", swept).Msg("Swept expired cache entries")
	}
}

// Key builds a deterministic dedupe key from a resource name and its request
// parameters. Parameter order does not affect the key.
func Key(resource string, params map[string]string) string {
	if len(params) == 0 {
		return resource
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(params[name])
		sb.WriteByte(';')
	}

	return fmt.Sprintf("%s:%016x", resource, xxhash.Sum64String(sb.String()))
}
