// Package pool multiplexes subscriber channels onto a bounded set of live
// feed subscriptions. Channels whose specs share a (table, filter) identity
// ride one connection; the global ceiling caps live subscriptions and a
// background sweep reclaims idle ones.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/event"
	"github.com/maxpert/feedmux/feed"
	"github.com/maxpert/feedmux/telemetry"
)

const (
	DefaultMaxConnections = 10
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultWaitListSize   = 32
)

// SubscriptionSpec describes what a channel wants to observe. Specs are
// value types; the pool shares connections between specs with equal table
// and filter regardless of priority.
type SubscriptionSpec struct {
	Table    string
	Filter   string
	Op       event.Op
	Priority event.Priority
}

// poolKey is the connection-sharing identity.
func (s SubscriptionSpec) poolKey() string {
	return s.Table + "|" + s.Filter
}

// Config controls pool limits and sweep cadence. TierFor resolves the batch
// tier for a priority; nil uses the built-in table.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	WaitListSize   int
	TierFor        func(event.Priority) event.TierParams
}

// waiter is a queued acquire that arrived while the pool was at the ceiling.
type waiter struct {
	channel string
	spec    SubscriptionSpec
	deliver event.Callback
}

// Pool is safe for concurrent use.
type Pool struct {
	config Config
	source feed.Feed

	mu      sync.Mutex
	conns   map[string]*conn
	waiters []waiter
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool over the given feed, filling unset config fields with
// defaults, and starts the idle sweep.
func New(source feed.Feed, config Config) *Pool {
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.WaitListSize < 0 {
		config.WaitListSize = 0
	}
	if config.TierFor == nil {
		config.TierFor = event.DefaultTier
	}

	p := &Pool{
		config: config,
		source: source,
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

// Acquire attaches a channel to the connection for spec, opening one when no
// matching connection exists. The returned cleanup detaches the channel and
// tears the connection down when it was the last user.
//
// At the ceiling the request is queued on a bounded wait list and a no-op
// cleanup is returned: delivery starts if capacity frees up, and such
// connections are reclaimed by the idle sweep rather than by the caller.
func (p *Pool) Acquire(channelName string, spec SubscriptionSpec, deliver event.Callback) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool is closed")
	}

	key := spec.poolKey()
	if c, ok := p.conns[key]; ok {
		telemetry.ConnectionsReusedTotal.Inc()
		return p.attachLocked(c, channelName, deliver), nil
	}

	if len(p.conns) >= p.config.MaxConnections {
		telemetry.PoolExhaustedTotal.Inc()
		if len(p.waiters) < p.config.WaitListSize {
			p.waiters = append(p.waiters, waiter{channel: channelName, spec: spec, deliver: deliver})
			log.Warn().
				Str("channel", channelName).
				Str("table", spec.Table).
				Int("wait_list", len(p.waiters)).
				Msg("Connection ceiling reached, request queued")
		} else {
			log.Warn().
				Str("channel", channelName).
				Str("table", spec.Table).
				Msg("Connection ceiling reached and wait list full, request dropped")
		}
		return func() {}, nil
	}

	c, err := p.openLocked(key, spec)
	if err != nil {
		return nil, err
	}
	return p.attachLocked(c, channelName, deliver), nil
}

// openLocked opens a new connection. Caller holds p.mu and has verified
// capacity.
func (p *Pool) openLocked(key string, spec SubscriptionSpec) (*conn, error) {
	c := newConn(key, spec, p.config.TierFor(spec.Priority))

	sub, err := p.source.Subscribe(feed.Spec{
		Table:  spec.Table,
		Filter: spec.Filter,
		Op:     spec.Op,
	}, c.onEvent, c.onError)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed subscription for %s: %w", spec.Table, err)
	}
	c.sub = sub

	p.conns[key] = c
	telemetry.ConnectionsOpenedTotal.Inc()
	log.Debug().
		Str("table", spec.Table).
		Str("filter", spec.Filter).
		Int("live", len(p.conns)).
		Msg("Feed connection opened")

	return c, nil
}

// attachLocked registers an observer and builds its cleanup. Caller holds
// p.mu.
func (p *Pool) attachLocked(c *conn, channelName string, deliver event.Callback) func() {
	o := &observer{channel: channelName, deliver: deliver}
	c.attach(o)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.release(c, o)
		})
	}
}

// release detaches an observer, tearing the connection down when it was the
// last one. The sweep may have torn the connection down already; detaching
// is still safe and the map check keeps teardown single-shot.
//
// The refcount is re-read under p.mu before teardown: between detach
// reporting zero and this lock, a concurrent Acquire (which attaches while
// holding p.mu) may have found the connection in the map and joined it, and
// tearing it down then would leave that subscriber on a dead subscription.
func (p *Pool) release(c *conn, o *observer) {
	remaining := c.detach(o)
	if remaining > 0 {
		return
	}

	p.mu.Lock()
	cur, ok := p.conns[c.key]
	if !ok || cur != c {
		p.mu.Unlock()
		return
	}
	if c.refCount() > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.key)
	p.drainWaitersLocked()
	p.mu.Unlock()

	c.teardown()
}

// drainWaitersLocked admits queued acquires while capacity is available.
// Caller holds p.mu.
func (p *Pool) drainWaitersLocked() {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		key := w.spec.poolKey()

		if c, ok := p.conns[key]; ok {
			p.waiters = p.waiters[1:]
			telemetry.ConnectionsReusedTotal.Inc()
			c.attach(&observer{channel: w.channel, deliver: w.deliver})
			log.Info().Str("channel", w.channel).Msg("Queued request attached to existing connection")
			continue
		}

		if len(p.conns) >= p.config.MaxConnections {
			return
		}

		p.waiters = p.waiters[1:]
		c, err := p.openLocked(key, w.spec)
		if err != nil {
			log.Warn().Err(err).Str("channel", w.channel).Msg("Failed to open connection for queued request")
			continue
		}
		c.attach(&observer{channel: w.channel, deliver: w.deliver})
		log.Info().Str("channel", w.channel).Msg("Queued request admitted")
	}
}

// ConnectionCount implements telemetry.PoolStatsProvider.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// WaiterCount implements telemetry.PoolStatsProvider.
func (p *Pool) WaiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Close tears down every connection and stops the sweep. Queued waiters are
// dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, c := range conns {
		c.teardown()
	}
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// sweep tears down connections with no activity beyond the idle timeout,
// then admits any queued waiters into the freed capacity.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var idle []*conn
	for key, c := range p.conns {
		if c.idleFor(now) > p.config.IdleTimeout {
			delete(p.conns, key)
			idle = append(idle, c)
		}
	}
	if len(idle) > 0 {
		p.drainWaitersLocked()
	}
	p.mu.Unlock()

	for _, c := range idle {
		c.teardown()
		telemetry.IdleEvictionsTotal.Inc()
		log.Info().
			Str("table", c.spec.Table).
			Int("observers", c.refCount()).
			Uint64("messages", c.messageCount.Load()).
			Msg("Idle connection evicted")
	}
}
