package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/batch"
	"github.com/maxpert/feedmux/event"
	"github.com/maxpert/feedmux/feed"
	"github.com/maxpert/feedmux/telemetry"
)

// observer is one subscriber channel attached to a shared connection. The
// removed flag is checked immediately before delivery so a detached observer
// never sees a notification that flushes after its cleanup returned.
type observer struct {
	channel string
	deliver event.Callback
	removed atomic.Bool
}

// conn is one live feed subscription shared by all channels with the same
// (table, filter) identity. Events funnel through a single per-connection
// debouncer; flushed notifications fan out to every attached observer.
type conn struct {
	key  string
	spec SubscriptionSpec

	sub feed.Subscription
	deb *batch.Debouncer

	mu        sync.Mutex
	observers []*observer
	refs      int

	lastActivity atomic.Int64 // unix nano
	messageCount atomic.Uint64
	errorCount   atomic.Uint64
}

func newConn(key string, spec SubscriptionSpec, tier event.TierParams) *conn {
	c := &conn{key: key, spec: spec}
	c.deb = batch.NewDebouncer(tier, c.fanOut)
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// onEvent is the feed handler for this connection.
func (c *conn) onEvent(ev event.Event) {
	c.touch()
	c.messageCount.Add(1)
	c.deb.Add(ev)
}

// onError is the feed error hook. No reconnect happens here; observers learn
// about persistent trouble through their own error hooks upstream.
func (c *conn) onError(err error) {
	c.errorCount.Add(1)
	telemetry.SubscriptionErrorsTotal.Inc()
	log.Warn().
		Err(err).
		Str("table", c.spec.Table).
		Str("filter", c.spec.Filter).
		Msg("Feed subscription error")
}

func (c *conn) attach(o *observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
	c.refs++
}

// detach removes o and reports the remaining refcount.
func (c *conn) detach(o *observer) int {
	o.removed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.observers {
		if cur == o {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			c.refs--
			break
		}
	}
	return c.refs
}

func (c *conn) refCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// fanOut delivers a flushed notification to every attached observer. Each
// observer is isolated: a panic in one callback is recovered and counted
// without affecting the rest.
func (c *conn) fanOut(n event.Notification) {
	c.mu.Lock()
	observers := make([]*observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		if o.removed.Load() {
			continue
		}
		c.invoke(o, n)
	}
}

func (c *conn) invoke(o *observer, n event.Notification) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.CallbackPanicsTotal.Inc()
			log.Error().
				Interface("panic", r).
				Str("channel", o.channel).
				Str("table", c.spec.Table).
				Msg("Observer callback panicked")
		}
	}()
	o.deliver(n)
}

// teardown stops event flow and flushes pending state. The subscription is
// cancelled before the debouncer stops so no new events race the final
// flush.
func (c *conn) teardown() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("table", c.spec.Table).Msg("Failed to unsubscribe feed")
		}
	}
	c.deb.Stop()
}
