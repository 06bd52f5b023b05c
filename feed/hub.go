package feed

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/feedmux/event"
)

// hubSub is one live subscription on a Hub. The removed flag is checked
// right before each handler invocation so a subscription cancelled between
// snapshot and delivery never fires.
type hubSub struct {
	id      uint64
	spec    Spec
	filter  *RowFilter
	handler Handler
	errHook ErrorHook
	removed atomic.Bool
}

// Hub is an in-process Feed. Publish delivers synchronously on the caller's
// goroutine to every matching subscriber, which keeps per-table ordering
// trivially intact. Embedders feed it from their own change source; tests
// feed it directly.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*hubSub
	nextID atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*hubSub),
	}
}

// Subscribe registers a handler for events matching spec.
func (h *Hub) Subscribe(spec Spec, handler Handler, errHook ErrorHook) (Subscription, error) {
	filter, err := ParseRowFilter(spec.Filter)
	if err != nil {
		return nil, err
	}

	sub := &hubSub{
		id:      h.nextID.Add(1),
		spec:    spec,
		filter:  filter,
		handler: handler,
		errHook: errHook,
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return &hubSubscription{hub: h, id: sub.id}, nil
}

// Publish delivers ev to every subscriber whose table, op selector and row
// filter match. Matching subscribers are snapshotted first and handlers run
// with no hub lock held, so a handler may call Unsubscribe (directly or via
// its pool cleanup) without deadlocking the publisher.
func (h *Hub) Publish(ev event.Event) {
	h.mu.RLock()
	matched := make([]*hubSub, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.spec.Table != ev.Table {
			continue
		}
		if !matchesOp(sub.spec.Op, ev.Op) {
			continue
		}
		if !sub.filter.Match(ev) {
			continue
		}
		matched = append(matched, sub)
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		if sub.removed.Load() {
			continue
		}
		sub.handler(ev)
	}
}

// PublishError invokes the error hook of every subscriber on table. An empty
// table reaches all subscribers. Hooks run outside the hub lock, like
// Publish handlers.
func (h *Hub) PublishError(table string, err error) {
	h.mu.RLock()
	matched := make([]*hubSub, 0, len(h.subs))
	for _, sub := range h.subs {
		if table != "" && sub.spec.Table != table {
			continue
		}
		if sub.errHook != nil {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		if sub.removed.Load() {
			continue
		}
		sub.errHook(err)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	if sub, ok := h.subs[id]; ok {
		sub.removed.Store(true)
		delete(h.subs, id)
	}
	h.mu.Unlock()
}

type hubSubscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

// Unsubscribe removes the subscription. Idempotent.
func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
	})
	return nil
}
