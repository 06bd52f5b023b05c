// Package feed abstracts the downstream change feed. The pool consumes the
// Feed interface; Hub is an in-process implementation for embedding and
// tests, NatsFeed decodes msgpack change payloads off NATS subjects.
package feed

import (
	"github.com/maxpert/feedmux/event"
)

// Spec describes one feed subscription. Filter is a comma-separated list of
// col=pattern clauses (glob patterns, empty matches everything); Op narrows
// delivery to one change kind, OpAny matches all of them.
type Spec struct {
	Table  string
	Filter string
	Op     event.Op
}

// Handler receives each matching change event, one call per event, in
// arrival order.
type Handler func(ev event.Event)

// ErrorHook is invoked for subscription-level errors (undecodable payloads,
// transport failures). The feed never reconnects on its own.
type ErrorHook func(err error)

// Subscription is a live feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Feed delivers change events for a table to registered handlers.
type Feed interface {
	Subscribe(spec Spec, handler Handler, errHook ErrorHook) (Subscription, error)
}

// matchesOp reports whether an event kind passes the spec's op selector.
// OpUnknown events are delivered through OpAny, never filtered out silently.
func matchesOp(specOp, evOp event.Op) bool {
	return specOp == event.OpAny || specOp == evOp
}
