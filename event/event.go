// Package event defines the change-event model shared by the feed, pool and
// batching layers: the tagged insert/update/delete union, the batch envelope
// delivered to callbacks, and the priority tiers that drive debounce and
// batching behavior.
package event

import (
	"fmt"
	"time"
)

// Operation kinds for change events
type Op uint8

const (
	OpInsert Op = 0
	OpUpdate Op = 1
	OpDelete Op = 2

	// OpAny is only valid in subscription specs and matches every kind.
	OpAny Op = 250

	// OpUnknown marks a payload whose kind could not be recognized at the
	// feed boundary. Such events are still delivered (pass-through contract).
	OpUnknown Op = 255
)

// String returns the wire name of the operation.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParseOp parses a wire/config operation name.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	case "any", "*", "":
		return OpAny, nil
	default:
		return OpUnknown, fmt.Errorf("unknown operation kind: %q", s)
	}
}

// Event represents a single row-level change delivered by the backend feed.
// Before/After hold msgpack-encoded column values keyed by column name.
type Event struct {
	Table     string            `msgpack:"tbl"`
	Op        Op                `msgpack:"op"`
	Before    map[string][]byte `msgpack:"before,omitempty"`
	After     map[string][]byte `msgpack:"after,omitempty"`
	Seq       uint64            `msgpack:"seq"`
	Timestamp int64             `msgpack:"ts"` // unix ms
}

// Batch is the envelope delivered when more than one event was accumulated
// for a channel within its debounce window.
type Batch struct {
	Events []Event
	Count  int
}

// Notification is the tagged union delivered to subscriber callbacks: a
// single *Event when exactly one change was queued, or a *Batch for two or
// more. Callers must handle both shapes.
type Notification interface {
	notification()
}

func (*Event) notification() {}
func (*Batch) notification() {}

// Callback receives flushed notifications for a channel.
type Callback func(Notification)

// Priority tiers for subscriptions. The zero value is intentionally invalid
// so that an unset priority can be detected and defaulted.
type Priority uint8

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// String returns the config name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a config priority name. An empty string maps to
// medium, the default tier.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", s)
	}
}

// TierParams maps a priority tier to its debounce interval, batch-size
// threshold and per-tier connection budget.
type TierParams struct {
	Debounce time.Duration
	MaxBatch int
	MaxConns int
}

// DefaultTier returns the built-in tier table. Unrecognized priorities fall
// back to the medium tier.
func DefaultTier(p Priority) TierParams {
	switch p {
	case PriorityCritical:
		return TierParams{Debounce: 50 * time.Millisecond, MaxBatch: 3, MaxConns: 1}
	case PriorityHigh:
		return TierParams{Debounce: 200 * time.Millisecond, MaxBatch: 5, MaxConns: 2}
	case PriorityLow:
		return TierParams{Debounce: 5 * time.Second, MaxBatch: 20, MaxConns: 5}
	default:
		return TierParams{Debounce: time.Second, MaxBatch: 10, MaxConns: 3}
	}
}
