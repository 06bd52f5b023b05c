// Package batch accumulates change events per channel and flushes them as a
// single notification once the channel goes quiet or the batch-size threshold
// is reached. Flush cadence comes from the channel's priority tier.
package batch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/event"
	"github.com/maxpert/feedmux/telemetry"
)

// Debouncer batches events for one channel. Every Add resets the debounce
// timer, so a steady stream of events keeps extending the window until the
// batch-size threshold forces a flush.
//
// At most one goroutine flushes at a time: whoever sets the flushing flag
// drains batch after batch until no flush is owed, and every other trigger
// just records its intent. This keeps flushed batches in event arrival
// order within the channel even when the size threshold trips while a
// timer flush is mid-delivery.
type Debouncer struct {
	tier    event.TierParams
	deliver event.Callback

	mu         sync.Mutex
	queue      []event.Event
	timer      *time.Timer
	gen        uint64
	stopped    bool
	flushing   bool
	timerFired bool
}

// NewDebouncer creates a debouncer for one channel. Zero-valued tier fields
// fall back to the medium tier.
func NewDebouncer(tier event.TierParams, deliver event.Callback) *Debouncer {
	defaults := event.DefaultTier(event.PriorityMedium)
	if tier.Debounce <= 0 {
		tier.Debounce = defaults.Debounce
	}
	if tier.MaxBatch <= 0 {
		tier.MaxBatch = defaults.MaxBatch
	}

	return &Debouncer{
		tier:    tier,
		deliver: deliver,
	}
}

// Add queues an event. Reaching the tier's batch-size threshold flushes
// synchronously on the caller's goroutine unless another flush is already
// in progress (the active flusher drains the queue instead); otherwise the
// debounce timer is re-armed.
func (d *Debouncer) Add(ev event.Event) {
	telemetry.EventsReceivedTotal.With(ev.Op.String()).Inc()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	d.queue = append(d.queue, ev)
	if len(d.queue) < d.tier.MaxBatch {
		d.armLocked()
		d.mu.Unlock()
		return
	}

	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	d.runFlush()
}

// Pending returns the number of queued events.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Stop flushes any queued events and rejects further Adds. Safe to call more
// than once. When a flush is in progress on another goroutine, that flusher
// drains the remainder instead of Stop delivering concurrently.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	d.runFlush()
}

// armLocked restarts the debounce timer. The generation counter invalidates
// a timer that already fired but has not acquired the lock yet, so a reset
// cannot be preempted by a stale flush. Caller holds d.mu.
func (d *Debouncer) armLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.tier.Debounce, func() {
		d.flushTimer(gen)
	})
}

func (d *Debouncer) flushTimer(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	d.timerFired = true
	if d.flushing {
		// The active flusher picks the owed debounce flush up in order
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	d.runFlush()
}

// runFlush drains owed batches one at a time until none remain. Caller has
// set d.flushing; only the goroutine holding that flag takes and delivers
// batches, so delivery order matches take order matches arrival order.
func (d *Debouncer) runFlush() {
	for {
		d.mu.Lock()
		var batch []event.Event
		var reason string
		switch {
		case len(d.queue) >= d.tier.MaxBatch:
			batch, reason = d.takeLocked(), "size"
		case d.timerFired && len(d.queue) > 0:
			batch, reason = d.takeLocked(), "debounce"
		case d.stopped && len(d.queue) > 0:
			batch, reason = d.takeLocked(), "stop"
		default:
			d.flushing = false
			d.timerFired = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		d.flush(batch, reason)
	}
}

// takeLocked detaches the queue and disarms the timer. Caller holds d.mu.
func (d *Debouncer) takeLocked() []event.Event {
	batch := d.queue
	d.queue = nil
	d.gen++
	d.timerFired = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return batch
}

// flush delivers the batch outside the lock, so callbacks may call Add
// without deadlocking. A single event is delivered unwrapped; two or more
// arrive as a Batch envelope.
func (d *Debouncer) flush(events []event.Event, reason string) {
	telemetry.BatchFlushesTotal.With(reason).Inc()
	telemetry.BatchSizeEvents.Observe(float64(len(events)))

	var n event.Notification
	if len(events) == 1 {
		n = &events[0]
	} else {
		n = &event.Batch{Events: events, Count: len(events)}
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.CallbackPanicsTotal.Inc()
			log.Error().
				Interface("panic", r).
				Int("batch_size", len(events)).
				Str("reason", reason).
				Msg("Subscriber callback panicked")
		}
	}()

	d.deliver(n)
}
