// Package breaker implements the circuit breaker protecting the remote
// cache/backend endpoint. One Breaker instance exists per endpoint for the
// lifetime of the process; every retry executor invocation consults the same
// instance, so state is never copied or cached across calls.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/telemetry"
)

// State of the breaker.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the metric/log name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "invalid"
	}
}

const (
	// DefaultFailureThreshold is the number of recorded failures that trips
	// the breaker from CLOSED to OPEN.
	DefaultFailureThreshold = 5
	// DefaultSuccessThreshold is the number of trial successes in HALF_OPEN
	// required to close the breaker again.
	DefaultSuccessThreshold = 2
	// DefaultTimeoutWindow is how long the breaker stays OPEN before
	// admitting a trial request.
	DefaultTimeoutWindow = 30 * time.Second
)

// Config controls breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	TimeoutWindow    time.Duration
}

// Breaker tracks consecutive failures and successes for one endpoint and
// flips between CLOSED, OPEN and HALF_OPEN to admit or reject operations.
type Breaker struct {
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a breaker, filling unset config fields with defaults.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultSuccessThreshold
	}
	if config.TimeoutWindow <= 0 {
		config.TimeoutWindow = DefaultTimeoutWindow
	}

	return &Breaker{config: config}
}

// Allow reports whether an operation may be attempted. While OPEN, the first
// call after the timeout window elapses moves the breaker to HALF_OPEN and
// admits a trial request.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) > b.config.TimeoutWindow {
			b.transitionLocked(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess registers a successful operation. In HALF_OPEN, reaching the
// success threshold closes the breaker and zeroes both counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	if b.state == StateHalfOpen && b.successes >= b.config.SuccessThreshold {
		b.transitionLocked(StateClosed)
		b.failures = 0
		b.successes = 0
	}
}

// RecordFailure registers a failed operation. Any failure in HALF_OPEN
// reopens the breaker immediately; in CLOSED, reaching the failure threshold
// opens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateValue implements telemetry.BreakerStatsProvider.
func (b *Breaker) StateValue() float64 {
	return float64(b.State())
}

// transitionLocked moves the breaker to a new state. Caller holds b.mu.
func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}

	log.Info().
		Str("from", b.state.String()).
		Str("to", next.String()).
		Int("failures", b.failures).
		Msg("Circuit breaker state change")

	telemetry.BreakerTransitionsTotal.With(b.state.String(), next.String()).Inc()
	b.state = next
	telemetry.BreakerState.Set(float64(next))
}
