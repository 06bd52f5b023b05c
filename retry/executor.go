// Package retry wraps single remote operations with a timeout race and an
// exponential-backoff-with-jitter retry loop, consulting the shared circuit
// breaker before each attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/feedmux/breaker"
	"github.com/maxpert/feedmux/telemetry"
)

// ErrCircuitOpen is returned without attempting the operation when the
// breaker rejects it. Callers must treat this as "skipped due to open
// circuit", distinct from a confirmed failure.
var ErrCircuitOpen = errors.New("circuit open: operation skipped")

// Kind classifies operations for timeout selection and metrics.
type Kind string

const (
	KindGet   Kind = "get"
	KindSet   Kind = "set"
	KindDel   Kind = "del"
	KindPing  Kind = "ping"
	KindFetch Kind = "fetch" // Backend reads and batch operations
)

const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 400 * time.Millisecond
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 3 * time.Second
	DefaultGetTimeout   = 2 * time.Second
	DefaultFetchTimeout = 5 * time.Second
	DefaultPingTimeout  = time.Second
)

// Policy controls retry behavior and per-kind attempt timeouts.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	GetTimeout   time.Duration
	FetchTimeout time.Duration
	PingTimeout  time.Duration
}

// DefaultPolicy returns the documented default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
		GetTimeout:   DefaultGetTimeout,
		FetchTimeout: DefaultFetchTimeout,
		PingTimeout:  DefaultPingTimeout,
	}
}

func (p Policy) timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindFetch:
		return p.FetchTimeout
	case KindPing:
		return p.PingTimeout
	default:
		return p.GetTimeout
	}
}

// Operation is a single remote call. It must honor ctx cancellation; the
// executor additionally races it against the kind's timeout so a hung call
// cannot stall the retry loop.
type Operation func(ctx context.Context) (interface{}, error)

// Executor runs operations under the retry policy, gated by the shared
// circuit breaker.
type Executor struct {
	policy  Policy
	breaker *breaker.Breaker
}

// New creates an executor, filling unset policy fields with defaults.
func New(policy Policy, b *breaker.Breaker) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = DefaultMultiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultMaxDelay
	}
	if policy.GetTimeout <= 0 {
		policy.GetTimeout = DefaultGetTimeout
	}
	if policy.FetchTimeout <= 0 {
		policy.FetchTimeout = DefaultFetchTimeout
	}
	if policy.PingTimeout <= 0 {
		policy.PingTimeout = DefaultPingTimeout
	}

	return &Executor{policy: policy, breaker: b}
}

// Execute runs op with retries. It returns ErrCircuitOpen without attempting
// anything when the breaker rejects the operation; failures within attempts
// are swallowed and retried, and only exhaustion of all attempts surfaces an
// error (after recording one failure on the breaker).
func (e *Executor) Execute(ctx context.Context, kind Kind, op Operation) (interface{}, error) {
	start := time.Now()
	defer func() {
		telemetry.OperationDurationSeconds.With(string(kind)).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if !e.breaker.Allow() {
			telemetry.OperationsTotal.With(string(kind), "skipped").Inc()
			return nil, ErrCircuitOpen
		}

		result, err := e.attempt(ctx, kind, op)
		if err == nil {
			e.breaker.RecordSuccess()
			telemetry.OperationsTotal.With(string(kind), "success").Inc()
			return result, nil
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.backoffDelay(attempt)
		log.Warn().
			Err(err).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Operation failed, retrying")
		telemetry.OperationRetriesTotal.Inc()

		if err := sleepCtx(ctx, delay); err != nil {
			// Caller went away; not a backend failure
			return nil, err
		}
	}

	e.breaker.RecordFailure()
	telemetry.OperationsTotal.With(string(kind), "failed").Inc()
	return nil, fmt.Errorf("all %d attempts failed for %s: %w", e.policy.MaxAttempts, kind, lastErr)
}

// attempt races op against the kind's timeout. The operation runs in its own
// goroutine so a call that ignores ctx cannot stall the loop; its result is
// discarded if the timeout wins.
func (e *Executor) attempt(ctx context.Context, kind Kind, op Operation) (interface{}, error) {
	timeout := e.policy.timeoutFor(kind)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-attemptCtx.Done():
		return nil, fmt.Errorf("%s timed out after %s: %w", kind, timeout, attemptCtx.Err())
	}
}

// backoffDelay computes min(base * multiplier^(attempt-1), max) with ±25% jitter.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= e.policy.Multiplier
	}
	if max := float64(e.policy.MaxDelay); delay > max {
		delay = max
	}

	jitter := delay * 0.25
	delay = delay - jitter + rand.Float64()*2*jitter

	return time.Duration(delay)
}

// sleepCtx sleeps for d, returning early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
