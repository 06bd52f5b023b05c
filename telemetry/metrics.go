package telemetry

// Histogram bucket definitions for different profiles
var (
	// OperationBuckets for remote cache/backend operations through the
	// retry executor (network round trips plus backoff)
	OperationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for flushed batch sizes (bounded by tier max batch)
	BatchSizeBuckets = []float64{1, 2, 3, 5, 8, 10, 15, 20}
)

// Feed / Batching Metrics
var (
	// EventsReceivedTotal counts raw change events routed to a channel, by operation
	EventsReceivedTotal CounterVec = noopCounterVec{}

	// BatchFlushesTotal counts batch flushes by trigger (size, timer)
	BatchFlushesTotal CounterVec = noopCounterVec{}

	// BatchSizeEvents measures events per flushed batch
	BatchSizeEvents Histogram = NoopStat{}

	// CallbackPanicsTotal counts recovered subscriber callback panics
	CallbackPanicsTotal Counter = NoopStat{}
)

// Pool / Multiplexer Metrics
var (
	// ConnectionsActive tracks live pooled subscriptions
	ConnectionsActive Gauge = NoopStat{}

	// ConnectionsOpenedTotal counts underlying subscriptions opened
	ConnectionsOpenedTotal Counter = NoopStat{}

	// ConnectionsReusedTotal counts acquires served by an existing connection
	ConnectionsReusedTotal Counter = NoopStat{}

	// IdleEvictionsTotal counts connections torn down by the idle sweep
	IdleEvictionsTotal Counter = NoopStat{}

	// PoolExhaustedTotal counts acquires rejected at the connection ceiling
	PoolExhaustedTotal Counter = NoopStat{}

	// PoolWaiters tracks acquires queued behind the ceiling
	PoolWaiters Gauge = NoopStat{}

	// SubscriptionErrorsTotal counts errors reported by underlying subscriptions
	SubscriptionErrorsTotal Counter = NoopStat{}
)

// Breaker / Retry Metrics
var (
	// BreakerState tracks the breaker state (0=closed, 1=open, 2=half_open)
	BreakerState Gauge = NoopStat{}

	// BreakerTransitionsTotal counts state transitions (from -> to)
	BreakerTransitionsTotal CounterVec = noopCounterVec{}

	// OperationsTotal counts executor operations by kind and result
	// (success, failed, skipped)
	OperationsTotal CounterVec = noopCounterVec{}

	// OperationRetriesTotal counts individual retry attempts after a failure
	OperationRetriesTotal Counter = NoopStat{}

	// OperationDurationSeconds measures operation latency by kind
	OperationDurationSeconds HistogramVec = noopHistogramVec{}
)

// Dedupe Metrics
var (
	// DedupeRequestsTotal counts dedupe lookups by outcome (cache, leader, follower)
	DedupeRequestsTotal CounterVec = noopCounterVec{}

	// DedupePendingTimeoutsTotal counts force-evicted stuck in-flight requests
	DedupePendingTimeoutsTotal Counter = NoopStat{}

	// DedupeSweptTotal counts expired cache entries removed by the sweep
	DedupeSweptTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Feed / Batching Metrics
	EventsReceivedTotal = NewCounterVec(
		"events_received_total",
		"Raw change events routed to a channel by operation",
		[]string{"op"},
	)
	BatchFlushesTotal = NewCounterVec(
		"batch_flushes_total",
		"Batch flushes by trigger",
		[]string{"reason"},
	)
	BatchSizeEvents = NewHistogramWithBuckets(
		"batch_size_events",
		"Events per flushed batch",
		BatchSizeBuckets,
	)
	CallbackPanicsTotal = NewCounter(
		"callback_panics_total",
		"Recovered subscriber callback panics",
	)

	// Pool / Multiplexer Metrics
	ConnectionsActive = NewGauge(
		"connections_active",
		"Live pooled subscriptions",
	)
	ConnectionsOpenedTotal = NewCounter(
		"connections_opened_total",
		"Underlying subscriptions opened",
	)
	ConnectionsReusedTotal = NewCounter(
		"connections_reused_total",
		"Acquires served by an existing pooled connection",
	)
	IdleEvictionsTotal = NewCounter(
		"idle_evictions_total",
		"Connections torn down by the idle sweep",
	)
	PoolExhaustedTotal = NewCounter(
		"pool_exhausted_total",
		"Acquires rejected at the connection ceiling",
	)
	PoolWaiters = NewGauge(
		"pool_waiters",
		"Acquires queued behind the connection ceiling",
	)
	SubscriptionErrorsTotal = NewCounter(
		"subscription_errors_total",
		"Errors reported by underlying subscriptions",
	)

	// Breaker / Retry Metrics
	BreakerState = NewGauge(
		"breaker_state",
		"Circuit breaker state (0=closed, 1=open, 2=half_open)",
	)
	BreakerTransitionsTotal = NewCounterVec(
		"breaker_transitions_total",
		"Circuit breaker state transitions",
		[]string{"from", "to"},
	)
	OperationsTotal = NewCounterVec(
		"operations_total",
		"Executor operations by kind and result",
		[]string{"kind", "result"},
	)
	OperationRetriesTotal = NewCounter(
		"operation_retries_total",
		"Retry attempts after a failed operation attempt",
	)
	OperationDurationSeconds = NewHistogramVec(
		"operation_duration_seconds",
		"Operation duration in seconds by kind",
		[]string{"kind"},
		OperationBuckets,
	)

	// Dedupe Metrics
	DedupeRequestsTotal = NewCounterVec(
		"dedupe_requests_total",
		"Dedupe lookups by outcome",
		[]string{"source"},
	)
	DedupePendingTimeoutsTotal = NewCounter(
		"dedupe_pending_timeouts_total",
		"Force-evicted stuck in-flight requests",
	)
	DedupeSweptTotal = NewCounter(
		"dedupe_swept_total",
		"Expired cache entries removed by the periodic sweep",
	)
}
