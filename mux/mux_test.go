package mux

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/feedmux/breaker"
	"github.com/maxpert/feedmux/dedupe"
	"github.com/maxpert/feedmux/event"
	"github.com/maxpert/feedmux/feed"
	"github.com/maxpert/feedmux/kv"
	"github.com/maxpert/feedmux/pool"
	"github.com/maxpert/feedmux/retry"
)

func fastOptions(hub *feed.Hub, kvc kv.Client) Options {
	return Options{
		Feed: hub,
		KV:   kvc,
		Retry: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			GetTimeout:  100 * time.Millisecond,
		},
		Pool: pool.Config{
			TierFor: func(event.Priority) event.TierParams {
				return event.TierParams{Debounce: 10 * time.Millisecond, MaxBatch: 100}
			},
		},
	}
}

func newTestMux(t *testing.T, opts Options) *Mux {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNew_RequiresFeed(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSubscribe_Validation(t *testing.T) {
	m := newTestMux(t, fastOptions(feed.NewHub(), nil))

	_, err := m.Subscribe("", pool.SubscriptionSpec{Table: "users"}, func(event.Notification) {})
	require.Error(t, err)

	_, err = m.Subscribe("chan", pool.SubscriptionSpec{}, func(event.Notification) {})
	require.Error(t, err)

	_, err = m.Subscribe("chan", pool.SubscriptionSpec{Table: "users"}, nil)
	require.Error(t, err)
}

func TestSubscribe_EndToEnd(t *testing.T) {
	hub := feed.NewHub()
	m := newTestMux(t, fastOptions(hub, nil))

	var got atomic.Int32
	unsubscribe, err := m.Subscribe("orders-watch",
		pool.SubscriptionSpec{Table: "orders", Op: event.OpAny},
		func(n event.Notification) { got.Add(1) })
	require.NoError(t, err)

	hub.Publish(event.Event{Table: "orders", Op: event.OpInsert, Seq: 1})
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	hub.Publish(event.Event{Table: "orders", Op: event.OpInsert, Seq: 2})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestReadThroughCache_FetchThenMemoryCache(t *testing.T) {
	store := kv.NewMock()
	m := newTestMux(t, fastOptions(feed.NewHub(), store))
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (interface{}, error) {
		fetches.Add(1)
		return "fresh", nil
	}

	value, err := m.ReadThroughCache(ctx, "users:1", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, store.SetCalls, "fetched value lands in the remote cache")

	// Second read is served by the memory cache: no fetch, no kv traffic
	value, err = m.ReadThroughCache(ctx, "users:1", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, store.GetCalls)
}

func TestReadThroughCache_ServedFromRemoteCache(t *testing.T) {
	store := kv.NewMock()
	ctx := context.Background()

	first := newTestMux(t, fastOptions(feed.NewHub(), store))
	_, err := first.ReadThroughCache(ctx, "users:2", func(ctx context.Context) (interface{}, error) {
		return "remote-value", nil
	}, time.Minute)
	require.NoError(t, err)

	// A fresh instance has a cold memory cache but hits the shared remote kv
	second := newTestMux(t, fastOptions(feed.NewHub(), store))
	var fetches atomic.Int32
	value, err := second.ReadThroughCache(ctx, "users:2", func(ctx context.Context) (interface{}, error) {
		fetches.Add(1)
		return "should-not-run", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "remote-value", value)
	assert.Equal(t, int32(0), fetches.Load())
}

func TestReadThroughCache_KVFailureFallsBackToFetch(t *testing.T) {
	store := kv.NewMock()
	store.GetErr = fmt.Errorf("kv down")
	m := newTestMux(t, fastOptions(feed.NewHub(), store))

	value, err := m.ReadThroughCache(context.Background(), "users:3",
		func(ctx context.Context) (interface{}, error) {
			return "from-backend", nil
		}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "from-backend", value)
}

func TestReadThroughCache_WithoutKVClient(t *testing.T) {
	m := newTestMux(t, fastOptions(feed.NewHub(), nil))

	value, err := m.ReadThroughCache(context.Background(), "k",
		func(ctx context.Context) (interface{}, error) {
			return 7, nil
		}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

func TestReadThroughCache_FetchErrorPropagates(t *testing.T) {
	m := newTestMux(t, fastOptions(feed.NewHub(), nil))

	_, err := m.ReadThroughCache(context.Background(), "bad",
		func(ctx context.Context) (interface{}, error) {
			return nil, fmt.Errorf("backend down")
		}, time.Minute)
	require.Error(t, err)
}

func TestReadThroughCache_DegradesWhenCircuitOpen(t *testing.T) {
	opts := fastOptions(feed.NewHub(), nil)
	opts.Breaker = breaker.New(breaker.Config{FailureThreshold: 1, TimeoutWindow: time.Hour})
	opts.Retry.MaxAttempts = 1
	m := newTestMux(t, opts)
	ctx := context.Background()

	failing := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("backend down")
	}

	_, err := m.ReadThroughCache(ctx, "deg:1", failing, time.Minute)
	require.Error(t, err, "first failure surfaces and trips the breaker")

	var fetches atomic.Int32
	value, err := m.ReadThroughCache(ctx, "deg:2", func(ctx context.Context) (interface{}, error) {
		fetches.Add(1)
		return "never", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, value, "open circuit degrades to absence of data")
	assert.Equal(t, int32(0), fetches.Load())
}

func TestReadThroughCache_DeduplicatesConcurrentFetches(t *testing.T) {
	m := newTestMux(t, fastOptions(feed.NewHub(), kv.NewMock()))
	ctx := context.Background()

	var fetches atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (interface{}, error) {
		fetches.Add(1)
		<-release
		return "shared", nil
	}

	results := make(chan interface{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			value, err := m.ReadThroughCache(ctx, "dup", fetch, time.Minute)
			if err != nil {
				results <- err
				return
			}
			results <- value
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 10; i++ {
		assert.Equal(t, "shared", <-results)
	}
	assert.Equal(t, int32(1), fetches.Load())
}

func TestInvalidate(t *testing.T) {
	store := kv.NewMock()
	m := newTestMux(t, fastOptions(feed.NewHub(), store))
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(ctx context.Context) (interface{}, error) {
		return fetches.Add(1), nil
	}

	_, err := m.ReadThroughCache(ctx, "inv", fetch, time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, "inv"))
	assert.Equal(t, 1, store.DelCalls)

	value, err := m.ReadThroughCache(ctx, "inv", fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), value)
}

func TestPing(t *testing.T) {
	store := kv.NewMock()
	m := newTestMux(t, fastOptions(feed.NewHub(), store))

	require.NoError(t, m.Ping(context.Background()))
	assert.Equal(t, 1, store.PingCalls)

	noKV := newTestMux(t, fastOptions(feed.NewHub(), nil))
	require.Error(t, noKV.Ping(context.Background()))
}

func TestDedupeKeyHelperRoundTrip(t *testing.T) {
	store := kv.NewMock()
	m := newTestMux(t, fastOptions(feed.NewHub(), store))
	ctx := context.Background()

	key := dedupe.Key("users", map[string]string{"id": "7"})
	_, err := m.ReadThroughCache(ctx, key, func(ctx context.Context) (interface{}, error) {
		return "user-7", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.SetCalls)
}
