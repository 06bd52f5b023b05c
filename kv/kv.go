// Package kv defines the remote cache client consumed by the read-through
// facade, with a NATS JetStream KeyValue implementation and an in-memory
// mock for tests. All calls go through the retry executor; implementations
// only need to be honest about misses vs errors.
package kv

import (
	"context"
	"time"
)

// Client is the remote key-value cache. Get distinguishes a miss (nil,
// false, nil) from a transport error; Set's ttl is advisory where the
// backend only supports bucket-level retention.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
