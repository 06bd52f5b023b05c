package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NatsKV implements Client on a JetStream KeyValue bucket.
//
// JetStream KV retention is bucket-wide, so the per-call ttl on Set is not
// enforced here; callers get freshness from the dedupe layer's entry TTLs
// while the bucket TTL bounds overall retention.
type NatsKV struct {
	nc     *nats.Conn
	bucket jetstream.KeyValue
}

// NewNatsKV connects to NATS and ensures the bucket exists. bucketTTL
// bounds how long any entry survives; zero keeps entries until overwritten.
func NewNatsKV(url, bucketName string, bucketTTL time.Duration) (*NatsKV, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucketName,
		TTL:    bucketTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure KV bucket %s: %w", bucketName, err)
	}

	log.Debug().Str("bucket", bucketName).Msg("KV bucket ready")
	return &NatsKV{nc: nc, bucket: bucket}, nil
}

// Get returns the value for key, reporting a missing key as a cache miss.
func (n *NatsKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.bucket.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Set stores value under key. The per-call ttl is deliberately unused here;
// see the type doc for the bucket-level retention semantics.
func (n *NatsKV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := n.bucket.Put(ctx, sanitizeKey(key), value); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Del removes key. Deleting a missing key is not an error.
func (n *NatsKV) Del(ctx context.Context, key string) error {
	err := n.bucket.Delete(ctx, sanitizeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// Ping verifies the server is reachable via a round trip.
func (n *NatsKV) Ping(ctx context.Context) error {
	if _, err := n.nc.RTT(); err != nil {
		return fmt.Errorf("kv ping: %w", err)
	}
	return nil
}

// Close releases the connection.
func (n *NatsKV) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeKey maps dedupe-style keys (resource:hash) onto the KV key
// alphabet, which reserves ':'.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
