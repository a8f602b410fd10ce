package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// market data fan-out topics (§6): every parsed collector record is published
// here independently of its time-series batch write and its latest-value
// cache entry.
const (
	TopicTickers = "marketdata:tickers"
	TopicBooks   = "marketdata:books"
	TopicTrades  = "marketdata:trades"
	TopicCandles = "marketdata:candles"
)

// Publish fans a serialized record out to a topic. Best-effort: a publish
// with no subscribers is a no-op, never an error.
func (r *RedisClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.Client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a subscription whose channel yields raw message payloads
// for a topic. Callers are responsible for closing the returned subscription.
func (r *RedisClient) Subscribe(ctx context.Context, topic string) *redis.PubSub {
	return r.Client.Subscribe(ctx, topic)
}

// SetLatestValue writes the freshest-value cache entry for a (venue, symbol)
// market-data key with the staleness TTL configured per data type (§4.10).
func (r *RedisClient) SetLatestValue(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return r.SetWithExpiry(ctx, key, payload, ttl)
}

// GetLatestValue reads a freshest-value cache entry. A missing or expired
// entry is a normal cache miss (ok=false), not an error: a market-data reader
// falling back to "no recent tick" is expected behavior, not a failure.
func (r *RedisClient) GetLatestValue(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting latest value %s: %w", key, err)
	}
	return val, true, nil
}
