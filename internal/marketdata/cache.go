package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
)

// Latest-value cache keyspace (§6): ticker:<venue>:<symbol>, book:<venue>:<symbol>.

func tickerKey(venueName, symbol string) string {
	return fmt.Sprintf("ticker:%s:%s", venueName, symbol)
}

func bookKey(venueName, symbol string) string {
	return fmt.Sprintf("book:%s:%s", venueName, symbol)
}

// SetLatestTicker writes the freshest ticker snapshot to the cache (§4.10,
// default TTL 5s).
func SetLatestTicker(ctx context.Context, redis *database.RedisClient, t *venue.Ticker, ttl time.Duration) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling ticker for cache: %w", err)
	}
	return redis.SetLatestValue(ctx, tickerKey(t.Venue, t.Symbol), payload, ttl)
}

// GetLatestTicker reads the freshest cached ticker, if any.
func GetLatestTicker(ctx context.Context, redis *database.RedisClient, venueName, symbol string) (*venue.Ticker, bool, error) {
	raw, ok, err := redis.GetLatestValue(ctx, tickerKey(venueName, symbol))
	if err != nil || !ok {
		return nil, ok, err
	}
	var t venue.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false, fmt.Errorf("unmarshaling cached ticker: %w", err)
	}
	return &t, true, nil
}

// SetLatestBook writes the freshest order book snapshot to the cache (§4.10,
// default TTL 1s).
func SetLatestBook(ctx context.Context, redis *database.RedisClient, b *venue.OrderBook, ttl time.Duration) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshaling book for cache: %w", err)
	}
	return redis.SetLatestValue(ctx, bookKey(b.Venue, b.Symbol), payload, ttl)
}

// GetLatestBook reads the freshest cached order book, if any.
func GetLatestBook(ctx context.Context, redis *database.RedisClient, venueName, symbol string) (*venue.OrderBook, bool, error) {
	raw, ok, err := redis.GetLatestValue(ctx, bookKey(venueName, symbol))
	if err != nil || !ok {
		return nil, ok, err
	}
	var b venue.OrderBook
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, fmt.Errorf("unmarshaling cached book: %w", err)
	}
	return &b, true, nil
}
