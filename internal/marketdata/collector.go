package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// Collector runs one bounded batch per (venue, channel) it is told to
// consume, flushing to the time-series store, publishing to pub/sub, and
// refreshing the latest-value cache (§4.10). It holds no subscription state
// of its own: the caller supplies the already-Subscribe'd channel from a
// venue.Adapter.
type Collector struct {
	venueName string
	redis     *database.RedisClient
	db        *database.DB
	logger    *observability.Logger
	cfg       Config

	mu    sync.Mutex
	stats Stats
}

func New(venueName string, redis *database.RedisClient, db *database.DB, logger *observability.Logger, cfg Config) *Collector {
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = DefaultConfig().SoftCap
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.TickerCacheTTL <= 0 {
		cfg.TickerCacheTTL = DefaultConfig().TickerCacheTTL
	}
	if cfg.BookCacheTTL <= 0 {
		cfg.BookCacheTTL = DefaultConfig().BookCacheTTL
	}
	return &Collector{venueName: venueName, redis: redis, db: db, logger: logger, cfg: cfg}
}

// Stats returns a snapshot of the collector's counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collector) hardCap() int {
	return c.cfg.SoftCap * 2
}

// appendBounded appends to buf, dropping the oldest entry once hardCap is
// reached rather than growing without bound (§4.10 backpressure). Returns
// the updated buffer and whether an entry was dropped.
func appendBounded[T any](buf []T, item T, hardCap int) ([]T, bool) {
	dropped := false
	if len(buf) >= hardCap {
		buf = buf[1:]
		dropped = true
	}
	return append(buf, item), dropped
}

func (c *Collector) recordReceived() {
	c.mu.Lock()
	c.stats.Received++
	c.mu.Unlock()
}

func (c *Collector) recordDropped() {
	c.mu.Lock()
	c.stats.Dropped++
	c.mu.Unlock()
}

func (c *Collector) recordFlushed(n int64) {
	c.mu.Lock()
	c.stats.Flushed += n
	c.mu.Unlock()
}

func (c *Collector) recordError() {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
}

// RunTickers consumes a ticker subscription: every tick is cached and
// published immediately, and batched for the periodic time-series flush.
func (c *Collector) RunTickers(ctx context.Context, symbol string, ch <-chan *venue.Ticker) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []venue.Ticker
	flush := func() {
		if len(buf) == 0 {
			return
		}
		rows := make([]database.TickerRow, len(buf))
		for i, t := range buf {
			rows[i] = database.TickerRow{
				Venue: t.Venue, Symbol: t.Symbol, Timestamp: t.Timestamp,
				Last: t.Last.String(), Bid: t.Bid.String(), Ask: t.Ask.String(),
				High24h: t.High24h.String(), Low24h: t.Low24h.String(),
				BaseVolume24h: t.BaseVol.String(), QuoteVolume24h: t.QuoteVol.String(),
				Change24h: t.Change24h.String(), ChangePct24h: t.ChangePct.String(),
			}
		}
		if err := c.db.EnsureDayPartition(ctx, "tickers", buf[0].Timestamp); err != nil {
			c.logger.Error(ctx, "ensuring ticker partition", err, nil)
			c.recordError()
		} else if err := c.db.InsertTickerBatch(ctx, rows); err != nil {
			c.logger.Error(ctx, "flushing ticker batch", err, map[string]interface{}{"venue": c.venueName, "symbol": symbol})
			c.recordError()
		} else {
			c.recordFlushed(int64(len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case t, ok := <-ch:
			if !ok {
				flush()
				return
			}
			c.recordReceived()
			if payload, err := json.Marshal(t); err == nil {
				_ = c.redis.Publish(ctx, database.TopicTickers, payload)
			}
			if err := SetLatestTicker(ctx, c.redis, t, c.cfg.TickerCacheTTL); err != nil {
				c.logger.Warn(ctx, "caching latest ticker", map[string]interface{}{"error": err.Error()})
			}
			var dropped bool
			buf, dropped = appendBounded(buf, *t, c.hardCap())
			if dropped {
				c.recordDropped()
			}
			if len(buf) >= c.cfg.SoftCap {
				flush()
			}
		}
	}
}

// RunOrderBooks consumes an order-book subscription, caching/publishing every
// update. Order books are not batched or written to the time-series store.
func (c *Collector) RunOrderBooks(ctx context.Context, symbol string, ch <-chan *venue.OrderBook) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			c.recordReceived()
			if payload, err := json.Marshal(b); err == nil {
				_ = c.redis.Publish(ctx, database.TopicBooks, payload)
			}
			if err := SetLatestBook(ctx, c.redis, b, c.cfg.BookCacheTTL); err != nil {
				c.logger.Warn(ctx, "caching latest book", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// RunTrades consumes a trade-print subscription, batching for the
// time-series store with drop-oldest backpressure.
func (c *Collector) RunTrades(ctx context.Context, symbol string, ch <-chan *venue.Trade) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []venue.Trade
	flush := func() {
		if len(buf) == 0 {
			return
		}
		rows := make([]database.TradeRow, len(buf))
		for i, t := range buf {
			rows[i] = database.TradeRow{
				Venue: t.Venue, Symbol: t.Symbol, TradeID: t.TradeID, Timestamp: t.Timestamp,
				Price: t.Price.String(), Quantity: t.Quantity.String(), Side: string(t.Side),
				IsBuyerMaker: t.IsBuyerMaker,
			}
		}
		if err := c.db.EnsureDayPartition(ctx, "trades", buf[0].Timestamp); err != nil {
			c.logger.Error(ctx, "ensuring trade partition", err, nil)
			c.recordError()
		} else if err := c.db.InsertTradeBatch(ctx, rows); err != nil {
			c.logger.Error(ctx, "flushing trade batch", err, map[string]interface{}{"venue": c.venueName, "symbol": symbol})
			c.recordError()
		} else {
			c.recordFlushed(int64(len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case t, ok := <-ch:
			if !ok {
				flush()
				return
			}
			c.recordReceived()
			if payload, err := json.Marshal(t); err == nil {
				_ = c.redis.Publish(ctx, database.TopicTrades, payload)
			}
			var dropped bool
			buf, dropped = appendBounded(buf, *t, c.hardCap())
			if dropped {
				c.recordDropped()
			}
			if len(buf) >= c.cfg.SoftCap {
				flush()
			}
		}
	}
}

// RunCandles consumes a candle subscription, upserting each bar as it forms
// (a still-open bar is flushed repeatedly and replaced on conflict, §4.10).
func (c *Collector) RunCandles(ctx context.Context, symbol, interval string, ch <-chan *venue.Candle) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	var buf []venue.Candle
	flush := func() {
		if len(buf) == 0 {
			return
		}
		rows := make([]database.CandleRow, len(buf))
		for i, cd := range buf {
			rows[i] = database.CandleRow{
				Venue: cd.Venue, Symbol: cd.Symbol, Interval: cd.Interval, Timestamp: cd.Timestamp,
				Open: cd.Open.String(), High: cd.High.String(), Low: cd.Low.String(), Close: cd.Close.String(),
				Volume: cd.Volume.String(), QuoteVolume: cd.QuoteVolume.String(), TradesCount: int(cd.TradesCount),
			}
		}
		if err := c.db.EnsureDayPartition(ctx, "candles", buf[0].Timestamp); err != nil {
			c.logger.Error(ctx, "ensuring candle partition", err, nil)
			c.recordError()
		} else if err := c.db.InsertCandleBatch(ctx, rows); err != nil {
			c.logger.Error(ctx, "flushing candle batch", err, map[string]interface{}{"venue": c.venueName, "symbol": symbol, "interval": interval})
			c.recordError()
		} else {
			c.recordFlushed(int64(len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case cd, ok := <-ch:
			if !ok {
				flush()
				return
			}
			c.recordReceived()
			if payload, err := json.Marshal(cd); err == nil {
				_ = c.redis.Publish(ctx, database.TopicCandles, payload)
			}
			var dropped bool
			buf, dropped = appendBounded(buf, *cd, c.hardCap())
			if dropped {
				c.recordDropped()
			}
			if len(buf) >= c.cfg.SoftCap {
				flush()
			}
		}
	}
}
