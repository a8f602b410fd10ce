package database

import (
	"context"
	"fmt"
	"time"
)

// Day-partitioned market-data mirror (§4.10, §6). The collector batches
// ticks/trades/candles in memory and flushes them here on interval-or-size;
// none of these tables back the hot-path cache, which lives in Redis
// (SetLatestValue/GetLatestValue) instead.

const marketDataSchema = `
CREATE TABLE IF NOT EXISTS tickers (
	venue              TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	day                DATE NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL,
	last               NUMERIC NOT NULL,
	bid                NUMERIC,
	ask                NUMERIC,
	high_24h           NUMERIC,
	low_24h            NUMERIC,
	base_volume_24h    NUMERIC,
	quote_volume_24h   NUMERIC,
	change_24h         NUMERIC,
	change_pct_24h     NUMERIC
) PARTITION BY RANGE (day);
CREATE INDEX IF NOT EXISTS idx_tickers_venue_symbol_ts ON tickers (venue, symbol, timestamp DESC);

CREATE TABLE IF NOT EXISTS trades (
	venue           TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	day             DATE NOT NULL,
	trade_id        TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	price           NUMERIC NOT NULL,
	quantity        NUMERIC NOT NULL,
	side            TEXT NOT NULL,
	is_buyer_maker  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (venue, symbol, day, trade_id)
) PARTITION BY RANGE (day);
CREATE INDEX IF NOT EXISTS idx_trades_venue_symbol_ts ON trades (venue, symbol, timestamp DESC);

CREATE TABLE IF NOT EXISTS candles (
	venue         TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	interval      TEXT NOT NULL,
	day           DATE NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	open          NUMERIC NOT NULL,
	high          NUMERIC NOT NULL,
	low           NUMERIC NOT NULL,
	close         NUMERIC NOT NULL,
	volume        NUMERIC NOT NULL,
	quote_volume  NUMERIC,
	trades_count  INTEGER,
	PRIMARY KEY (venue, symbol, interval, day, timestamp)
) PARTITION BY RANGE (day);
CREATE INDEX IF NOT EXISTS idx_candles_venue_symbol_interval_ts ON candles (venue, symbol, interval, timestamp DESC);
`

// EnsureMarketDataSchema creates the tickers/trades/candles parent tables if
// absent. Day partitions are created lazily by EnsureDayPartition as the
// collector rolls over midnight, rather than pre-declared up front.
func (db *DB) EnsureMarketDataSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, marketDataSchema); err != nil {
		return fmt.Errorf("ensuring market data schema: %w", err)
	}
	return nil
}

// EnsureDayPartition creates the day's partition for the named parent table
// (tickers, trades, or candles) if it doesn't already exist. Called by the
// collector once per (table, day) pair before the first flush that lands in
// it.
func (db *DB) EnsureDayPartition(ctx context.Context, table string, day time.Time) error {
	d := day.UTC().Truncate(24 * time.Hour)
	next := d.AddDate(0, 0, 1)
	partition := fmt.Sprintf("%s_%s", table, d.Format("20060102"))
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		partition, table, d.Format("2006-01-02"), next.Format("2006-01-02"),
	)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensuring %s partition for %s: %w", table, d.Format("2006-01-02"), err)
	}
	return nil
}

// TickerRow is the flat persisted shape of a venue.Ticker tick (§4.10).
type TickerRow struct {
	Venue          string
	Symbol         string
	Timestamp      time.Time
	Last           string
	Bid            string
	Ask            string
	High24h        string
	Low24h         string
	BaseVolume24h  string
	QuoteVolume24h string
	Change24h      string
	ChangePct24h   string
}

// InsertTickerBatch writes a batch of ticker ticks in a single round trip
// (§4.10 "bounded batch... flush to the time-series store").
func (db *DB) InsertTickerBatch(ctx context.Context, rows []TickerRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ticker batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tickers (venue, symbol, day, timestamp, last, bid, ask, high_24h, low_24h,
			base_volume_24h, quote_volume_24h, change_24h, change_pct_24h)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`)
	if err != nil {
		return fmt.Errorf("preparing ticker insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		day := r.Timestamp.UTC().Truncate(24 * time.Hour)
		if _, err := stmt.ExecContext(ctx, r.Venue, r.Symbol, day, r.Timestamp, r.Last, r.Bid, r.Ask,
			r.High24h, r.Low24h, r.BaseVolume24h, r.QuoteVolume24h, r.Change24h, r.ChangePct24h); err != nil {
			return fmt.Errorf("inserting ticker row %s/%s: %w", r.Venue, r.Symbol, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ticker batch: %w", err)
	}
	return nil
}

// TradeRow is the flat persisted shape of a venue.Trade print (§4.10).
type TradeRow struct {
	Venue        string
	Symbol       string
	TradeID      string
	Timestamp    time.Time
	Price        string
	Quantity     string
	Side         string
	IsBuyerMaker bool
}

// InsertTradeBatch writes a batch of trade prints, deduplicating by the
// (venue, symbol, day, trade_id) primary key on conflict so a retried flush
// after a partial failure is idempotent.
func (db *DB) InsertTradeBatch(ctx context.Context, rows []TradeRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning trade batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (venue, symbol, day, trade_id, timestamp, price, quantity, side, is_buyer_maker)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (venue, symbol, day, trade_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing trade insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		day := r.Timestamp.UTC().Truncate(24 * time.Hour)
		if _, err := stmt.ExecContext(ctx, r.Venue, r.Symbol, day, r.TradeID, r.Timestamp, r.Price,
			r.Quantity, r.Side, r.IsBuyerMaker); err != nil {
			return fmt.Errorf("inserting trade row %s/%s/%s: %w", r.Venue, r.Symbol, r.TradeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trade batch: %w", err)
	}
	return nil
}

// CandleRow is the flat persisted shape of a venue.Candle (§4.10).
type CandleRow struct {
	Venue       string
	Symbol      string
	Interval    string
	Timestamp   time.Time
	Open        string
	High        string
	Low         string
	Close       string
	Volume      string
	QuoteVolume string
	TradesCount int
}

// InsertCandleBatch upserts a batch of candles: a still-forming candle is
// flushed repeatedly as new trades update it, so later writes for the same
// (venue, symbol, interval, timestamp) key replace earlier ones.
func (db *DB) InsertCandleBatch(ctx context.Context, rows []CandleRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning candle batch tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (venue, symbol, interval, day, timestamp, open, high, low, close, volume,
			quote_volume, trades_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (venue, symbol, interval, day, timestamp) DO UPDATE SET
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trades_count = EXCLUDED.trades_count
	`)
	if err != nil {
		return fmt.Errorf("preparing candle insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		day := r.Timestamp.UTC().Truncate(24 * time.Hour)
		if _, err := stmt.ExecContext(ctx, r.Venue, r.Symbol, r.Interval, day, r.Timestamp, r.Open, r.High,
			r.Low, r.Close, r.Volume, r.QuoteVolume, r.TradesCount); err != nil {
			return fmt.Errorf("inserting candle row %s/%s/%s: %w", r.Venue, r.Symbol, r.Interval, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing candle batch: %w", err)
	}
	return nil
}
