package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Durable mirror for orders/executions/positions (§4.7, §6). The KV is never
// the system of record for these three tables; every order/position service
// mutation is written through here in the same call, and EnsureOrderSchema
// plus the Load* methods let a process restart rehydrate its in-memory maps.

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	client_order_id TEXT,
	venue_order_id TEXT,
	strategy TEXT NOT NULL,
	venue TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	price NUMERIC,
	stop_price NUMERIC,
	time_in_force TEXT,
	state TEXT NOT NULL,
	filled_quantity NUMERIC NOT NULL DEFAULT 0,
	avg_fill_price NUMERIC NOT NULL DEFAULT 0,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	filled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders (strategy);
CREATE INDEX IF NOT EXISTS idx_orders_venue_symbol ON orders (venue, symbol);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders (state);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at DESC);

CREATE TABLE IF NOT EXISTS order_executions (
	order_id TEXT NOT NULL REFERENCES orders (id),
	seq INTEGER NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL,
	price NUMERIC NOT NULL,
	quantity NUMERIC NOT NULL,
	fee_amount NUMERIC NOT NULL DEFAULT 0,
	fee_currency TEXT,
	venue_trade_id TEXT,
	PRIMARY KEY (order_id, seq)
);

CREATE TABLE IF NOT EXISTS positions (
	strategy TEXT NOT NULL,
	venue TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	avg_entry_price NUMERIC NOT NULL,
	mark_price NUMERIC NOT NULL DEFAULT 0,
	unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
	realized_pnl NUMERIC NOT NULL DEFAULT 0,
	leverage NUMERIC,
	liquidation_price NUMERIC,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (strategy, venue, symbol)
);
`

// EnsureOrderSchema creates the orders/executions/positions tables if absent.
func (db *DB) EnsureOrderSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, ordersSchema)
	if err != nil {
		return fmt.Errorf("ensuring order schema: %w", err)
	}
	return nil
}

// OrderRow is the flat persisted shape of internal/order.Order, free of an
// import cycle back onto that package (database stays a leaf dependency).
type OrderRow struct {
	ID             string
	ParentID       sql.NullString
	ClientOrderID  sql.NullString
	VenueOrderID   sql.NullString
	Strategy       string
	Venue          string
	Symbol         string
	Side           string
	OrderType      string
	Quantity       string
	Price          sql.NullString
	StopPrice      sql.NullString
	TimeInForce    sql.NullString
	State          string
	FilledQuantity string
	AvgFillPrice   string
	FailureReason  sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SubmittedAt    sql.NullTime
	FilledAt       sql.NullTime
}

// UpsertOrder writes through an order row on every state-affecting mutation.
func (db *DB) UpsertOrder(ctx context.Context, o OrderRow) error {
	_, err := db.ExecWithMetrics(ctx, `
		INSERT INTO orders (id, parent_id, client_order_id, venue_order_id, strategy, venue, symbol, side,
			order_type, quantity, price, stop_price, time_in_force, state, filled_quantity, avg_fill_price,
			failure_reason, created_at, updated_at, submitted_at, filled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET
			venue_order_id = EXCLUDED.venue_order_id,
			state = EXCLUDED.state,
			filled_quantity = EXCLUDED.filled_quantity,
			avg_fill_price = EXCLUDED.avg_fill_price,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at,
			submitted_at = EXCLUDED.submitted_at,
			filled_at = EXCLUDED.filled_at
	`, o.ID, o.ParentID, o.ClientOrderID, o.VenueOrderID, o.Strategy, o.Venue, o.Symbol, o.Side,
		o.OrderType, o.Quantity, o.Price, o.StopPrice, o.TimeInForce, o.State, o.FilledQuantity, o.AvgFillPrice,
		o.FailureReason, o.CreatedAt, o.UpdatedAt, o.SubmittedAt, o.FilledAt)
	if err != nil {
		return fmt.Errorf("upserting order %s: %w", o.ID, err)
	}
	return nil
}

// InsertExecution appends one fill row (§3: executions are append-only).
func (db *DB) InsertExecution(ctx context.Context, orderID string, seq int, executedAt time.Time, price, quantity, feeAmount string, feeCurrency, venueTradeID string) error {
	_, err := db.ExecWithMetrics(ctx, `
		INSERT INTO order_executions (order_id, seq, executed_at, price, quantity, fee_amount, fee_currency, venue_trade_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id, seq) DO NOTHING
	`, orderID, seq, executedAt, price, quantity, feeAmount, feeCurrency, venueTradeID)
	if err != nil {
		return fmt.Errorf("inserting execution for order %s: %w", orderID, err)
	}
	return nil
}

// LoadOpenOrders returns every order row not yet in a terminal state, used
// to rehydrate the order service's in-memory map on restart.
func (db *DB) LoadOpenOrders(ctx context.Context) ([]OrderRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, parent_id, client_order_id, venue_order_id, strategy, venue, symbol, side, order_type,
			quantity, price, stop_price, time_in_force, state, filled_quantity, avg_fill_price, failure_reason,
			created_at, updated_at, submitted_at, filled_at
		FROM orders
		WHERE state NOT IN ('filled', 'canceled', 'rejected', 'expired', 'failed')
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("loading open orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(&o.ID, &o.ParentID, &o.ClientOrderID, &o.VenueOrderID, &o.Strategy, &o.Venue, &o.Symbol,
			&o.Side, &o.OrderType, &o.Quantity, &o.Price, &o.StopPrice, &o.TimeInForce, &o.State, &o.FilledQuantity,
			&o.AvgFillPrice, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt, &o.SubmittedAt, &o.FilledAt); err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PositionRow is the flat persisted shape of a position (§3, §4.7).
type PositionRow struct {
	Strategy         string
	Venue            string
	Symbol           string
	Side             string
	Quantity         string
	AvgEntryPrice    string
	MarkPrice        string
	UnrealizedPnL    string
	RealizedPnL      string
	Leverage         sql.NullString
	LiquidationPrice sql.NullString
	UpdatedAt        time.Time
}

// UpsertPosition write-throughs a position mutation.
func (db *DB) UpsertPosition(ctx context.Context, p PositionRow) error {
	_, err := db.ExecWithMetrics(ctx, `
		INSERT INTO positions (strategy, venue, symbol, side, quantity, avg_entry_price, mark_price,
			unrealized_pnl, realized_pnl, leverage, liquidation_price, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (strategy, venue, symbol) DO UPDATE SET
			side = EXCLUDED.side,
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			mark_price = EXCLUDED.mark_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			leverage = EXCLUDED.leverage,
			liquidation_price = EXCLUDED.liquidation_price,
			updated_at = EXCLUDED.updated_at
	`, p.Strategy, p.Venue, p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, p.MarkPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.Leverage, p.LiquidationPrice, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting position %s/%s/%s: %w", p.Strategy, p.Venue, p.Symbol, err)
	}
	return nil
}

// DeletePosition removes a position row once quantity reaches zero (§3
// invariant: a position row exists iff its quantity is non-zero).
func (db *DB) DeletePosition(ctx context.Context, strategy, venueName, symbol string) error {
	_, err := db.ExecWithMetrics(ctx, `DELETE FROM positions WHERE strategy = $1 AND venue = $2 AND symbol = $3`, strategy, venueName, symbol)
	if err != nil {
		return fmt.Errorf("deleting position %s/%s/%s: %w", strategy, venueName, symbol, err)
	}
	return nil
}

// LoadPositions returns every position row, used to rehydrate the position
// service's in-memory map on restart.
func (db *DB) LoadPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT strategy, venue, symbol, side, quantity, avg_entry_price, mark_price, unrealized_pnl,
			realized_pnl, leverage, liquidation_price, updated_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Strategy, &p.Venue, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.MarkPrice,
			&p.UnrealizedPnL, &p.RealizedPnL, &p.Leverage, &p.LiquidationPrice, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
