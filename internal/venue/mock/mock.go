// Package mock implements a deterministic in-memory venue.Adapter used by the
// seed end-to-end tests of §8 and by any deployment that wants to dry-run the
// order pipeline without live venue credentials.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/venue"
)

// Config controls the mock's deterministic-but-adjustable behavior.
type Config struct {
	// Latency is injected before every simulated venue round-trip.
	Latency time.Duration
	// RejectRate, in [0,1], is the fraction of SubmitOrder calls that are
	// rejected instead of filled. Deterministic: every Nth call rejects
	// where N = round(1/RejectRate), not randomized, so tests stay repeatable.
	RejectRate float64
	// ReferencePrice seeds the synthetic ticker/book for any symbol not
	// explicitly set via SetReferencePrice.
	ReferencePrice decimal.Decimal
}

// Venue is a fully in-memory venue.Adapter: fills land instantly (after
// Config.Latency) at the requested price, or at the reference price for
// market orders.
type Venue struct {
	name   string
	cfg    Config
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	orders map[string]*venue.OrderRecord
	byCOID map[string]string // clientOrderID -> venueOrderID
	submitCount int
	connected   bool
}

func New(name string, cfg Config) *Venue {
	if cfg.ReferencePrice.IsZero() {
		cfg.ReferencePrice = decimal.NewFromInt(50000)
	}
	return &Venue{
		name:   name,
		cfg:    cfg,
		prices: make(map[string]decimal.Decimal),
		orders: make(map[string]*venue.OrderRecord),
		byCOID: make(map[string]string),
	}
}

// Register installs a constructor for "mock" venues into a registry. Tests
// call this directly (or just venue.Registry.Put a *Venue) rather than
// routing through credential-based construction.
func Register(reg *venue.Registry, name string, cfg Config) {
	reg.Register(name, func(venue.Credentials) (venue.Adapter, error) {
		return New(name, cfg), nil
	})
}

func (v *Venue) Name() string { return v.name }

func (v *Venue) sleep() {
	if v.cfg.Latency > 0 {
		time.Sleep(v.cfg.Latency)
	}
}

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	return nil
}

func (v *Venue) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *Venue) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// SetReferencePrice fixes the synthetic price used for market fills and
// ticker/book reads of a specific symbol, overriding Config.ReferencePrice.
func (v *Venue) SetReferencePrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

func (v *Venue) referencePrice(symbol string) decimal.Decimal {
	if p, ok := v.prices[symbol]; ok {
		return p
	}
	return v.cfg.ReferencePrice
}

func (v *Venue) GetInstrument(ctx context.Context, symbol string) (*venue.Instrument, error) {
	v.sleep()
	return &venue.Instrument{
		Symbol:         symbol,
		MinQuantity:    decimal.NewFromFloat(0.0001),
		QuantityStep:   decimal.NewFromFloat(0.0001),
		MinNotional:    decimal.NewFromInt(10),
		PriceStep:      decimal.NewFromFloat(0.01),
		TradingEnabled: true,
	}, nil
}

func (v *Venue) GetTicker(ctx context.Context, symbol string) (*venue.Ticker, error) {
	v.sleep()
	v.mu.Lock()
	px := v.referencePrice(symbol)
	v.mu.Unlock()
	return &venue.Ticker{
		Venue:     v.name,
		Symbol:    symbol,
		Last:      px,
		Bid:       px.Sub(decimal.NewFromFloat(0.5)),
		Ask:       px.Add(decimal.NewFromFloat(0.5)),
		Timestamp: time.Now(),
	}, nil
}

func (v *Venue) GetOrderBook(ctx context.Context, symbol string, depth int) (*venue.OrderBook, error) {
	v.sleep()
	v.mu.Lock()
	px := v.referencePrice(symbol)
	v.mu.Unlock()
	return &venue.OrderBook{
		Venue:  v.name,
		Symbol: symbol,
		Bids:   []venue.PriceLevel{{Price: px.Sub(decimal.NewFromFloat(0.5)), Quantity: decimal.NewFromInt(1)}},
		Asks:   []venue.PriceLevel{{Price: px.Add(decimal.NewFromFloat(0.5)), Quantity: decimal.NewFromInt(1)}},
		Timestamp: time.Now(),
	}, nil
}

func (v *Venue) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]*venue.Trade, error) {
	v.sleep()
	return nil, nil
}

func (v *Venue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*venue.Candle, error) {
	v.sleep()
	return nil, nil
}

func (v *Venue) GetBalances(ctx context.Context) ([]*venue.Balance, error) {
	v.sleep()
	return []*venue.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1000000), Locked: decimal.Zero}}, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]*venue.VenuePosition, error) {
	v.sleep()
	return nil, nil
}

// SubmitOrder fills immediately: market orders fill at the reference price,
// limit orders fill at their own limit price. Every call whose ordinal
// (1-indexed) is a multiple of round(1/RejectRate) is rejected instead, so
// rejection injection is deterministic across test runs.
func (v *Venue) SubmitOrder(ctx context.Context, req *venue.OrderRequest) (*venue.OrderRecord, error) {
	v.sleep()

	v.mu.Lock()
	v.submitCount++
	ordinal := v.submitCount
	rejectEvery := rejectInterval(v.cfg.RejectRate)
	v.mu.Unlock()

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	now := time.Now()
	if rejectEvery > 0 && ordinal%rejectEvery == 0 {
		rec := &venue.OrderRecord{
			VenueOrderID:  uuid.NewString(),
			ClientOrderID: clientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      req.Quantity,
			Price:         req.Price,
			TimeInForce:   req.TimeInForce,
			Status:        venue.VenueOrderStatusRejected,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		v.store(rec)
		return rec, venue.NewRejectionError(v.name, "mock venue deterministic rejection", nil)
	}

	fillPrice := req.Price
	if req.Type == venue.OrderTypeMarket || fillPrice.IsZero() {
		v.mu.Lock()
		fillPrice = v.referencePrice(req.Symbol)
		v.mu.Unlock()
	}

	rec := &venue.OrderRecord{
		VenueOrderID:  uuid.NewString(),
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		Status:        venue.VenueOrderStatusFilled,
		FilledQty:     req.Quantity,
		AvgFillPrice:  fillPrice,
		FeeAmount:     req.Quantity.Mul(fillPrice).Mul(decimal.NewFromFloat(0.001)),
		FeeCurrency:   "USDT",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	v.store(rec)
	return rec, nil
}

func rejectInterval(rate float64) int {
	if rate <= 0 {
		return 0
	}
	n := int(1.0/rate + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

func (v *Venue) store(rec *venue.OrderRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders[rec.VenueOrderID] = rec
	v.byCOID[rec.ClientOrderID] = rec.VenueOrderID
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, venueOrderID string) (*venue.OrderRecord, error) {
	v.sleep()
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.orders[venueOrderID]
	if !ok {
		return nil, venue.NewValidationError(v.name, fmt.Sprintf("unknown order %s", venueOrderID))
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	rec.Status = venue.VenueOrderStatusCanceled
	rec.UpdatedAt = time.Now()
	return rec, nil
}

func (v *Venue) GetOrder(ctx context.Context, symbol, venueOrderID string) (*venue.OrderRecord, error) {
	v.sleep()
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.orders[venueOrderID]
	if !ok {
		return nil, venue.NewValidationError(v.name, fmt.Sprintf("unknown order %s", venueOrderID))
	}
	return rec, nil
}

func (v *Venue) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*venue.OrderRecord, error) {
	v.sleep()
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byCOID[clientOrderID]
	if !ok {
		return nil, venue.NewValidationError(v.name, fmt.Sprintf("unknown client order id %s", clientOrderID))
	}
	return v.orders[id], nil
}

func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]*venue.OrderRecord, error) {
	v.sleep()
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*venue.OrderRecord
	for _, rec := range v.orders {
		if !rec.Status.Terminal() && (symbol == "" || rec.Symbol == symbol) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (v *Venue) GetClosedOrders(ctx context.Context, symbol string, limit int) ([]*venue.OrderRecord, error) {
	v.sleep()
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*venue.OrderRecord
	for _, rec := range v.orders {
		if rec.Status.Terminal() && (symbol == "" || rec.Symbol == symbol) {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Subscriptions are simulated as open channels that never deliver an event
// and are never closed: nothing in the seed
// e2e tests of §8 exercises mock streaming, only mock REST fills.

func (v *Venue) SubscribeTicker(ctx context.Context, symbols []string) (<-chan *venue.Ticker, error) {
	ch := make(chan *venue.Ticker)
	return ch, nil
}

func (v *Venue) SubscribeOrderBook(ctx context.Context, symbols []string) (<-chan *venue.OrderBook, error) {
	ch := make(chan *venue.OrderBook)
	return ch, nil
}

func (v *Venue) SubscribeTrades(ctx context.Context, symbols []string) (<-chan *venue.Trade, error) {
	ch := make(chan *venue.Trade)
	return ch, nil
}

func (v *Venue) SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan *venue.Candle, error) {
	ch := make(chan *venue.Candle)
	return ch, nil
}

func (v *Venue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return venue.ErrCapabilityUnsupported
}

func (v *Venue) SetMarginMode(ctx context.Context, symbol, mode string) error {
	return venue.ErrCapabilityUnsupported
}

func (v *Venue) SetPositionMode(ctx context.Context, hedged bool) error {
	return venue.ErrCapabilityUnsupported
}

func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrCapabilityUnsupported
}

func (v *Venue) TransferBetweenSubAccounts(ctx context.Context, asset, fromAccount, toAccount string, amount decimal.Decimal) error {
	return venue.ErrCapabilityUnsupported
}

var _ venue.Adapter = (*Venue)(nil)
