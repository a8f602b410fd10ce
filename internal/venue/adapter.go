package venue

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adapter is the uniform facade every supported exchange is wired behind. A
// venue's REST client and websocket manager both live behind one Adapter so
// the order executors and market collector never import a venue-specific
// package directly (§4.1).
type Adapter interface {
	Name() string

	// Connect establishes REST/WS readiness (e.g. loading exchange info,
	// testing connectivity). Disconnect releases any held sockets.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Instrument metadata and market-data snapshots.
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]*Trade, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*Candle, error)

	// Account state.
	GetBalances(ctx context.Context) ([]*Balance, error)
	GetPositions(ctx context.Context) ([]*VenuePosition, error)

	// Order lifecycle.
	SubmitOrder(ctx context.Context, req *OrderRequest) (*OrderRecord, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) (*OrderRecord, error)
	GetOrder(ctx context.Context, symbol, venueOrderID string) (*OrderRecord, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderRecord, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderRecord, error)
	GetClosedOrders(ctx context.Context, symbol string, limit int) ([]*OrderRecord, error)

	// Subscribe opens (or reuses) the venue's websocket connection and
	// delivers parsed events on the returned channel. Reconnection with
	// exponential backoff and automatic re-subscription of every channel
	// ever subscribed is the adapter's responsibility, not the caller's.
	SubscribeTicker(ctx context.Context, symbols []string) (<-chan *Ticker, error)
	SubscribeOrderBook(ctx context.Context, symbols []string) (<-chan *OrderBook, error)
	SubscribeTrades(ctx context.Context, symbols []string) (<-chan *Trade, error)
	SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan *Candle, error)

	// Optional capabilities. A venue that does not support one returns
	// ErrCapabilityUnsupported so callers can distinguish "not supported"
	// from "failed".
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
	SetPositionMode(ctx context.Context, hedged bool) error
	GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	TransferBetweenSubAccounts(ctx context.Context, asset, fromAccount, toAccount string, amount decimal.Decimal) error
}
