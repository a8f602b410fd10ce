// Package venue defines the uniform facade every supported exchange is adapted to:
// instrument metadata, market-data snapshots, order submission/cancellation, and
// websocket subscriptions with reconnect baked in.
package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the venue-level order type this adapter can submit directly.
// Strategy-level types (twap, iceberg) are synthesized above the adapter by
// the order executors out of repeated market/limit submissions.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the venue-level directive on how long an unfilled order stays live.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTD TimeInForce = "GTD"
)

// VenueOrderStatus is the venue's own lifecycle vocabulary for a submitted order.
// The order service (internal/order) maps this onto the richer state machine of §4.3.
type VenueOrderStatus string

const (
	VenueOrderStatusNew             VenueOrderStatus = "new"
	VenueOrderStatusPartiallyFilled VenueOrderStatus = "partially_filled"
	VenueOrderStatusFilled          VenueOrderStatus = "filled"
	VenueOrderStatusCanceled        VenueOrderStatus = "canceled"
	VenueOrderStatusRejected        VenueOrderStatus = "rejected"
	VenueOrderStatusExpired         VenueOrderStatus = "expired"
)

// Instrument describes a tradable symbol's metadata at a venue.
type Instrument struct {
	Symbol         string          `json:"symbol"`
	BaseAsset      string          `json:"base_asset"`
	QuoteAsset     string          `json:"quote_asset"`
	MinQuantity    decimal.Decimal `json:"min_quantity"`
	QuantityStep   decimal.Decimal `json:"quantity_step"`
	MinNotional    decimal.Decimal `json:"min_notional"`
	PriceStep      decimal.Decimal `json:"price_step"`
	TradingEnabled bool            `json:"trading_enabled"`
}

// Ticker is an instrument-keyed 24h statistics snapshot.
type Ticker struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	BaseVol   decimal.Decimal `json:"base_volume_24h"`
	QuoteVol  decimal.Decimal `json:"quote_volume_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
	ChangePct decimal.Decimal `json:"change_pct_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is one (price, quantity) rung of an order book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a venue-reported depth snapshot.
type OrderBook struct {
	Venue     string       `json:"venue"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid and BestAsk return the top of book, or zero if the book is empty on that side.
func (b *OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

func (b *OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Trade is a single public trade print.
type Trade struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	IsBuyerMaker bool         `json:"is_buyer_maker"`
	Timestamp time.Time       `json:"timestamp"`
}

// Candle is one OHLCV bar for an interval (e.g. "1m", "1h").
type Candle struct {
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	Timestamp   time.Time       `json:"timestamp"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradesCount int64           `json:"trades_count"`
}

// Balance is a single-asset wallet balance.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// VenuePosition is the venue-native open position, read during Position.Sync.
type VenuePosition struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Leverage   decimal.Decimal `json:"leverage,omitempty"`
}

// OrderRequest is what the adapter needs to submit a market or limit order.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	ClientOrderID string          `json:"client_order_id"`
}

// OrderRecord is the canonical venue-side view of a submitted order.
type OrderRecord struct {
	VenueOrderID  string           `json:"venue_order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	TimeInForce   TimeInForce      `json:"time_in_force"`
	Status        VenueOrderStatus `json:"status"`
	FilledQty     decimal.Decimal  `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal  `json:"avg_fill_price"`
	FeeAmount     decimal.Decimal  `json:"fee_amount"`
	FeeCurrency   string           `json:"fee_currency"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Terminal reports whether this venue-level status will never change again.
func (r VenueOrderStatus) Terminal() bool {
	switch r {
	case VenueOrderStatusFilled, VenueOrderStatusCanceled, VenueOrderStatusRejected, VenueOrderStatusExpired:
		return true
	default:
		return false
	}
}

// Credentials authenticate a venue connection.
type Credentials struct {
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet"`
}
