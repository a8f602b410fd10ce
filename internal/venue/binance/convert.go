package binance

import (
	"strconv"
	"strings"
	"time"

	"github.com/quantterminal/core/internal/venue"
)

func convertTicker(r *tickerResponse) *venue.Ticker {
	return &venue.Ticker{
		Venue:     "binance",
		Symbol:    r.Symbol,
		Last:      parseDecimal(r.LastPrice),
		Bid:       parseDecimal(r.BidPrice),
		Ask:       parseDecimal(r.AskPrice),
		High24h:   parseDecimal(r.HighPrice),
		Low24h:    parseDecimal(r.LowPrice),
		BaseVol:   parseDecimal(r.Volume),
		QuoteVol:  parseDecimal(r.QuoteVolume),
		Change24h: parseDecimal(r.PriceChange),
		ChangePct: parseDecimal(r.PriceChangePercent),
		Timestamp: time.UnixMilli(r.CloseTime),
	}
}

func convertOrderBook(symbol string, r *depthResponse) *venue.OrderBook {
	book := &venue.OrderBook{
		Venue:     "binance",
		Symbol:    symbol,
		Bids:      make([]venue.PriceLevel, len(r.Bids)),
		Asks:      make([]venue.PriceLevel, len(r.Asks)),
		Timestamp: time.Now(),
	}
	for i, lvl := range r.Bids {
		book.Bids[i] = venue.PriceLevel{Price: parseDecimal(lvl[0]), Quantity: parseDecimal(lvl[1])}
	}
	for i, lvl := range r.Asks {
		book.Asks[i] = venue.PriceLevel{Price: parseDecimal(lvl[0]), Quantity: parseDecimal(lvl[1])}
	}
	return book
}

func convertTrade(symbol string, r *tradeResponse) *venue.Trade {
	side := venue.SideBuy
	if r.IsBuyerMaker {
		side = venue.SideSell
	}
	return &venue.Trade{
		Venue:        "binance",
		Symbol:       symbol,
		TradeID:      strconv.FormatInt(r.ID, 10),
		Price:        parseDecimal(r.Price),
		Quantity:     parseDecimal(r.Qty),
		Side:         side,
		IsBuyerMaker: r.IsBuyerMaker,
		Timestamp:    time.UnixMilli(r.Time),
	}
}

// convertKline decodes one raw Binance kline array:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...]
func convertKline(symbol, interval string, k []interface{}) *venue.Candle {
	asStr := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}
	asTime := func(v interface{}) time.Time {
		f, _ := v.(float64)
		return time.UnixMilli(int64(f))
	}
	asInt := func(v interface{}) int64 {
		f, _ := v.(float64)
		return int64(f)
	}

	c := &venue.Candle{Venue: "binance", Symbol: symbol, Interval: interval}
	if len(k) > 0 {
		c.Timestamp = asTime(k[0])
	}
	if len(k) > 1 {
		c.Open = parseDecimal(asStr(k[1]))
	}
	if len(k) > 2 {
		c.High = parseDecimal(asStr(k[2]))
	}
	if len(k) > 3 {
		c.Low = parseDecimal(asStr(k[3]))
	}
	if len(k) > 4 {
		c.Close = parseDecimal(asStr(k[4]))
	}
	if len(k) > 5 {
		c.Volume = parseDecimal(asStr(k[5]))
	}
	if len(k) > 7 {
		c.QuoteVolume = parseDecimal(asStr(k[7]))
	}
	if len(k) > 8 {
		c.TradesCount = asInt(k[8])
	}
	return c
}

func convertOrder(r *orderResponse) *venue.OrderRecord {
	filled := parseDecimal(r.ExecutedQty)
	avgPrice := parseDecimal(r.Price)
	if !filled.IsZero() {
		quoteQty := parseDecimal(r.CummulativeQuoteQty)
		if !quoteQty.IsZero() {
			avgPrice = quoteQty.Div(filled)
		}
	}
	return &venue.OrderRecord{
		VenueOrderID:  strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          venue.Side(strings.ToLower(r.Side)),
		Type:          binanceTypeToVenue(r.Type),
		Quantity:      parseDecimal(r.OrigQty),
		Price:         parseDecimal(r.Price),
		TimeInForce:   venue.TimeInForce(r.TimeInForce),
		Status:        convertOrderStatus(r.Status),
		FilledQty:     filled,
		AvgFillPrice:  avgPrice,
		CreatedAt:     time.UnixMilli(r.Time),
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func convertOrderStatus(s string) venue.VenueOrderStatus {
	switch s {
	case "NEW":
		return venue.VenueOrderStatusNew
	case "PARTIALLY_FILLED":
		return venue.VenueOrderStatusPartiallyFilled
	case "FILLED":
		return venue.VenueOrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return venue.VenueOrderStatusCanceled
	case "REJECTED":
		return venue.VenueOrderStatusRejected
	case "EXPIRED":
		return venue.VenueOrderStatusExpired
	default:
		return venue.VenueOrderStatusNew
	}
}

func binanceOrderType(t venue.OrderType) string {
	if t == venue.OrderTypeMarket {
		return "MARKET"
	}
	return "LIMIT"
}

func binanceTypeToVenue(t string) venue.OrderType {
	if t == "MARKET" {
		return venue.OrderTypeMarket
	}
	return venue.OrderTypeLimit
}
