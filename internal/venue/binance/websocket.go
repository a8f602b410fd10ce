package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/observability"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
	wsInitialBackoff   = 1 * time.Second
	wsMaxBackoff       = 60 * time.Second
)

// wsManager owns a single combined-stream connection to Binance and fans
// parsed events out to per-channel-type subscriber slices. Reconnection uses
// a doubling backoff capped at a minute (§4.10), superseding the teacher's
// fixed 5-second sleep in internal/exchanges/binance/websocket.go, adapted
// from the shape demonstrated in the pack's polymarket-mm WSFeed.Run.
type wsManager struct {
	client *Client
	logger *observability.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	subscribed    map[string]bool // lowercase stream name -> subscribed
	tickerSubs    map[string][]chan *venue.Ticker
	bookSubs      map[string][]chan *venue.OrderBook
	tradeSubs     map[string][]chan *venue.Trade
	candleSubs    map[string]map[string][]chan *venue.Candle // symbol -> interval -> chans
	running       bool
	cancel        context.CancelFunc
}

func newWSManager(client *Client, logger *observability.Logger) *wsManager {
	return &wsManager{
		client:     client,
		logger:     logger,
		subscribed: make(map[string]bool),
		tickerSubs: make(map[string][]chan *venue.Ticker),
		bookSubs:   make(map[string][]chan *venue.OrderBook),
		tradeSubs:  make(map[string][]chan *venue.Trade),
		candleSubs: make(map[string]map[string][]chan *venue.Candle),
	}
}

func (m *wsManager) ensureRunning(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	go m.run(runCtx)
}

func (m *wsManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
}

// run is the reconnect loop: dial, subscribe to everything in m.subscribed,
// read until error, then back off and retry with doubling delay capped at
// wsMaxBackoff. Every successful connection resets the backoff to its floor.
func (m *wsManager) run(ctx context.Context) {
	backoff := wsInitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		err := m.connectAndRead(ctx)

		m.mu.Lock()
		connected := m.conn != nil
		m.mu.Unlock()
		if connected {
			backoff = wsInitialBackoff
		}

		if err != nil {
			m.logger.Warn(ctx, "binance websocket connection lost", map[string]interface{}{
				"error":            err.Error(),
				"reconnect_in_sec": backoff.Seconds(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (m *wsManager) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.client.wsBaseURL+"/stream", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	streams := make([]string, 0, len(m.subscribed))
	for s := range m.subscribed {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	// backoff resets once connected; reconnect resubscribes every previously
	// held stream without the caller re-issuing anything (§4.10, §4.1).
	if len(streams) > 0 {
		if err := m.sendSubscribe(streams); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		m.dispatch(raw)
	}
}

func (m *wsManager) sendSubscribe(streams []string) error {
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}
	return m.conn.WriteJSON(msg)
}

type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (m *wsManager) dispatch(raw []byte) {
	var env combinedStreamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Stream == "" {
		return
	}

	parts := strings.SplitN(env.Stream, "@", 2)
	if len(parts) != 2 {
		return
	}
	symbol, channel := strings.ToUpper(parts[0]), parts[1]

	switch {
	case channel == "ticker":
		var r tickerResponse
		if json.Unmarshal(env.Data, &r) == nil {
			r.Symbol = symbol
			m.sendTicker(symbol, convertTicker(&r))
		}
	case channel == "depth20" || strings.HasPrefix(channel, "depth"):
		var r depthResponse
		if json.Unmarshal(env.Data, &r) == nil {
			m.sendBook(symbol, convertOrderBook(symbol, &r))
		}
	case channel == "trade":
		var r tradeResponse
		if json.Unmarshal(env.Data, &r) == nil {
			m.sendTrade(symbol, convertTrade(symbol, &r))
		}
	case strings.HasPrefix(channel, "kline_"):
		interval := strings.TrimPrefix(channel, "kline_")
		var payload struct {
			K struct {
				T int64  `json:"t"`
				O string `json:"o"`
				H string `json:"h"`
				L string `json:"l"`
				C string `json:"c"`
				V string `json:"v"`
				Q string `json:"q"`
				N int64  `json:"n"`
			} `json:"k"`
		}
		if json.Unmarshal(env.Data, &payload) == nil {
			candle := &venue.Candle{
				Venue: "binance", Symbol: symbol, Interval: interval,
				Timestamp:   time.UnixMilli(payload.K.T),
				Open:        parseDecimal(payload.K.O),
				High:        parseDecimal(payload.K.H),
				Low:         parseDecimal(payload.K.L),
				Close:       parseDecimal(payload.K.C),
				Volume:      parseDecimal(payload.K.V),
				QuoteVolume: parseDecimal(payload.K.Q),
				TradesCount: payload.K.N,
			}
			m.sendCandle(symbol, interval, candle)
		}
	}
}

// send* perform non-blocking fan-out; a full subscriber channel drops the
// event rather than blocking the single read loop (§4.10 backpressure).
func (m *wsManager) sendTicker(symbol string, t *venue.Ticker) {
	m.mu.Lock()
	subs := append([]chan *venue.Ticker(nil), m.tickerSubs[symbol]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			m.logger.Warn(context.Background(), "dropping ticker event, subscriber channel full", map[string]interface{}{"symbol": symbol})
		}
	}
}

func (m *wsManager) sendBook(symbol string, b *venue.OrderBook) {
	m.mu.Lock()
	subs := append([]chan *venue.OrderBook(nil), m.bookSubs[symbol]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (m *wsManager) sendTrade(symbol string, t *venue.Trade) {
	m.mu.Lock()
	subs := append([]chan *venue.Trade(nil), m.tradeSubs[symbol]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (m *wsManager) sendCandle(symbol, interval string, c *venue.Candle) {
	m.mu.Lock()
	subs := append([]chan *venue.Candle(nil), m.candleSubs[symbol][interval]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func streamName(symbol, channel string) string {
	return strings.ToLower(symbol) + "@" + channel
}

func (m *wsManager) subscribeTicker(ctx context.Context, symbols []string) <-chan *venue.Ticker {
	ch := make(chan *venue.Ticker, 256)
	m.mu.Lock()
	for _, sym := range symbols {
		m.tickerSubs[sym] = append(m.tickerSubs[sym], ch)
		m.subscribed[streamName(sym, "ticker")] = true
	}
	m.mu.Unlock()
	m.ensureRunning(ctx)
	return ch
}

func (m *wsManager) subscribeBook(ctx context.Context, symbols []string) <-chan *venue.OrderBook {
	ch := make(chan *venue.OrderBook, 256)
	m.mu.Lock()
	for _, sym := range symbols {
		m.bookSubs[sym] = append(m.bookSubs[sym], ch)
		m.subscribed[streamName(sym, "depth20")] = true
	}
	m.mu.Unlock()
	m.ensureRunning(ctx)
	return ch
}

func (m *wsManager) subscribeTrades(ctx context.Context, symbols []string) <-chan *venue.Trade {
	ch := make(chan *venue.Trade, 256)
	m.mu.Lock()
	for _, sym := range symbols {
		m.tradeSubs[sym] = append(m.tradeSubs[sym], ch)
		m.subscribed[streamName(sym, "trade")] = true
	}
	m.mu.Unlock()
	m.ensureRunning(ctx)
	return ch
}

func (m *wsManager) subscribeCandles(ctx context.Context, symbols []string, interval string) <-chan *venue.Candle {
	ch := make(chan *venue.Candle, 256)
	m.mu.Lock()
	for _, sym := range symbols {
		if m.candleSubs[sym] == nil {
			m.candleSubs[sym] = make(map[string][]chan *venue.Candle)
		}
		m.candleSubs[sym][interval] = append(m.candleSubs[sym][interval], ch)
		m.subscribed[streamName(sym, "kline_"+interval)] = true
	}
	m.mu.Unlock()
	m.ensureRunning(ctx)
	return ch
}

func (c *Client) SubscribeTicker(ctx context.Context, symbols []string) (<-chan *venue.Ticker, error) {
	return c.ws.subscribeTicker(ctx, symbols), nil
}

func (c *Client) SubscribeOrderBook(ctx context.Context, symbols []string) (<-chan *venue.OrderBook, error) {
	return c.ws.subscribeBook(ctx, symbols), nil
}

func (c *Client) SubscribeTrades(ctx context.Context, symbols []string) (<-chan *venue.Trade, error) {
	return c.ws.subscribeTrades(ctx, symbols), nil
}

func (c *Client) SubscribeCandles(ctx context.Context, symbols []string, interval string) (<-chan *venue.Candle, error) {
	return c.ws.subscribeCandles(ctx, symbols, interval), nil
}
