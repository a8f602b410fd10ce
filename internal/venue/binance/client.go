// Package binance adapts Binance's spot REST and websocket APIs to the
// internal/venue.Adapter facade, generalized from the teacher's
// internal/exchanges/binance client into the typed venue.Error taxonomy and
// a per-venue golang.org/x/time/rate limiter.
package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/observability"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	testnetBaseURL   = "https://testnet.binance.vision"
	defaultWSBaseURL = "wss://stream.binance.com:9443"
	testnetWSBaseURL = "wss://testnet.binance.vision"

	maxRetryAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
)

// Client implements venue.Adapter against Binance's spot market.
type Client struct {
	creds      venue.Credentials
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *observability.Logger

	mu          sync.RWMutex
	connected   bool
	instruments map[string]*venue.Instrument

	ws *wsManager
}

// New constructs a Binance adapter. The rate limiter default (1200 weight per
// minute, Binance's own default spot limit) generalizes the teacher's
// hand-rolled token bucket into golang.org/x/time/rate, one call == one
// token for simplicity; weighted endpoints are not distinguished.
func New(creds venue.Credentials, logger *observability.Logger) *Client {
	base, ws := defaultBaseURL, defaultWSBaseURL
	if creds.Testnet {
		base, ws = testnetBaseURL, testnetWSBaseURL
	}
	c := &Client{
		creds:       creds,
		baseURL:     base,
		wsBaseURL:   ws,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(20), 40), // 20 req/s sustained, burst 40
		logger:      logger,
		instruments: make(map[string]*venue.Instrument),
	}
	c.ws = newWSManager(c, logger)
	return c
}

// Register installs the "binance" factory into a registry.
func Register(reg *venue.Registry, logger *observability.Logger) {
	reg.Register("binance", func(creds venue.Credentials) (venue.Adapter, error) {
		return New(creds, logger), nil
	})
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ping", nil, false); err != nil {
		return err
	}
	if err := c.loadExchangeInfo(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.ws.stop()
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) loadExchangeInfo(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false)
	if err != nil {
		return err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return venue.NewTransientError("binance", "decoding exchangeInfo", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range resp.Symbols {
		inst := &venue.Instrument{
			Symbol:         s.Symbol,
			BaseAsset:      s.BaseAsset,
			QuoteAsset:     s.QuoteAsset,
			TradingEnabled: s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				inst.MinQuantity = parseDecimal(f.MinQty)
				inst.QuantityStep = parseDecimal(f.StepSize)
			case "PRICE_FILTER":
				inst.PriceStep = parseDecimal(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				inst.MinNotional = parseDecimal(f.MinNotional)
			}
		}
		c.instruments[s.Symbol] = inst
	}
	return nil
}

func (c *Client) GetInstrument(ctx context.Context, symbol string) (*venue.Instrument, error) {
	c.mu.RLock()
	inst, ok := c.instruments[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, venue.NewValidationError("binance", fmt.Sprintf("unknown instrument %s", symbol))
	}
	return inst, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (*venue.Ticker, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, false)
	if err != nil {
		return nil, err
	}
	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding ticker", err)
	}
	return convertTicker(&resp), nil
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (*venue.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/depth",
		url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(depth)}}, false)
	if err != nil {
		return nil, err
	}
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding depth", err)
	}
	return convertOrderBook(symbol, &resp), nil
}

func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]*venue.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/trades",
		url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}, false)
	if err != nil {
		return nil, err
	}
	var resp []tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding trades", err)
	}
	out := make([]*venue.Trade, len(resp))
	for i, t := range resp {
		out[i] = convertTrade(symbol, &t)
	}
	return out, nil
}

func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*venue.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines",
		url.Values{"symbol": {symbol}, "interval": {interval}, "limit": {strconv.Itoa(limit)}}, false)
	if err != nil {
		return nil, err
	}
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, venue.NewTransientError("binance", "decoding klines", err)
	}
	out := make([]*venue.Candle, len(raw))
	for i, k := range raw {
		out[i] = convertKline(symbol, interval, k)
	}
	return out, nil
}

func (c *Client) GetBalances(ctx context.Context) ([]*venue.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding account", err)
	}
	out := make([]*venue.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, &venue.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]*venue.VenuePosition, error) {
	// Spot has no leveraged positions.
	return nil, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req *venue.OrderRequest) (*venue.OrderRecord, error) {
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {strings.ToUpper(string(req.Side))},
		"type":             {binanceOrderType(req.Type)},
		"quantity":         {req.Quantity.String()},
		"newClientOrderId": {req.ClientOrderID},
	}
	if req.Type == venue.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(req.TimeInForce))
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding order response", err)
	}
	return convertOrder(&resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) (*venue.OrderRecord, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {venueOrderID}}
	body, err := c.doSignedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding cancel response", err)
	}
	return convertOrder(&resp), nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, venueOrderID string) (*venue.OrderRecord, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {venueOrderID}}
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding order", err)
	}
	return convertOrder(&resp), nil
}

func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*venue.OrderRecord, error) {
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientOrderID}}
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding order", err)
	}
	return convertOrder(&resp), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*venue.OrderRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding open orders", err)
	}
	out := make([]*venue.OrderRecord, len(resp))
	for i := range resp {
		out[i] = convertOrder(&resp[i])
	}
	return out, nil
}

func (c *Client) GetClosedOrders(ctx context.Context, symbol string, limit int) ([]*venue.OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{"symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/api/v3/allOrders", params)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.NewTransientError("binance", "decoding all orders", err)
	}
	out := make([]*venue.OrderRecord, 0, len(resp))
	for i := range resp {
		rec := convertOrder(&resp[i])
		if rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Optional capabilities: spot trading has none of these.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return venue.ErrCapabilityUnsupported
}
func (c *Client) SetMarginMode(ctx context.Context, symbol, mode string) error {
	return venue.ErrCapabilityUnsupported
}
func (c *Client) SetPositionMode(ctx context.Context, hedged bool) error {
	return venue.ErrCapabilityUnsupported
}
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrCapabilityUnsupported
}
func (c *Client) TransferBetweenSubAccounts(ctx context.Context, asset, fromAccount, toAccount string, amount decimal.Decimal) error {
	return venue.ErrCapabilityUnsupported
}

// doRequest performs an unsigned public request, retrying transient failures
// up to maxRetryAttempts with exponential backoff (§4.1.b).
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	return c.doWithRetry(ctx, func() ([]byte, error) {
		return c.rawRequest(ctx, method, path, params, false)
	})
}

// doSignedRequest performs an HMAC-SHA256-signed private request.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	return c.doWithRetry(ctx, func() ([]byte, error) {
		return c.rawRequest(ctx, method, path, params, true)
	})
}

func (c *Client) doWithRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, venue.NewTransientError("binance", "rate limiter wait", err)
		}

		body, err := fn()
		if err == nil {
			return body, nil
		}
		lastErr = err

		var verr *venue.Error
		if !errors.As(err, &verr) || !verr.Retryable() {
			return nil, err
		}
		if attempt == maxRetryAttempts {
			break
		}

		wait := delay
		if verr.RetryAfter > 0 {
			wait = verr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) rawRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		reqURL += "?" + params.Encode()
	} else {
		body = bytes.NewBufferString(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, venue.NewValidationError("binance", "building request: "+err.Error())
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed || c.creds.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, venue.NewTransientError("binance", "http round-trip", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, venue.NewTransientError("binance", "reading response body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 1 * time.Second
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, perr := strconv.Atoi(h); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, venue.NewRateLimitError("binance", "rate limited", retryAfter, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, venue.NewTransientError("binance", fmt.Sprintf("server error %d", resp.StatusCode), fmt.Errorf("%s", respBody))
	}
	if resp.StatusCode >= 400 {
		var apiErr binanceAPIError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, venue.NewRejectionError("binance", apiErr.Msg, fmt.Errorf("code %d", apiErr.Code))
	}

	return respBody, nil
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ venue.Adapter = (*Client)(nil)
