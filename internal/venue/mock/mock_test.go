package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantterminal/core/internal/venue"
)

func TestRejectIntervalDisabledAtZero(t *testing.T) {
	assert.Equal(t, 0, rejectInterval(0))
}

func TestRejectIntervalComputesRoundedReciprocal(t *testing.T) {
	assert.Equal(t, 10, rejectInterval(0.1))
	assert.Equal(t, 4, rejectInterval(0.25))
	assert.Equal(t, 1, rejectInterval(1))
}

func TestSubmitOrderFillsMarketAtReferencePrice(t *testing.T) {
	v := New("mock", Config{ReferencePrice: decimal.NewFromInt(100)})
	rec, err := v.SubmitOrder(context.Background(), &venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.SideBuy, Type: venue.OrderTypeMarket, Quantity: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, venue.VenueOrderStatusFilled, rec.Status)
	assert.True(t, rec.AvgFillPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, rec.FilledQty.Equal(decimal.NewFromInt(2)))
}

func TestSubmitOrderRejectsOnDeterministicInterval(t *testing.T) {
	v := New("mock", Config{RejectRate: 1, ReferencePrice: decimal.NewFromInt(100)})
	_, err := v.SubmitOrder(context.Background(), &venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.SideBuy, Type: venue.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	require.Error(t, err)
}

func TestSetReferencePriceOverridesConfigDefault(t *testing.T) {
	v := New("mock", Config{ReferencePrice: decimal.NewFromInt(100)})
	v.SetReferencePrice("ETHUSDT", decimal.NewFromInt(3000))

	ticker, err := v.GetTicker(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, ticker.Last.Equal(decimal.NewFromInt(3000)))

	other, err := v.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, other.Last.Equal(decimal.NewFromInt(100)))
}

func TestCancelOrderIsIdempotentOnTerminalStatus(t *testing.T) {
	v := New("mock", Config{ReferencePrice: decimal.NewFromInt(100)})
	rec, err := v.SubmitOrder(context.Background(), &venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.SideBuy, Type: venue.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	canceled, err := v.CancelOrder(context.Background(), "BTCUSDT", rec.VenueOrderID)
	require.NoError(t, err)
	assert.Equal(t, venue.VenueOrderStatusFilled, canceled.Status)
}

func TestGetOrderByClientIDUnknownReturnsError(t *testing.T) {
	v := New("mock", Config{})
	_, err := v.GetOrderByClientID(context.Background(), "BTCUSDT", "nonexistent")
	assert.Error(t, err)
}

func TestGetOpenOrdersFiltersTerminal(t *testing.T) {
	v := New("mock", Config{ReferencePrice: decimal.NewFromInt(100)})
	filled, err := v.SubmitOrder(context.Background(), &venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.SideBuy, Type: venue.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	limitRec, err := v.SubmitOrder(context.Background(), &venue.OrderRequest{
		Symbol: "BTCUSDT", Side: venue.SideBuy, Type: venue.OrderTypeLimit, Price: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	_ = filled

	open, err := v.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 0)
	assert.NotEqual(t, "", limitRec.VenueOrderID)
}

func TestConnectDisconnectTracksState(t *testing.T) {
	v := New("mock", Config{})
	assert.False(t, v.IsConnected())
	require.NoError(t, v.Connect(context.Background()))
	assert.True(t, v.IsConnected())
	require.NoError(t, v.Disconnect(context.Background()))
	assert.False(t, v.IsConnected())
}
