package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantterminal/core/internal/venue"
)

func newTestService() *Service {
	return &Service{
		orders: make(map[string]*Order),
		plans:  make(map[string]interface{}),
	}
}

func seedOrder(s *Service, id, strategy, venueName, symbol string, state State) *Order {
	now := time.Now()
	o := &Order{
		ID:        id,
		Strategy:  strategy,
		Venue:     venueName,
		Symbol:    symbol,
		Side:      venue.SideBuy,
		Type:      IntentMarket,
		Quantity:  decimal.NewFromInt(1),
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.orders[id] = o
	return o
}

func TestValidateIntent(t *testing.T) {
	cases := []struct {
		name    string
		in      Intent
		wantErr bool
	}{
		{"missing symbol", Intent{Venue: "mock", Quantity: decimal.NewFromInt(1)}, true},
		{"missing venue", Intent{Symbol: "BTCUSDT", Quantity: decimal.NewFromInt(1)}, true},
		{"non-positive quantity", Intent{Symbol: "BTCUSDT", Venue: "mock"}, true},
		{"limit without price", Intent{Type: IntentLimit, Symbol: "BTCUSDT", Venue: "mock", Quantity: decimal.NewFromInt(1)}, true},
		{"valid market", Intent{Type: IntentMarket, Symbol: "BTCUSDT", Venue: "mock", Quantity: decimal.NewFromInt(1)}, false},
		{"twap too few slices", Intent{Type: IntentTWAP, Symbol: "BTCUSDT", Venue: "mock", Quantity: decimal.NewFromInt(1), SliceCount: 1, SliceInterval: time.Second}, true},
		{"iceberg bad ratio", Intent{Type: IntentIceberg, Symbol: "BTCUSDT", Venue: "mock", Quantity: decimal.NewFromInt(1), VisibleRatio: decimal.NewFromFloat(1.5)}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateIntent(&c.in)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrderTransitionRejectsTerminal(t *testing.T) {
	o := &Order{State: StateFilled}
	err := o.transition(StateCanceled)
	require.Error(t, err)
	assert.Equal(t, StateFilled, o.State)
}

func TestOrderTransitionStampsSubmittedAndFilled(t *testing.T) {
	o := &Order{State: StatePending}
	require.NoError(t, o.transition(StateSubmitted))
	assert.NotNil(t, o.SubmittedAt)
	assert.Nil(t, o.FilledAt)

	require.NoError(t, o.transition(StateFilled))
	assert.NotNil(t, o.FilledAt)
	assert.Equal(t, StateFilled, o.State)
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	s := newTestService()
	seedOrder(s, "1", "alpha", "mock", "BTCUSDT", StatePending)
	seedOrder(s, "2", "alpha", "mock", "ETHUSDT", StateFilled)
	seedOrder(s, "3", "beta", "mock", "BTCUSDT", StatePending)

	out := s.Query(QueryFilters{Strategy: "alpha"})
	assert.Len(t, out, 2)

	out = s.Query(QueryFilters{Strategy: "alpha", State: StateFilled})
	require.Len(t, out, 1)
	assert.Equal(t, "2", out[0].ID)

	out = s.Query(QueryFilters{Limit: 1})
	assert.Len(t, out, 1)
}

func TestOpenOrdersExcludesTerminal(t *testing.T) {
	s := newTestService()
	seedOrder(s, "1", "alpha", "mock", "BTCUSDT", StatePending)
	seedOrder(s, "2", "alpha", "mock", "ETHUSDT", StateFilled)
	seedOrder(s, "3", "alpha", "mock", "SOLUSDT", StateCanceled)

	open := s.OpenOrders("alpha")
	require.Len(t, open, 1)
	assert.Equal(t, "1", open[0].ID)
}

func TestOpenOrdersFiltersByStrategy(t *testing.T) {
	s := newTestService()
	seedOrder(s, "1", "alpha", "mock", "BTCUSDT", StatePending)
	seedOrder(s, "2", "beta", "mock", "BTCUSDT", StatePending)

	open := s.OpenOrders("beta")
	require.Len(t, open, 1)
	assert.Equal(t, "2", open[0].ID)
}

func TestPlanProgressMissing(t *testing.T) {
	s := newTestService()
	_, ok := s.PlanProgress("unknown")
	assert.False(t, ok)
}

func TestStatisticsSuccessRate(t *testing.T) {
	s := newTestService()
	filled := seedOrder(s, "1", "alpha", "mock", "BTCUSDT", StateFilled)
	filled.FilledQuantity = decimal.NewFromInt(2)
	filled.AvgFillPrice = decimal.NewFromInt(100)
	seedOrder(s, "2", "alpha", "mock", "ETHUSDT", StateCanceled)
	seedOrder(s, "3", "alpha", "mock", "SOLUSDT", StatePending)

	stats := s.Statistics("alpha")
	assert.Equal(t, 1, stats.CountByState[StateFilled])
	assert.True(t, stats.TotalValue.Equal(decimal.NewFromInt(200)))
	assert.True(t, stats.SuccessRate.Equal(decimal.NewFromFloat(0.5)))
}

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, 5, priorityOf(IntentMarket))
	assert.Equal(t, 3, priorityOf(IntentLimit))
	assert.Equal(t, 1, priorityOf(IntentTWAP))
}
