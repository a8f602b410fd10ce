package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestEngineEvaluatePassesCleanSnapshot(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:             d(100),
		InstrumentCap:             d(1000),
		InstrumentCurrentNotional: d(200),
		TotalCap:                  d(5000),
		TotalCurrentNotional:      d(500),
	})
	assert.True(t, res.Pass)
	assert.Equal(t, LevelLow, res.Level)
}

func TestEngineEvaluateShortCircuitsOnEmergencyStop(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{EmergencyStopSet: true, OrderNotional: d(1)})
	require.False(t, res.Pass)
	assert.Equal(t, "emergency_stop", res.RuleName)
	assert.Equal(t, LevelCritical, res.Level)
}

func TestEngineEvaluateRejectsOverOrderNotionalCap(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:    d(1500),
		OrderNotionalCap: d(1000),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "order_size", res.RuleName)
}

func TestEngineEvaluateOrderSizeCapIsIndependentOfInstrumentCap(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:             d(900),
		OrderNotionalCap:          d(1000),
		InstrumentCap:             d(2000),
		InstrumentCurrentNotional: d(0),
	})
	assert.True(t, res.Pass)
}

func TestEngineEvaluateRejectsOverInstrumentCap(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:             d(900),
		InstrumentCap:             d(1000),
		InstrumentCurrentNotional: d(500),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "single_instrument_position", res.RuleName)
}

func TestEngineEvaluateRejectsOverTotalCap(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:        d(100),
		TotalCap:             d(1000),
		TotalCurrentNotional: d(950),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "total_position", res.RuleName)
}

func TestEngineEvaluateRejectsDailyLossAbsolute(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		DailyLossCap:  d(1000),
		RealizedToday: d(-1500),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "daily_loss_absolute", res.RuleName)
}

func TestEngineEvaluateRejectsDailyLossPercent(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		DailyLossPctCap: d(0.05),
		InitialEquity:   d(10000),
		RealizedToday:   d(-600),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "daily_loss_percent", res.RuleName)
}

func TestEngineEvaluateRejectsDrawdown(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		DrawdownCap:   d(0.20),
		PeakEquity:    d(10000),
		CurrentEquity: d(7000),
	})
	require.False(t, res.Pass)
	assert.Equal(t, "drawdown", res.RuleName)
}

func TestEngineEvaluateDisabledCapsPassThrough(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{OrderNotional: d(1_000_000)})
	assert.True(t, res.Pass)
}

func TestEngineEvaluateReportsWarningLevelNearCap(t *testing.T) {
	e := NewEngine()
	res := e.Evaluate(context.Background(), Snapshot{
		OrderNotional:             d(50),
		InstrumentCap:             d(1000),
		InstrumentCurrentNotional: d(900),
	})
	require.True(t, res.Pass)
	assert.Equal(t, LevelHigh, res.Level)
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, LevelMedium, maxLevel(LevelLow, LevelMedium))
	assert.Equal(t, LevelCritical, maxLevel(LevelCritical, LevelHigh))
	assert.Equal(t, LevelHigh, maxLevel(LevelHigh, LevelLow))
}
