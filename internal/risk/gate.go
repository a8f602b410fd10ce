package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/alerts"
	"github.com/quantterminal/core/internal/order"
	"github.com/quantterminal/core/internal/position"
	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// Gate wires the rule-chain Engine and the emergency-stop RPC cascade (§4.8,
// §4.9 separate RPC) to the order/position services and the shared KV. It is
// the one risk-package type the gateway talks to directly.
type Gate struct {
	engine   *Engine
	limits   Limits
	redis    *database.RedisClient
	orders   *order.Service
	positions *position.Service
	alerts   *alerts.Service
	logger   *observability.Logger
}

func NewGate(limits Limits, redis *database.RedisClient, orders *order.Service, positions *position.Service, alertSvc *alerts.Service, logger *observability.Logger) *Gate {
	return &Gate{
		engine:    NewEngine(),
		limits:    limits,
		redis:     redis,
		orders:    orders,
		positions: positions,
		alerts:    alertSvc,
		logger:    logger,
	}
}

// ValidateOrder runs the pre-trade rule chain for a user/strategy before an
// intent is accepted (§4.8). notional is the order's own size; current
// exposure is read from the position service and the KV P&L snapshot.
func (g *Gate) ValidateOrder(ctx context.Context, userID string, intent *order.Intent, notional decimal.Decimal) (Result, error) {
	snap, err := g.buildSnapshot(ctx, userID, intent, notional)
	if err != nil {
		return Result{}, fmt.Errorf("building risk snapshot: %w", err)
	}
	return g.engine.Evaluate(ctx, snap), nil
}

func (g *Gate) buildSnapshot(ctx context.Context, userID string, intent *order.Intent, notional decimal.Decimal) (Snapshot, error) {
	stopped, _, err := g.redis.GetEmergencyStop(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	var pnl PnLSnapshot
	_, _ = g.redis.GetPnLSnapshot(ctx, userID, &pnl)

	positions := g.positions.All(intent.Strategy)
	var instrumentNotional, totalNotional decimal.Decimal
	for _, p := range positions {
		n := p.Quantity.Mul(p.AvgEntryPrice).Abs()
		totalNotional = totalNotional.Add(n)
		if p.Venue == intent.Venue && p.Symbol == intent.Symbol {
			instrumentNotional = instrumentNotional.Add(n)
		}
	}

	return Snapshot{
		UserID:                    userID,
		EmergencyStopSet:          stopped != nil,
		OrderNotional:             notional,
		OrderNotionalCap:          g.limits.OrderNotionalCap,
		InstrumentCurrentNotional: instrumentNotional,
		InstrumentCap:             g.limits.InstrumentNotionalCap,
		TotalCurrentNotional:      totalNotional,
		TotalCap:                  g.limits.TotalNotionalCap,
		RealizedToday:             pnl.RealizedToday,
		DailyLossCap:              g.limits.DailyLossCap,
		InitialEquity:             pnl.InitialEquity,
		DailyLossPctCap:           g.limits.DailyLossPctCap,
		PeakEquity:                pnl.PeakEquity,
		CurrentEquity:             pnl.CurrentEquity,
		DrawdownCap:               g.limits.DrawdownCap,
		ConsecutiveLosses:         pnl.ConsecutiveLosses,
		ConsecutiveLossesCap:      g.limits.ConsecutiveLossCap,
	}, nil
}

// EmergencyStopResult reports exactly what the cascade actually acted on
// (§4.9): callers must not assume every open order/position was touched,
// only the ones named here.
type EmergencyStopResult struct {
	CancelledOrderIDs []string `json:"cancelled_order_ids"`
	ClosedPositions   []string `json:"closed_positions"` // "venue/symbol"
}

// EmergencyStop arms the stop flag (idempotent: re-arming an already-armed
// user just refreshes the TTL) then cancels every open order and flattens
// every position for the strategy via market orders, in-process and
// sequentially (§4.9, §9: no external fan-out, no saga). A partial failure
// midway still returns the ids it got through, never rolls back the rest.
func (g *Gate) EmergencyStop(ctx context.Context, userID, strategy, reason string) (EmergencyStopResult, error) {
	payload := []byte(fmt.Sprintf(`{"reason":%q}`, reason))
	if err := g.redis.SetEmergencyStop(ctx, userID, payload); err != nil {
		return EmergencyStopResult{}, fmt.Errorf("arming emergency stop: %w", err)
	}
	if _, err := g.alerts.Create(ctx, userID, alerts.TypeEmergencyStop, alerts.SeverityCritical,
		fmt.Sprintf("emergency stop triggered: %s", reason), map[string]interface{}{"reason": reason}); err != nil {
		g.logger.Warn(ctx, "failed to record emergency stop alert", map[string]interface{}{"error": err.Error()})
	}

	var result EmergencyStopResult

	for _, o := range g.orders.OpenOrders(strategy) {
		if _, err := g.orders.Cancel(ctx, o.ID, "emergency stop: "+reason); err != nil {
			g.logger.Error(ctx, "emergency stop: order cancel failed", err, map[string]interface{}{"order_id": o.ID})
			continue
		}
		result.CancelledOrderIDs = append(result.CancelledOrderIDs, o.ID)
	}

	for _, p := range g.positions.All(strategy) {
		if p.Quantity.IsZero() {
			continue
		}
		closeSide := venue.SideSell
		if p.Side == venue.SideSell {
			closeSide = venue.SideBuy
		}
		intent := &order.Intent{
			Type:     order.IntentMarket,
			Strategy: p.Strategy,
			Venue:    p.Venue,
			Symbol:   p.Symbol,
			Side:     closeSide,
			Quantity: p.Quantity,
		}
		if _, err := g.orders.Create(ctx, intent); err != nil {
			g.logger.Error(ctx, "emergency stop: position flatten order failed", err, map[string]interface{}{"venue": p.Venue, "symbol": p.Symbol})
			continue
		}
		result.ClosedPositions = append(result.ClosedPositions, p.Venue+"/"+p.Symbol)
	}

	return result, nil
}
