package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// transition moves o into next, stamping updated_at and the relevant
// first-arrival timestamps (§4.3). Any event against a terminal order is
// rejected so callers can log-and-ignore rather than corrupt history.
func (o *Order) transition(next State) error {
	if o.State.Terminal() {
		return fmt.Errorf("order %s is terminal in state %s, ignoring transition to %s", o.ID, o.State, next)
	}
	now := time.Now()
	if o.State == StatePending && next != StatePending {
		o.SubmittedAt = &now
	}
	if next == StateFilled {
		o.FilledAt = &now
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// validateIntent runs the intent-level checks of §4.7 Create.
func validateIntent(in *Intent) error {
	if in.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if in.Venue == "" {
		return fmt.Errorf("venue is required")
	}
	if in.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("quantity must be positive")
	}

	switch in.Type {
	case IntentLimit:
		if in.Price.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("limit order requires a positive price")
		}
	case IntentTWAP:
		if in.SliceCount < 2 {
			return fmt.Errorf("twap requires at least 2 slices")
		}
		if in.SliceInterval < time.Second {
			return fmt.Errorf("twap requires an interval of at least 1s")
		}
	case IntentIceberg:
		if in.VisibleRatio.LessThanOrEqual(decimal.Zero) || in.VisibleRatio.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("iceberg visible ratio must be in (0, 1]")
		}
	case IntentStopLoss, IntentTakeProfit:
		if in.StopPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("conditional order requires a positive stop price")
		}
	case IntentMarket:
		// no extra fields required
	default:
		return fmt.Errorf("unknown intent type %q", in.Type)
	}
	return nil
}

// decimalFromFloat is a small convenience wrapper for the fixed ratio
// constants (0.05, 0.20, ...) used by the executors' sanity checks.
func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// slippageBps computes the signed slippage of an achieved price against a
// reference, scaled so a positive value always means adverse execution
// (§4.4): worse for a buy means paying above reference, worse for a sell
// means selling below reference.
func slippageBps(side string, reference, actual decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	delta := actual.Sub(reference).Div(reference).Mul(decimal.NewFromInt(10000))
	if side == "sell" {
		delta = delta.Neg()
	}
	return delta
}
