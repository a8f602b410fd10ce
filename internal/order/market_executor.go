package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/observability"
)

// PersistFunc is called by an executor after every state-affecting mutation
// so the owning service can write through to the durable mirror (§4.7).
type PersistFunc func(ctx context.Context, o *Order)

// ExecuteMarket implements §4.4: validate, submit, re-fetch once, compute
// slippage, and always return a terminal record rather than raising.
func ExecuteMarket(ctx context.Context, adapter venue.Adapter, o *Order, persist PersistFunc, logger *observability.Logger) {
	inst, err := adapter.GetInstrument(ctx, o.Symbol)
	if err != nil {
		failOrder(ctx, o, fmt.Sprintf("instrument lookup failed: %v", err), persist)
		return
	}
	if o.Quantity.LessThan(inst.MinQuantity) {
		failOrder(ctx, o, fmt.Sprintf("quantity %s below venue minimum %s", o.Quantity, inst.MinQuantity), persist)
		return
	}

	ticker, err := adapter.GetTicker(ctx, o.Symbol)
	if err != nil {
		logger.Warn(ctx, "market executor: reference ticker unavailable, proceeding without slippage baseline", map[string]interface{}{"order_id": o.ID, "error": err.Error()})
	}

	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
		o.ClientOrderID = clientID
	}

	rec, err := adapter.SubmitOrder(ctx, &venue.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          venue.OrderTypeMarket,
		Quantity:      o.Quantity,
		ClientOrderID: clientID,
	})
	if err != nil {
		failOrder(ctx, o, fmt.Sprintf("submit rejected: %v", err), persist)
		return
	}

	if err := o.transition(StateSubmitted); err != nil {
		logger.Warn(ctx, err.Error(), nil)
	}
	o.VenueOrderID = rec.VenueOrderID
	persist(ctx, o)

	final, err := adapter.GetOrder(ctx, o.Symbol, rec.VenueOrderID)
	if err != nil {
		// The order was accepted venue-side; treat the submit response as final.
		final = rec
	}

	applyVenueRecord(o, final)
	if ticker != nil {
		bps := slippageBps(string(o.Side), ticker.Last, o.AvgFillPrice)
		logger.Info(ctx, "market order slippage", map[string]interface{}{"order_id": o.ID, "slippage_bps": bps.String()})
	}
	persist(ctx, o)
}

// failOrder transitions o to failed and persists, used by every executor
// when a pre-submit validation or the submit call itself fails.
// The reason is truncated to 500 characters.
func failOrder(ctx context.Context, o *Order, reason string, persist PersistFunc) {
	if r := []rune(reason); len(r) > 500 {
		reason = string(r[:500])
	}
	o.FailureReason = reason
	if err := o.transition(StateFailed); err != nil {
		// already terminal: leave as-is, still record the reason for visibility.
		o.FailureReason = reason
	}
	persist(ctx, o)
}

// applyVenueRecord folds a venue OrderRecord's fill facts into o and drives
// the state machine to the matching terminal/non-terminal state.
func applyVenueRecord(o *Order, rec *venue.OrderRecord) {
	if !rec.FilledQty.Equal(o.FilledQuantity) {
		o.Executions = append(o.Executions, Execution{
			Timestamp:    rec.UpdatedAt,
			Price:        rec.AvgFillPrice,
			Quantity:     rec.FilledQty.Sub(o.FilledQuantity),
			FeeAmount:    rec.FeeAmount,
			FeeCurrency:  rec.FeeCurrency,
			VenueTradeID: rec.VenueOrderID,
		})
	}
	o.FilledQuantity = rec.FilledQty
	o.AvgFillPrice = rec.AvgFillPrice

	var next State
	switch rec.Status {
	case venue.VenueOrderStatusFilled:
		next = StateFilled
	case venue.VenueOrderStatusPartiallyFilled:
		next = StatePartial
	case venue.VenueOrderStatusCanceled:
		next = StateCanceled
	case venue.VenueOrderStatusRejected:
		next = StateRejected
	case venue.VenueOrderStatusExpired:
		next = StateExpired
	default:
		return
	}
	_ = o.transition(next)
}
