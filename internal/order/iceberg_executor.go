package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/observability"
)

const (
	icebergPollInterval = 5 * time.Second
	icebergPollTimeout  = 5 * time.Minute
	icebergFillRatio    = 0.99
)

// NewIcebergPlan validates the visible slice against the venue minimum and
// constructs the plan (§4.6). The parent fails immediately if the visible
// quantity can never clear the venue's minimum order size.
func NewIcebergPlan(parentID string, total, visibleRatio decimal.Decimal, inst *venue.Instrument) (*IcebergPlan, error) {
	visible := total.Mul(visibleRatio)
	if visible.LessThan(inst.MinQuantity) {
		return nil, fmt.Errorf("iceberg visible quantity %s below venue minimum %s", visible, inst.MinQuantity)
	}
	var once sync.Once
	cancel := make(chan struct{})
	return &IcebergPlan{
		ParentID:      parentID,
		TotalQuantity: total,
		VisibleRatio:  visibleRatio,
		Remaining:     total,
		cancel:        cancel,
		cancelOnce:    func() { once.Do(func() { close(cancel) }) },
	}, nil
}

// Cancel cancels the active child (if any) and zeroes remaining so RunIceberg
// stops generating further slices.
func (p *IcebergPlan) Cancel(ctx context.Context, adapter venue.Adapter) {
	p.cancelOnce()
	p.Canceled = true
	if p.ActiveSlice != nil && p.ActiveSlice.State == SliceStateSubmitted && p.ActiveSlice.ChildOrderID != "" {
		_, _ = adapter.CancelOrder(ctx, "", p.ActiveSlice.ChildOrderID)
	}
	p.Remaining = decimal.Zero
}

// RunIceberg executes the plan's slices one at a time, aborting on execution
// frustration per §4.6: priceFn resolves the caller's price or, if absent,
// the current best bid/ask; newChild constructs a fresh limit child order.
func RunIceberg(ctx context.Context, adapter venue.Adapter, parent *Order, plan *IcebergPlan, side venue.Side, callerPrice decimal.Decimal, priceFn func(ctx context.Context) (decimal.Decimal, error), newChild func(seq int, qty, price decimal.Decimal) *Order, persist PersistFunc, logger *observability.Logger) {
	if parent.State == StatePending {
		_ = parent.transition(StateSubmitted)
		persist(ctx, parent)
	}

	seq := 0
	for plan.Remaining.GreaterThan(decimal.Zero) {
		select {
		case <-plan.cancel:
			goto done
		default:
		}

		visible := plan.TotalQuantity.Mul(plan.VisibleRatio)
		sliceQty := decimal.Min(visible, plan.Remaining)

		price := callerPrice
		if price.IsZero() {
			p, err := priceFn(ctx)
			if err != nil {
				logger.Warn(ctx, "iceberg: resolving market price for slice failed, stopping plan", map[string]interface{}{"parent_id": plan.ParentID, "error": err.Error()})
				goto done
			}
			price = p
		}

		child := newChild(seq, sliceQty, price)
		child.ClientOrderID = fmt.Sprintf("%s_slice_%d", plan.ParentID, seq)
		slice := &TWAPSlice{Sequence: seq, ScheduledAt: time.Now(), Quantity: sliceQty, State: SliceStateSubmitted, ChildOrderID: child.ID}
		plan.ActiveSlice = slice

		ExecuteLimit(ctx, adapter, child, icebergPollTimeout, persist, logger)
		waitForTerminalOrTimeout(ctx, child, icebergPollInterval, icebergPollTimeout)

		now := time.Now()
		slice.ExecutedAt = &now
		slice.FilledQuantity = child.FilledQuantity
		slice.AvgPrice = child.AvgFillPrice

		plan.Remaining = plan.Remaining.Sub(child.FilledQuantity)
		plan.CompletedCount++
		aggregateIcebergFill(parent, plan, slice)
		persist(ctx, parent)

		minAcceptable := sliceQty.Mul(decimalFromFloat(icebergFillRatio))
		if child.FilledQuantity.LessThan(minAcceptable) {
			slice.State = SliceStateFailed
			logger.Info(ctx, "iceberg slice under-filled, stopping plan", map[string]interface{}{"parent_id": plan.ParentID, "sequence": seq})
			goto done
		}
		slice.State = SliceStateFilled
		seq++
	}

done:
	finalizeIceberg(ctx, parent, plan, persist)
}

// waitForTerminalOrTimeout blocks until child reaches a terminal state or
// the timeout elapses; ExecuteLimit already runs its own background
// monitor for GTC orders, this just waits for that monitor's result.
func waitForTerminalOrTimeout(ctx context.Context, child *Order, pollEvery, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if child.State.Terminal() || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func aggregateIcebergFill(parent *Order, plan *IcebergPlan, slice *TWAPSlice) {
	if slice.FilledQuantity.IsZero() {
		return
	}
	priorNotional := parent.AvgFillPrice.Mul(parent.FilledQuantity)
	parent.FilledQuantity = parent.FilledQuantity.Add(slice.FilledQuantity)
	newNotional := priorNotional.Add(slice.FilledQuantity.Mul(slice.AvgPrice))
	if !parent.FilledQuantity.IsZero() {
		parent.AvgFillPrice = newNotional.Div(parent.FilledQuantity)
	}
	if !parent.State.Terminal() {
		_ = parent.transition(StatePartial)
	}
}

func finalizeIceberg(ctx context.Context, parent *Order, plan *IcebergPlan, persist PersistFunc) {
	switch {
	case parent.FilledQuantity.Equal(plan.TotalQuantity):
		_ = parent.transition(StateFilled)
	case plan.Canceled:
		_ = parent.transition(StateCanceled)
	case parent.FilledQuantity.IsZero():
		parent.FailureReason = "no slice filled"
		_ = parent.transition(StateFailed)
	default:
		parent.FailureReason = "slice under-filled below acceptable ratio, aborting plan"
		_ = parent.transition(StateFailed)
	}
	persist(ctx, parent)
}
