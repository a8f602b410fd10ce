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

// NewTWAPPlan generates the N-slice schedule of §4.6. The plan's cancel
// channel is created here so Cancel can be called the instant Create
// returns, before the spawned goroutine has necessarily started.
func NewTWAPPlan(parentID string, total decimal.Decimal, sliceCount int, interval time.Duration) *TWAPPlan {
	now := time.Now()
	per := total.Div(decimal.NewFromInt(int64(sliceCount)))
	slices := make([]*TWAPSlice, sliceCount)
	for i := 0; i < sliceCount; i++ {
		slices[i] = &TWAPSlice{
			Sequence:    i,
			ScheduledAt: now.Add(time.Duration(i) * interval),
			Quantity:    per,
			State:       SliceStatePending,
		}
	}
	var once sync.Once
	cancel := make(chan struct{})
	return &TWAPPlan{
		ParentID:      parentID,
		TotalQuantity: total,
		SliceCount:    sliceCount,
		Interval:      interval,
		Slices:        slices,
		cancel:        cancel,
		cancelOnce:    func() { once.Do(func() { close(cancel) }) },
	}
}

// Cancel marks every still-pending slice canceled and signals the running
// plan goroutine to stop scheduling further slices. A child already
// submitted for the current slice is not canceled at the venue.
func (p *TWAPPlan) Cancel() {
	p.cancelOnce()
	for _, s := range p.Slices {
		if s.State == SliceStatePending {
			s.State = SliceStateCanceled
		}
	}
}

// RunTWAP executes the plan's slices in sequence, spawning nothing further
// itself — the caller runs this in its own detached goroutine per §4.6.
// newChild constructs an empty market child order for one slice; persist
// writes through the parent after every slice update.
func RunTWAP(ctx context.Context, adapter venue.Adapter, parent *Order, plan *TWAPPlan, newChild func(seq int, qty decimal.Decimal) *Order, persist PersistFunc, logger *observability.Logger) {
	for _, slice := range plan.Slices {
		select {
		case <-plan.cancel:
			return
		default:
		}
		if slice.State == SliceStateCanceled {
			continue
		}

		wait := time.Until(slice.ScheduledAt)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-plan.cancel:
				slice.State = SliceStateCanceled
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-plan.cancel:
			slice.State = SliceStateCanceled
			continue
		default:
		}

		child := newChild(slice.Sequence, slice.Quantity)
		child.ClientOrderID = fmt.Sprintf("%s_slice_%d", plan.ParentID, slice.Sequence)
		slice.ChildOrderID = child.ID
		slice.State = SliceStateSubmitted

		ExecuteMarket(ctx, adapter, child, persist, logger)

		now := time.Now()
		slice.ExecutedAt = &now
		slice.FilledQuantity = child.FilledQuantity
		slice.AvgPrice = child.AvgFillPrice
		if child.State == StateFilled || child.State == StatePartial {
			slice.State = SliceStateFilled
		} else {
			slice.State = SliceStateFailed
			logger.Warn(ctx, "twap slice failed, continuing remaining slices", map[string]interface{}{"parent_id": plan.ParentID, "sequence": slice.Sequence})
		}

		plan.CompletedCount++
		aggregateTWAPFill(parent, plan)
		persist(ctx, parent)
	}

	finalizeTWAP(ctx, parent, plan, persist)
}

// aggregateTWAPFill recomputes the parent's running fill totals as the
// volume-weighted average across all slices executed so far.
func aggregateTWAPFill(parent *Order, plan *TWAPPlan) {
	var totalQty, totalNotional decimal.Decimal
	for _, s := range plan.Slices {
		if s.FilledQuantity.IsZero() {
			continue
		}
		totalQty = totalQty.Add(s.FilledQuantity)
		totalNotional = totalNotional.Add(s.FilledQuantity.Mul(s.AvgPrice))
	}
	parent.FilledQuantity = totalQty
	if !totalQty.IsZero() {
		parent.AvgFillPrice = totalNotional.Div(totalQty)
	}
	if parent.State == StatePending {
		_ = parent.transition(StateSubmitted)
	}
	if !parent.State.Terminal() && !totalQty.IsZero() {
		_ = parent.transition(StatePartial)
	}
}

// finalizeTWAP settles the parent once every slice has reached a terminal
// per-slice state.
func finalizeTWAP(ctx context.Context, parent *Order, plan *TWAPPlan, persist PersistFunc) {
	anyCanceled := false
	for _, s := range plan.Slices {
		if s.State == SliceStateCanceled {
			anyCanceled = true
		}
	}
	switch {
	case parent.FilledQuantity.Equal(plan.TotalQuantity):
		_ = parent.transition(StateFilled)
	case anyCanceled:
		_ = parent.transition(StateCanceled)
	case parent.FilledQuantity.IsZero():
		parent.FailureReason = "no slice filled"
		_ = parent.transition(StateFailed)
	default:
		parent.FailureReason = "one or more slices failed before the plan completed"
		_ = parent.transition(StateFailed)
	}
	persist(ctx, parent)
}
