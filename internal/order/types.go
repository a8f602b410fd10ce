// Package order implements the order state machine and execution
// strategies of §4.3-§4.7: market, limit, TWAP, and iceberg executors behind
// a single stateful Order service.
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/venue"
)

// IntentType is the discriminated union tag carried by every order intent
// (§3, §9): the wire payload is a single flat JSON object whose fields are
// interpreted according to Type.
type IntentType string

const (
	IntentMarket     IntentType = "market"
	IntentLimit      IntentType = "limit"
	IntentTWAP       IntentType = "twap"
	IntentIceberg    IntentType = "iceberg"
	IntentStopLoss   IntentType = "stop_loss"
	IntentTakeProfit IntentType = "take_profit"
)

// State is a position in the order lifecycle of §4.3.
type State string

const (
	StatePending   State = "pending"
	StateSubmitted State = "submitted"
	StatePartial   State = "partial"
	StateFilled    State = "filled"
	StateCanceled  State = "canceled"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// Intent is the caller-supplied request to Order.Create. Exactly the fields
// relevant to Type are meaningful; others are zero.
type Intent struct {
	Type          IntentType          `json:"type"`
	Strategy      string              `json:"strategy"`
	Venue         string              `json:"venue"`
	Symbol        string              `json:"symbol"`
	Side          venue.Side          `json:"side"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.Decimal     `json:"price,omitempty"`
	StopPrice     decimal.Decimal     `json:"stop_price,omitempty"`
	TimeInForce   venue.TimeInForce   `json:"time_in_force,omitempty"`
	ClientOrderID string              `json:"client_order_id,omitempty"`

	// TWAP
	SliceCount    int           `json:"slice_count,omitempty"`
	SliceInterval time.Duration `json:"slice_interval,omitempty"`

	// Iceberg
	VisibleRatio decimal.Decimal `json:"visible_ratio,omitempty"`
}

// Execution is a single append-only fill-fact (§3).
type Execution struct {
	Timestamp   time.Time       `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency"`
	VenueTradeID string         `json:"venue_trade_id"`
}

// Order is the canonical order record (§3).
type Order struct {
	ID            string          `json:"id"`
	ParentID      string          `json:"parent_id,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`

	Strategy    string            `json:"strategy"`
	Venue       string            `json:"venue"`
	Symbol      string            `json:"symbol"`
	Side        venue.Side        `json:"side"`
	Type        IntentType        `json:"type"`
	Quantity    decimal.Decimal   `json:"quantity"`
	Price       decimal.Decimal   `json:"price,omitempty"`
	StopPrice   decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce venue.TimeInForce `json:"time_in_force,omitempty"`

	State State `json:"state"`

	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Executions     []Execution     `json:"executions"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller without letting
// it mutate the service's authoritative copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Executions = append([]Execution(nil), o.Executions...)
	return &cp
}

// RecordExecution appends a fill and recomputes the volume-weighted average
// fill price and cumulative filled quantity.
func (o *Order) RecordExecution(exec Execution) {
	o.Executions = append(o.Executions, exec)
	priorNotional := o.AvgFillPrice.Mul(o.FilledQuantity)
	newNotional := exec.Price.Mul(exec.Quantity)
	o.FilledQuantity = o.FilledQuantity.Add(exec.Quantity)
	if o.FilledQuantity.IsZero() {
		o.AvgFillPrice = decimal.Zero
		return
	}
	o.AvgFillPrice = priorNotional.Add(newNotional).Div(o.FilledQuantity)
}

// SliceState is the lifecycle of a single TWAP slice.
type SliceState string

const (
	SliceStatePending   SliceState = "pending"
	SliceStateSubmitted SliceState = "submitted"
	SliceStateFilled    SliceState = "filled"
	SliceStateCanceled  SliceState = "canceled"
	SliceStateFailed    SliceState = "failed"
)

// TWAPSlice is one scheduled child of a TWAP plan (§3).
type TWAPSlice struct {
	Sequence       int             `json:"sequence"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Quantity       decimal.Decimal `json:"quantity"`
	State          SliceState      `json:"state"`
	ChildOrderID   string          `json:"child_order_id,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

// TWAPPlan is the parent-order state machine for a TWAP intent (§4.6).
type TWAPPlan struct {
	ParentID       string          `json:"parent_id"`
	TotalQuantity  decimal.Decimal `json:"total_quantity"`
	SliceCount     int             `json:"slice_count"`
	Interval       time.Duration   `json:"interval"`
	Slices         []*TWAPSlice    `json:"slices"`
	CompletedCount int             `json:"completed_count"`
	cancel         chan struct{}
	cancelOnce     func()
}

// IcebergPlan is the parent-order state machine for an iceberg intent (§4.6).
type IcebergPlan struct {
	ParentID       string          `json:"parent_id"`
	TotalQuantity  decimal.Decimal `json:"total_quantity"`
	VisibleRatio   decimal.Decimal `json:"visible_ratio"`
	Remaining      decimal.Decimal `json:"remaining"`
	CompletedCount int             `json:"completed_count"`
	ActiveSlice    *TWAPSlice      `json:"active_slice,omitempty"`
	// Canceled is set only by Cancel(), so finalizeIceberg can tell an
	// explicit user cancellation apart from the §4.6 under-fill frustration
	// abort, which also stops the plan early but was never requested.
	Canceled   bool `json:"canceled"`
	cancel     chan struct{}
	cancelOnce func()
}
