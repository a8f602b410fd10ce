package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/queue"
	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// Service is the thin stateful layer of §4.7 in front of the executors. Its
// in-memory map is an authoritative cache of the Postgres mirror: every
// mutation is written through in the same call, and Rehydrate repopulates
// the map from Postgres before the process accepts traffic (§9).
type Service struct {
	mu     sync.RWMutex
	orders map[string]*Order
	plans  map[string]interface{} // *TWAPPlan or *IcebergPlan, keyed by parent id

	registry *venue.Registry
	q        *queue.Queue
	db       *database.DB
	logger   *observability.Logger
}

func NewService(registry *venue.Registry, q *queue.Queue, db *database.DB, logger *observability.Logger) *Service {
	return &Service{
		orders:   make(map[string]*Order),
		plans:    make(map[string]interface{}),
		registry: registry,
		q:        q,
		db:       db,
		logger:   logger,
	}
}

// Rehydrate repopulates the in-memory map from the durable mirror (§4.7,
// §9). Terminal orders are not loaded; only the ones the executors still
// have to finish.
func (s *Service) Rehydrate(ctx context.Context) error {
	rows, err := s.db.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("rehydrating orders: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		o := rowToOrder(r)
		s.orders[o.ID] = o
	}
	s.logger.Info(ctx, "order service rehydrated", map[string]interface{}{"count": len(rows)})
	return nil
}

func rowToOrder(r database.OrderRow) *Order {
	o := &Order{
		ID:             r.ID,
		Strategy:       r.Strategy,
		Venue:          r.Venue,
		Symbol:         r.Symbol,
		Side:           venue.Side(r.Side),
		Type:           IntentType(r.OrderType),
		State:          State(r.State),
		Quantity:       mustDecimal(r.Quantity),
		FilledQuantity: mustDecimal(r.FilledQuantity),
		AvgFillPrice:   mustDecimal(r.AvgFillPrice),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ParentID.Valid {
		o.ParentID = r.ParentID.String
	}
	if r.ClientOrderID.Valid {
		o.ClientOrderID = r.ClientOrderID.String
	}
	if r.VenueOrderID.Valid {
		o.VenueOrderID = r.VenueOrderID.String
	}
	if r.Price.Valid {
		o.Price = mustDecimal(r.Price.String)
	}
	if r.StopPrice.Valid {
		o.StopPrice = mustDecimal(r.StopPrice.String)
	}
	if r.TimeInForce.Valid {
		o.TimeInForce = venue.TimeInForce(r.TimeInForce.String)
	}
	if r.FailureReason.Valid {
		o.FailureReason = r.FailureReason.String
	}
	if r.SubmittedAt.Valid {
		t := r.SubmittedAt.Time
		o.SubmittedAt = &t
	}
	if r.FilledAt.Valid {
		t := r.FilledAt.Time
		o.FilledAt = &t
	}
	return o
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// persist is the PersistFunc handed to every executor: updates the
// in-memory map and writes through to Postgres.
func (s *Service) persist(ctx context.Context, o *Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()

	row := orderToRow(o)
	if err := s.db.UpsertOrder(ctx, row); err != nil {
		s.logger.Error(ctx, "order write-through failed", err, map[string]interface{}{"order_id": o.ID})
	}
	if len(o.Executions) > 0 {
		exec := o.Executions[len(o.Executions)-1]
		if err := s.db.InsertExecution(ctx, o.ID, len(o.Executions)-1, exec.Timestamp, exec.Price.String(), exec.Quantity.String(), exec.FeeAmount.String(), exec.FeeCurrency, exec.VenueTradeID); err != nil {
			s.logger.Error(ctx, "execution write-through failed", err, map[string]interface{}{"order_id": o.ID})
		}
	}
}

func orderToRow(o *Order) database.OrderRow {
	row := database.OrderRow{
		ID:             o.ID,
		Strategy:       o.Strategy,
		Venue:          o.Venue,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		OrderType:      string(o.Type),
		State:          string(o.State),
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.FilledQuantity.String(),
		AvgFillPrice:   o.AvgFillPrice.String(),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.ParentID != "" {
		row.ParentID.Valid, row.ParentID.String = true, o.ParentID
	}
	if o.ClientOrderID != "" {
		row.ClientOrderID.Valid, row.ClientOrderID.String = true, o.ClientOrderID
	}
	if o.VenueOrderID != "" {
		row.VenueOrderID.Valid, row.VenueOrderID.String = true, o.VenueOrderID
	}
	if !o.Price.IsZero() {
		row.Price.Valid, row.Price.String = true, o.Price.String()
	}
	if !o.StopPrice.IsZero() {
		row.StopPrice.Valid, row.StopPrice.String = true, o.StopPrice.String()
	}
	if o.TimeInForce != "" {
		row.TimeInForce.Valid, row.TimeInForce.String = true, string(o.TimeInForce)
	}
	if o.FailureReason != "" {
		row.FailureReason.Valid, row.FailureReason.String = true, o.FailureReason
	}
	if o.SubmittedAt != nil {
		row.SubmittedAt.Valid, row.SubmittedAt.Time = true, *o.SubmittedAt
	}
	if o.FilledAt != nil {
		row.FilledAt.Valid, row.FilledAt.Time = true, *o.FilledAt
	}
	return row
}

// Create runs the intent-level validations of §4.7, assigns an id, persists
// a pending record, and enqueues it for a worker to dispatch.
func (s *Service) Create(ctx context.Context, in *Intent) (*Order, error) {
	if err := validateIntent(in); err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}

	now := time.Now()
	o := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: in.ClientOrderID,
		Strategy:      in.Strategy,
		Venue:         in.Venue,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      in.Quantity,
		Price:         in.Price,
		StopPrice:     in.StopPrice,
		TimeInForce:   in.TimeInForce,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.persist(ctx, o)

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshaling intent: %w", err)
	}
	envelope := struct {
		OrderID string          `json:"order_id"`
		Intent  json.RawMessage `json:"intent"`
	}{OrderID: o.ID, Intent: payload}
	envPayload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling queue payload: %w", err)
	}

	if _, err := s.q.Enqueue(ctx, envPayload, priorityOf(in.Type)); err != nil {
		return nil, fmt.Errorf("enqueuing order: %w", err)
	}
	return o.Clone(), nil
}

func priorityOf(t IntentType) int {
	switch t {
	case IntentMarket:
		return 5
	case IntentLimit:
		return 3
	default:
		return 1
	}
}

// Dispatch is called by a queue worker with the raw enqueued payload; it
// resolves the target order and runs the appropriate executor, returning
// promptly for TWAP/iceberg (their work continues in a detached goroutine).
func (s *Service) Dispatch(ctx context.Context, payload []byte) queue.Outcome {
	var envelope struct {
		OrderID string          `json:"order_id"`
		Intent  json.RawMessage `json:"intent"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return queue.Outcome{Success: false, Retryable: false, Err: err}
	}
	var in Intent
	if err := json.Unmarshal(envelope.Intent, &in); err != nil {
		return queue.Outcome{Success: false, Retryable: false, Err: err}
	}

	s.mu.RLock()
	o := s.orders[envelope.OrderID]
	s.mu.RUnlock()
	if o == nil {
		return queue.Outcome{Success: false, Retryable: false, Err: fmt.Errorf("order %s not found", envelope.OrderID)}
	}

	adapter, err := s.registry.Get(o.Venue, venue.Credentials{})
	if err != nil {
		failOrder(ctx, o, err.Error(), s.persist)
		return queue.Outcome{Success: false, Retryable: true, Err: err}
	}

	switch in.Type {
	case IntentMarket:
		ExecuteMarket(ctx, adapter, o, s.persist, s.logger)
	case IntentLimit:
		ExecuteLimit(ctx, adapter, o, 0, s.persist, s.logger)
	case IntentTWAP:
		s.dispatchTWAP(ctx, adapter, o, &in)
	case IntentIceberg:
		s.dispatchIceberg(ctx, adapter, o, &in)
	default:
		failOrder(ctx, o, fmt.Sprintf("unsupported intent type %q for dispatch", in.Type), s.persist)
	}
	return queue.Outcome{Success: true}
}

func (s *Service) dispatchTWAP(ctx context.Context, adapter venue.Adapter, parent *Order, in *Intent) {
	plan := NewTWAPPlan(parent.ID, in.Quantity, in.SliceCount, in.SliceInterval)
	s.mu.Lock()
	s.plans[parent.ID] = plan
	s.mu.Unlock()

	newChild := func(seq int, qty decimal.Decimal) *Order {
		now := time.Now()
		return &Order{
			ID:        uuid.NewString(),
			ParentID:  parent.ID,
			Strategy:  parent.Strategy,
			Venue:     parent.Venue,
			Symbol:    parent.Symbol,
			Side:      parent.Side,
			Type:      IntentMarket,
			Quantity:  qty,
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	go RunTWAP(context.Background(), adapter, parent, plan, newChild, s.persist, s.logger)
}

func (s *Service) dispatchIceberg(ctx context.Context, adapter venue.Adapter, parent *Order, in *Intent) {
	inst, err := adapter.GetInstrument(ctx, parent.Symbol)
	if err != nil {
		failOrder(ctx, parent, fmt.Sprintf("instrument lookup failed: %v", err), s.persist)
		return
	}
	plan, err := NewIcebergPlan(parent.ID, in.Quantity, in.VisibleRatio, inst)
	if err != nil {
		failOrder(ctx, parent, err.Error(), s.persist)
		return
	}
	s.mu.Lock()
	s.plans[parent.ID] = plan
	s.mu.Unlock()

	priceFn := func(ctx context.Context) (decimal.Decimal, error) {
		book, err := adapter.GetOrderBook(ctx, parent.Symbol, 5)
		if err != nil {
			return decimal.Zero, err
		}
		if parent.Side == venue.SideBuy {
			return book.BestBid(), nil
		}
		return book.BestAsk(), nil
	}
	newChild := func(seq int, qty, price decimal.Decimal) *Order {
		now := time.Now()
		return &Order{
			ID:          uuid.NewString(),
			ParentID:    parent.ID,
			Strategy:    parent.Strategy,
			Venue:       parent.Venue,
			Symbol:      parent.Symbol,
			Side:        parent.Side,
			Type:        IntentLimit,
			Quantity:    qty,
			Price:       price,
			TimeInForce: venue.TimeInForceGTC,
			State:       StatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	go RunIceberg(context.Background(), adapter, parent, plan, parent.Side, in.Price, priceFn, newChild, s.persist, s.logger)
}

// Cancel implements §4.7: no-op on a terminal order, delegates to the
// plan's own cancel for TWAP/iceberg parents, else calls the venue cancel.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Order, error) {
	s.mu.Lock()
	o := s.orders[id]
	s.mu.Unlock()
	if o == nil {
		return nil, fmt.Errorf("order %s not found", id)
	}
	if o.State.Terminal() {
		return o.Clone(), nil
	}

	s.mu.RLock()
	plan := s.plans[id]
	s.mu.RUnlock()

	switch p := plan.(type) {
	case *TWAPPlan:
		p.Cancel()
	case *IcebergPlan:
		adapter, err := s.registry.Get(o.Venue, venue.Credentials{})
		if err == nil {
			p.Cancel(ctx, adapter)
		}
	default:
		adapter, err := s.registry.Get(o.Venue, venue.Credentials{})
		if err != nil {
			return nil, err
		}
		if o.VenueOrderID != "" {
			if _, err := adapter.CancelOrder(ctx, o.Symbol, o.VenueOrderID); err != nil {
				return nil, fmt.Errorf("venue cancel failed: %w", err)
			}
		}
	}

	o.FailureReason = reason
	_ = o.transition(StateCanceled)
	s.persist(ctx, o)
	return o.Clone(), nil
}

// Get is a read-only lookup by id.
func (s *Service) Get(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return o.Clone(), nil
}

// OpenOrders returns every non-terminal order for a strategy, used by the
// risk gate's emergency-stop cascade (§4.9) to find what to cancel.
func (s *Service) OpenOrders(strategy string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		if o.State.Terminal() {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// PlanProgress returns the TWAP or iceberg plan driving a parent order, for
// the twap-progress/iceberg-progress read endpoints (§6). ok is false when
// the order has no associated plan (not a TWAP/iceberg parent). Plans stay
// in the map after completion.
func (s *Service) PlanProgress(parentID string) (plan interface{}, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[parentID]
	return p, ok
}

// QueryFilters narrows Query's result set (§4.7).
type QueryFilters struct {
	Strategy string
	Venue    string
	Symbol   string
	State    State
	From, To time.Time
	Limit    int
	Offset   int
}

// Query lists orders matching filters, sorted descending by create-time,
// with (limit, offset) pagination.
func (s *Service) Query(f QueryFilters) []*Order {
	s.mu.RLock()
	all := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		all = append(all, o)
	}
	s.mu.RUnlock()

	filtered := all[:0:0]
	for _, o := range all {
		if f.Strategy != "" && o.Strategy != f.Strategy {
			continue
		}
		if f.Venue != "" && o.Venue != f.Venue {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.State != "" && o.State != f.State {
			continue
		}
		if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && o.CreatedAt.After(f.To) {
			continue
		}
		filtered = append(filtered, o)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	offset := f.Offset
	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := len(filtered)
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}

	out := make([]*Order, 0, end-offset)
	for _, o := range filtered[offset:end] {
		out = append(out, o.Clone())
	}
	return out
}

// Statistics reports counts per state, total filled quantity/value, and
// success-rate = filled / (filled + canceled + failed) (§4.7).
type Statistics struct {
	CountByState map[State]int  `json:"count_by_state"`
	TotalFilled  decimal.Decimal `json:"total_filled_quantity"`
	TotalValue   decimal.Decimal `json:"total_filled_value"`
	SuccessRate  decimal.Decimal `json:"success_rate"`
}

func (s *Service) Statistics(strategy string) Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{CountByState: make(map[State]int)}
	for _, o := range s.orders {
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		stats.CountByState[o.State]++
		stats.TotalFilled = stats.TotalFilled.Add(o.FilledQuantity)
		stats.TotalValue = stats.TotalValue.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
	}

	filled := stats.CountByState[StateFilled]
	denom := filled + stats.CountByState[StateCanceled] + stats.CountByState[StateFailed]
	if denom > 0 {
		stats.SuccessRate = decimal.NewFromInt(int64(filled)).Div(decimal.NewFromInt(int64(denom)))
	}
	return stats
}
