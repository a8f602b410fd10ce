package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/observability"
)

const (
	limitSettleDelay  = time.Second
	limitPollInterval = 5 * time.Second
	limitDefaultWait  = 300 * time.Second
)

// ExecuteLimit implements §4.5. IOC/FOK orders settle synchronously; GTC
// orders are handed to a background poller and ExecuteLimit returns once the
// submitted (non-terminal) record is captured.
func ExecuteLimit(ctx context.Context, adapter venue.Adapter, o *Order, timeout time.Duration, persist PersistFunc, logger *observability.Logger) {
	ticker, err := adapter.GetTicker(ctx, o.Symbol)
	if err == nil && ticker != nil && !ticker.Last.IsZero() {
		deviation := o.Price.Sub(ticker.Last).Div(ticker.Last).Abs()
		if deviation.GreaterThan(decimalFromFloat(0.20)) {
			logger.Warn(ctx, "limit price deviates >20% from reference", map[string]interface{}{"order_id": o.ID, "price": o.Price.String(), "reference": ticker.Last.String()})
		}
		if o.Side == venue.SideBuy && o.Price.GreaterThan(ticker.Last.Mul(decimalFromFloat(1.05))) {
			logger.Warn(ctx, "limit buy price sits >5% above market", map[string]interface{}{"order_id": o.ID})
		}
		if o.Side == venue.SideSell && o.Price.LessThan(ticker.Last.Mul(decimalFromFloat(0.95))) {
			logger.Warn(ctx, "limit sell price sits >5% below market", map[string]interface{}{"order_id": o.ID})
		}
	}

	clientID := o.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
		o.ClientOrderID = clientID
	}

	tif := o.TimeInForce
	if tif == "" {
		tif = venue.TimeInForceGTC
	}

	rec, err := adapter.SubmitOrder(ctx, &venue.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          venue.OrderTypeLimit,
		Quantity:      o.Quantity,
		Price:         o.Price,
		TimeInForce:   tif,
		ClientOrderID: clientID,
	})
	if err != nil {
		failOrder(ctx, o, fmt.Sprintf("submit rejected: %v", err), persist)
		return
	}

	_ = o.transition(StateSubmitted)
	o.VenueOrderID = rec.VenueOrderID
	persist(ctx, o)

	if tif == venue.TimeInForceIOC || tif == venue.TimeInForceFOK {
		select {
		case <-time.After(limitSettleDelay):
		case <-ctx.Done():
			return
		}
		final, err := adapter.GetOrder(ctx, o.Symbol, rec.VenueOrderID)
		if err != nil {
			final = rec
		}
		applyVenueRecord(o, final)
		persist(ctx, o)
		return
	}

	if timeout <= 0 {
		timeout = limitDefaultWait
	}
	go pollUntilTerminal(ctx, adapter, o, timeout, persist, logger)
}

// pollUntilTerminal is the GTC background monitor of §4.5: polls every five
// seconds, up to timeout, reporting partial-fill progress as it arrives.
func pollUntilTerminal(ctx context.Context, adapter venue.Adapter, o *Order, timeout time.Duration, persist PersistFunc, logger *observability.Logger) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(limitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				logger.Info(ctx, "limit order monitor timed out awaiting terminal state", map[string]interface{}{"order_id": o.ID})
				return
			}
			rec, err := adapter.GetOrder(ctx, o.Symbol, o.VenueOrderID)
			if err != nil {
				logger.Warn(ctx, "limit order poll failed", map[string]interface{}{"order_id": o.ID, "error": err.Error()})
				continue
			}
			applyVenueRecord(o, rec)
			persist(ctx, o)
			if o.State.Terminal() {
				return
			}
		}
	}
}
