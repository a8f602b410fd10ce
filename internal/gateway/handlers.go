package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/order"
	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/middleware"
)

var (
	errNoPlan           = errors.New("no execution plan for this order")
	errPositionNotFound = errors.New("position not found")
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestUserID(r *http.Request) string {
	if userID, ok := middleware.GetUserID(r.Context()); ok {
		return userID
	}
	return r.URL.Query().Get("strategy")
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := deps.DB.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err := deps.Redis.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func handleCreateOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in order.Intent
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		notional := in.Quantity.Mul(in.Price)
		if notional.IsZero() {
			if t, _, err := fetchTicker(r.Context(), deps, in.Venue, in.Symbol); err == nil && t != nil {
				notional = in.Quantity.Mul(t.Last)
			}
		}

		result, err := deps.Risk.ValidateOrder(r.Context(), requestUserID(r), &in, notional)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !result.Pass {
			status := http.StatusUnprocessableEntity
			if result.RuleName == "emergency_stop" {
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]interface{}{"error": result.Reason, "rule": result.RuleName, "level": result.Level})
			return
		}

		o, err := deps.Orders.Create(r.Context(), &in)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
	}
}

func fetchTicker(ctx context.Context, deps Deps, venueName, symbol string) (*venue.Ticker, bool, error) {
	adapter, err := deps.Registry.Get(venueName, venue.Credentials{})
	if err != nil {
		return nil, false, err
	}
	t, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func handleQueryOrders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := order.QueryFilters{
			Strategy: q.Get("strategy"),
			Venue:    q.Get("venue"),
			Symbol:   q.Get("symbol"),
			State:    order.State(q.Get("state")),
			Limit:    atoiDefault(q.Get("limit"), 50),
			Offset:   atoiDefault(q.Get("offset"), 0),
		}
		writeJSON(w, http.StatusOK, deps.Orders.Query(f))
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func handleGetOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Orders.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleCancelOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		o, err := deps.Orders.Cancel(r.Context(), r.PathValue("id"), body.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleTWAPProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, ok := deps.Orders.PlanProgress(r.PathValue("id"))
		twap, isTWAP := plan.(*order.TWAPPlan)
		if !ok || !isTWAP {
			writeError(w, http.StatusNotFound, errNoPlan)
			return
		}
		writeJSON(w, http.StatusOK, twap)
	}
}

func handleIcebergProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, ok := deps.Orders.PlanProgress(r.PathValue("id"))
		iceberg, isIceberg := plan.(*order.IcebergPlan)
		if !ok || !isIceberg {
			writeError(w, http.StatusNotFound, errNoPlan)
			return
		}
		writeJSON(w, http.StatusOK, iceberg)
	}
}

func handleOrderStatistics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Orders.Statistics(r.URL.Query().Get("strategy")))
	}
}

func handleListPositions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Positions.All(r.URL.Query().Get("strategy")))
	}
}

func handleGetPosition(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		strategy := r.URL.Query().Get("strategy")
		p, err := deps.Positions.Get(strategy, r.PathValue("venue"), r.PathValue("symbol"))
		if err != nil || p == nil {
			writeError(w, http.StatusNotFound, errPositionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleSyncPositions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Venue    string `json:"venue"`
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		adapter, err := deps.Registry.Get(body.Venue, venue.Credentials{})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := deps.Positions.Sync(r.Context(), body.Venue, adapter, body.Strategy); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Positions.All(body.Strategy))
	}
}

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Queue.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleValidateOrder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Intent   order.Intent    `json:"intent"`
			Notional decimal.Decimal `json:"notional"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := deps.Risk.ValidateOrder(r.Context(), requestUserID(r), &body.Intent, body.Notional)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleEmergencyStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Strategy string `json:"strategy"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := deps.Risk.EmergencyStop(r.Context(), requestUserID(r), body.Strategy, body.Reason)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleListAlerts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
		out, err := deps.Alerts.List(r.Context(), requestUserID(r), offset, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAcknowledgeAlert(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Alerts.Acknowledge(r.Context(), requestUserID(r), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleCleanupAlerts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OlderThanDays int `json:"older_than_days"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if body.OlderThanDays <= 0 {
			body.OlderThanDays = 30
		}
		cutoff := time.Now().AddDate(0, 0, -body.OlderThanDays)
		removed, err := deps.Alerts.CleanupOlderThan(r.Context(), requestUserID(r), cutoff)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	}
}
