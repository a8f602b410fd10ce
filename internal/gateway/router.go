// Package gateway exposes the HTTP surface of §6: order CRUD/cancel and
// strategy execution progress, positions, risk validation and emergency
// stop, and alert management, in the teacher's net/http ServeMux +
// pkg/middleware idiom (no framework router).
package gateway

import (
	"net/http"

	"github.com/quantterminal/core/internal/alerts"
	"github.com/quantterminal/core/internal/config"
	"github.com/quantterminal/core/internal/order"
	"github.com/quantterminal/core/internal/position"
	"github.com/quantterminal/core/internal/queue"
	"github.com/quantterminal/core/internal/risk"
	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/middleware"
	"github.com/quantterminal/core/pkg/observability"
)

// Deps bundles everything the route handlers need.
type Deps struct {
	Orders    *order.Service
	Positions *position.Service
	Risk      *risk.Gate
	Alerts    *alerts.Service
	Queue     *queue.Queue
	Registry  *venue.Registry
	DB        *database.DB
	Redis     *database.RedisClient
	Logger    *observability.Logger
}

// New builds the fully wrapped HTTP handler for the order-gateway service.
func New(cfg *config.Config, deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth(deps))

	mux.HandleFunc("POST /v1/orders", handleCreateOrder(deps))
	mux.HandleFunc("GET /v1/orders", handleQueryOrders(deps))
	mux.HandleFunc("GET /v1/orders/{id}", handleGetOrder(deps))
	mux.HandleFunc("POST /v1/orders/{id}/cancel", handleCancelOrder(deps))
	mux.HandleFunc("GET /v1/orders/{id}/twap-progress", handleTWAPProgress(deps))
	mux.HandleFunc("GET /v1/orders/{id}/iceberg-progress", handleIcebergProgress(deps))
	mux.HandleFunc("GET /v1/orders/statistics", handleOrderStatistics(deps))

	mux.HandleFunc("GET /v1/positions", handleListPositions(deps))
	mux.HandleFunc("GET /v1/positions/{venue}/{symbol}", handleGetPosition(deps))
	mux.HandleFunc("POST /v1/positions/sync", handleSyncPositions(deps))

	mux.HandleFunc("GET /v1/queue/status", handleQueueStatus(deps))

	mux.HandleFunc("POST /v1/risk/validate-order", handleValidateOrder(deps))
	mux.HandleFunc("POST /v1/risk/emergency-stop", handleEmergencyStop(deps))

	mux.HandleFunc("GET /v1/alerts", handleListAlerts(deps))
	mux.HandleFunc("POST /v1/alerts/{id}/acknowledge", handleAcknowledgeAlert(deps))
	mux.HandleFunc("POST /v1/alerts/cleanup", handleCleanupAlerts(deps))

	return middleware.Recovery(deps.Logger)(
		middleware.Logging(deps.Logger)(
			middleware.Tracing(cfg.Observability.ServiceName)(
				middleware.CORS(cfg.Security.CORSAllowedOrigins)(
					middleware.RateLimit(cfg.RateLimit)(
						middleware.UserID()(mux),
					),
				),
			),
		),
	)
}
