package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/alerts"
	"github.com/quantterminal/core/internal/position"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

// Limits configures the monitor's thresholds (§4.8, §4.9), one set shared
// by every user unless a per-user override is added later.
type Limits struct {
	OrderNotionalCap      decimal.Decimal
	InstrumentNotionalCap decimal.Decimal
	TotalNotionalCap      decimal.Decimal
	DailyLossCap          decimal.Decimal
	DailyLossPctCap       decimal.Decimal
	DrawdownCap           decimal.Decimal
	ConsecutiveLossCap    int

	ConcentrationThreshold   decimal.Decimal // default 0.30
	EmergencyDrawdownTrigger decimal.Decimal
	EmergencyLossTrigger     decimal.Decimal
}

// PnLSnapshot is the external P&L feeder's per-user record (§4.9), read from
// the shared KV.
type PnLSnapshot struct {
	RealizedToday     decimal.Decimal `json:"realized_today"`
	InitialEquity     decimal.Decimal `json:"initial_equity"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	CurrentEquity     decimal.Decimal `json:"current_equity"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
}

// Monitor is the periodic background task of §4.9.
type Monitor struct {
	redis    *database.RedisClient
	alerts   *alerts.Service
	limits   Limits
	logger   *observability.Logger
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]dedupEntry // key: userID|type|severity
}

type dedupEntry struct {
	at   time.Time
	hash string
}

func NewMonitor(redis *database.RedisClient, alertSvc *alerts.Service, limits Limits, logger *observability.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		redis:    redis,
		alerts:   alertSvc,
		limits:   limits,
		logger:   logger,
		interval: interval,
		lastSeen: make(map[string]dedupEntry),
	}
}

// Run loops until ctx is canceled, sweeping every user with state in the KV
// once per tick (§4.9); cancellation of ctx is its only stop signal.
func (m *Monitor) Run(ctx context.Context, userIDs func() []string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range userIDs() {
				m.sweepUser(ctx, userID)
			}
		}
	}
}

func (m *Monitor) sweepUser(ctx context.Context, userID string) {
	var pnl PnLSnapshot
	ok, err := m.redis.GetPnLSnapshot(ctx, userID, &pnl)
	if err != nil || !ok {
		return
	}

	var positions []*position.Position
	if ok, err := m.redis.GetPositionsSnapshot(ctx, userID, &positions); err != nil || !ok {
		positions = nil
	}

	m.checkConcentration(ctx, userID, positions)
	m.checkDailyLoss(ctx, userID, pnl)
	m.checkDrawdown(ctx, userID, pnl)
	m.checkConsecutiveLosses(ctx, userID, pnl)
	m.checkEmergencyArming(ctx, userID, pnl)
}

func (m *Monitor) checkConcentration(ctx context.Context, userID string, positions []*position.Position) {
	if len(positions) == 0 || !m.limits.ConcentrationThreshold.IsPositive() {
		return
	}
	var total, largest decimal.Decimal
	var largestSymbol string
	for _, p := range positions {
		notional := p.Quantity.Mul(p.AvgEntryPrice).Abs()
		total = total.Add(notional)
		if notional.GreaterThan(largest) {
			largest = notional
			largestSymbol = p.Symbol
		}
	}
	if total.IsZero() {
		return
	}
	ratio := largest.Div(total)
	threshold := m.limits.ConcentrationThreshold
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(0.30)
	}
	if ratio.GreaterThan(threshold) {
		m.emit(ctx, userID, alerts.TypePositionLimit, alerts.SeverityWarning,
			fmt.Sprintf("position concentration in %s at %.1f%% of total notional", largestSymbol, ratio.Mul(decimal.NewFromInt(100)).InexactFloat64()),
			map[string]interface{}{"symbol": largestSymbol, "ratio": ratio.String()})
	}
}

func (m *Monitor) checkDailyLoss(ctx context.Context, userID string, pnl PnLSnapshot) {
	if m.limits.DailyLossCap.IsPositive() {
		ratio := pnl.RealizedToday.Neg().Div(m.limits.DailyLossCap)
		m.emitThresholded(ctx, userID, alerts.TypeDailyLoss, ratio, "realized daily loss")
	}
	if m.limits.DailyLossPctCap.IsPositive() && pnl.InitialEquity.IsPositive() {
		pct := pnl.RealizedToday.Neg().Div(pnl.InitialEquity)
		ratio := pct.Div(m.limits.DailyLossPctCap)
		m.emitThresholded(ctx, userID, alerts.TypeDailyLoss, ratio, "realized daily loss percentage")
	}
}

func (m *Monitor) checkDrawdown(ctx context.Context, userID string, pnl PnLSnapshot) {
	if !m.limits.DrawdownCap.IsPositive() || !pnl.PeakEquity.IsPositive() {
		return
	}
	dd := pnl.PeakEquity.Sub(pnl.CurrentEquity).Div(pnl.PeakEquity)
	ratio := dd.Div(m.limits.DrawdownCap)
	m.emitThresholded(ctx, userID, alerts.TypeDrawdown, ratio, "drawdown")
}

func (m *Monitor) checkConsecutiveLosses(ctx context.Context, userID string, pnl PnLSnapshot) {
	if m.limits.ConsecutiveLossCap <= 0 {
		return
	}
	ratio := decimal.NewFromInt(int64(pnl.ConsecutiveLosses)).Div(decimal.NewFromInt(int64(m.limits.ConsecutiveLossCap)))
	m.emitThresholded(ctx, userID, alerts.TypeConsecutiveLoss, ratio, "consecutive losing fills")
}

// emitThresholded emits a warning at 80% of cap and a critical alert at 100%+ (§4.9).
func (m *Monitor) emitThresholded(ctx context.Context, userID string, alertType alerts.Type, ratio decimal.Decimal, label string) {
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
		m.emit(ctx, userID, alertType, alerts.SeverityCritical, fmt.Sprintf("%s at or beyond configured cap", label), map[string]interface{}{"ratio": ratio.String()})
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.80)):
		m.emit(ctx, userID, alertType, alerts.SeverityWarning, fmt.Sprintf("%s at %.0f%% of configured cap", label, ratio.Mul(decimal.NewFromInt(100)).InexactFloat64()), map[string]interface{}{"ratio": ratio.String()})
	}
}

func (m *Monitor) checkEmergencyArming(ctx context.Context, userID string, pnl PnLSnapshot) {
	armDrawdown := m.limits.EmergencyDrawdownTrigger.IsPositive() && pnl.PeakEquity.IsPositive() &&
		pnl.PeakEquity.Sub(pnl.CurrentEquity).Div(pnl.PeakEquity).GreaterThanOrEqual(m.limits.EmergencyDrawdownTrigger)
	armLoss := m.limits.EmergencyLossTrigger.IsPositive() &&
		pnl.RealizedToday.Neg().GreaterThanOrEqual(m.limits.EmergencyLossTrigger)

	if !armDrawdown && !armLoss {
		return
	}

	reason := "drawdown breach"
	if armLoss {
		reason = "absolute daily loss breach"
	}

	m.emit(ctx, userID, alerts.TypeEmergencyStop, alerts.SeverityCritical, fmt.Sprintf("emergency stop armed: %s", reason), map[string]interface{}{"reason": reason})

	payload, _ := json.Marshal(map[string]interface{}{"reason": reason, "armed_at": time.Now().Format(time.RFC3339)})
	if err := m.redis.SetEmergencyStop(ctx, userID, payload); err != nil {
		m.logger.Error(ctx, "failed to arm emergency stop flag", err, map[string]interface{}{"user_id": userID})
	}
}

// emit applies the 5-minute same-(type,severity)-payload-hash dedup window
// (§4.9) before forwarding to the alert service.
func (m *Monitor) emit(ctx context.Context, userID string, alertType alerts.Type, severity alerts.Severity, message string, detail map[string]interface{}) {
	hash := hashDetail(message, detail)
	dedupKey := fmt.Sprintf("%s|%s|%s", userID, alertType, severity)

	m.mu.Lock()
	prev, ok := m.lastSeen[dedupKey]
	suppress := ok && time.Since(prev.at) < 5*time.Minute && prev.hash == hash
	if !suppress {
		m.lastSeen[dedupKey] = dedupEntry{at: time.Now(), hash: hash}
	}
	m.mu.Unlock()

	if suppress {
		return
	}

	if _, err := m.alerts.Create(ctx, userID, alertType, severity, message, detail); err != nil {
		m.logger.Error(ctx, "failed to create risk alert", err, map[string]interface{}{"user_id": userID, "type": string(alertType)})
	}
}

func hashDetail(message string, detail map[string]interface{}) string {
	payload, _ := json.Marshal(struct {
		Message string                 `json:"message"`
		Detail  map[string]interface{} `json:"detail"`
	}{message, detail})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
