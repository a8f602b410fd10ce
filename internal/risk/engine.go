// Package risk implements the pre-trade rule chain (§4.8) and the
// background risk monitor (§4.9) that together gate and watch trading
// activity per user.
package risk

import (
	"context"

	"github.com/shopspring/decimal"
)

// Level is the severity a rule (or the overall chain) reports.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

func maxLevel(a, b Level) Level {
	order := map[Level]int{LevelLow: 0, LevelMedium: 1, LevelHigh: 2, LevelCritical: 3}
	if order[b] > order[a] {
		return b
	}
	return a
}

// Snapshot is the read-only view of a user's trading state the rule chain
// and monitor evaluate against. It never mutates state (§4.8).
type Snapshot struct {
	UserID string

	EmergencyStopSet bool

	OrderNotional    decimal.Decimal
	OrderNotionalCap decimal.Decimal

	InstrumentCurrentNotional decimal.Decimal
	InstrumentCap             decimal.Decimal

	TotalCurrentNotional decimal.Decimal
	TotalCap             decimal.Decimal

	RealizedToday decimal.Decimal
	DailyLossCap  decimal.Decimal // positive magnitude

	InitialEquity   decimal.Decimal
	DailyLossPctCap decimal.Decimal // positive fraction, e.g. 0.05

	PeakEquity    decimal.Decimal
	CurrentEquity decimal.Decimal
	DrawdownCap   decimal.Decimal // positive fraction

	ConsecutiveLosses    int
	ConsecutiveLossesCap int
}

// Result is a single rule's verdict.
type Result struct {
	RuleName string
	Pass     bool
	Reason   string
	Level    Level
}

// rule is a named check against a Snapshot. The chain is represented as a
// slice of these values rather than a type hierarchy (§4.8, §9): adding a
// rule means appending an entry to defaultRules, never subclassing.
type rule struct {
	name  string
	check func(ctx context.Context, s Snapshot) Result
}

// Engine runs the ordered rule chain, short-circuiting on the first
// non-pass.
type Engine struct {
	rules []rule
}

// NewEngine builds the mandatory rule chain of §4.8.
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// Evaluate runs every rule in order, stopping at the first non-pass. When
// every rule passes, it returns pass=true with the maximum level any rule
// reported (warnings) and no reason.
func (e *Engine) Evaluate(ctx context.Context, s Snapshot) Result {
	overall := LevelLow
	for _, r := range e.rules {
		res := r.check(ctx, s)
		if !res.Pass {
			res.RuleName = r.name
			return res
		}
		overall = maxLevel(overall, res.Level)
	}
	return Result{Pass: true, Level: overall}
}

func ratioLevel(ratio decimal.Decimal) Level {
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.95)):
		return LevelHigh
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.80)):
		return LevelMedium
	default:
		return LevelLow
	}
}

func defaultRules() []rule {
	return []rule{
		{
			name: "emergency_stop",
			check: func(ctx context.Context, s Snapshot) Result {
				if s.EmergencyStopSet {
					return Result{Pass: false, Reason: "trading suspended due to emergency stop", Level: LevelCritical}
				}
				return Result{Pass: true, Level: LevelLow}
			},
		},
		{
			name: "order_size",
			check: func(ctx context.Context, s Snapshot) Result {
				if s.OrderNotionalCap.IsPositive() && s.OrderNotional.GreaterThan(s.OrderNotionalCap) {
					return Result{Pass: false, Reason: "order notional exceeds per-order cap", Level: LevelHigh}
				}
				return Result{Pass: true, Level: LevelLow}
			},
		},
		{
			name: "single_instrument_position",
			check: func(ctx context.Context, s Snapshot) Result {
				if !s.InstrumentCap.IsPositive() {
					return Result{Pass: true, Level: LevelLow}
				}
				projected := s.InstrumentCurrentNotional.Add(s.OrderNotional)
				if projected.GreaterThan(s.InstrumentCap) {
					return Result{Pass: false, Reason: "projected single-instrument notional exceeds cap", Level: LevelHigh}
				}
				return Result{Pass: true, Level: ratioLevel(projected.Div(s.InstrumentCap))}
			},
		},
		{
			name: "total_position",
			check: func(ctx context.Context, s Snapshot) Result {
				if !s.TotalCap.IsPositive() {
					return Result{Pass: true, Level: LevelLow}
				}
				projected := s.TotalCurrentNotional.Add(s.OrderNotional)
				if projected.GreaterThan(s.TotalCap) {
					return Result{Pass: false, Reason: "projected total position notional exceeds account cap", Level: LevelCritical}
				}
				return Result{Pass: true, Level: ratioLevel(projected.Div(s.TotalCap))}
			},
		},
		{
			name: "daily_loss_absolute",
			check: func(ctx context.Context, s Snapshot) Result {
				if !s.DailyLossCap.IsPositive() {
					return Result{Pass: true, Level: LevelLow}
				}
				threshold := s.DailyLossCap.Neg()
				if s.RealizedToday.LessThanOrEqual(threshold) {
					return Result{Pass: false, Reason: "realized daily loss exceeds absolute cap", Level: LevelHigh}
				}
				return Result{Pass: true, Level: ratioLevel(s.RealizedToday.Neg().Div(s.DailyLossCap))}
			},
		},
		{
			name: "daily_loss_percent",
			check: func(ctx context.Context, s Snapshot) Result {
				if !s.DailyLossPctCap.IsPositive() || !s.InitialEquity.IsPositive() {
					return Result{Pass: true, Level: LevelLow}
				}
				pct := s.RealizedToday.Div(s.InitialEquity)
				if pct.LessThanOrEqual(s.DailyLossPctCap.Neg()) {
					return Result{Pass: false, Reason: "realized daily loss exceeds percentage cap", Level: LevelHigh}
				}
				return Result{Pass: true, Level: ratioLevel(pct.Neg().Div(s.DailyLossPctCap))}
			},
		},
		{
			name: "drawdown",
			check: func(ctx context.Context, s Snapshot) Result {
				if !s.DrawdownCap.IsPositive() || !s.PeakEquity.IsPositive() {
					return Result{Pass: true, Level: LevelLow}
				}
				dd := s.PeakEquity.Sub(s.CurrentEquity).Div(s.PeakEquity)
				if dd.GreaterThan(s.DrawdownCap) {
					return Result{Pass: false, Reason: "drawdown exceeds configured cap", Level: LevelHigh}
				}
				ratio := dd.Div(s.DrawdownCap)
				level := LevelLow
				switch {
				case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.90)):
					level = LevelHigh
				case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.70)):
					level = LevelMedium
				}
				return Result{Pass: true, Level: level}
			},
		},
	}
}
