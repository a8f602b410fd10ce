// Package position implements the position service of §4.7: venue sync and
// the fill-merge algebra that keeps (strategy, venue, instrument) rows
// consistent as same-direction and opposing fills arrive.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/venue"
)

// Position is keyed by (strategy, venue, instrument) (§3).
type Position struct {
	Strategy         string          `json:"strategy"`
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             venue.Side      `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Leverage         decimal.Decimal `json:"leverage,omitempty"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func key(strategy, venueName, symbol string) string {
	return strategy + "|" + venueName + "|" + symbol
}

// Clone returns a value safe for callers to hold without aliasing the
// service's authoritative copy.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// UnrealizedPnLAt computes unrealized P&L and its percentage of notional at
// a given mark price, sign-flipped for shorts (§4.7 P&L).
func (p *Position) UnrealizedPnLAt(mark decimal.Decimal) (pnl, pct decimal.Decimal) {
	if p.Quantity.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	diff := mark.Sub(p.AvgEntryPrice)
	if p.Side == venue.SideSell {
		diff = diff.Neg()
	}
	pnl = diff.Mul(p.Quantity)
	notional := p.AvgEntryPrice.Mul(p.Quantity)
	if notional.IsZero() {
		return pnl, decimal.Zero
	}
	pct = pnl.Div(notional).Mul(decimal.NewFromInt(100))
	return pnl, pct
}
