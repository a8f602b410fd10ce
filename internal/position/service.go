package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

var stablecoins = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true}

// Service owns the authoritative in-memory position map, written through to
// the Postgres mirror on every mutation (§4.7, §9).
type Service struct {
	mu        sync.RWMutex
	positions map[string]*Position

	db     *database.DB
	logger *observability.Logger
}

func NewService(db *database.DB, logger *observability.Logger) *Service {
	return &Service{positions: make(map[string]*Position), db: db, logger: logger}
}

// Rehydrate loads every position row from Postgres before the process
// accepts traffic (§9).
func (s *Service) Rehydrate(ctx context.Context) error {
	rows, err := s.db.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("rehydrating positions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		p := &Position{
			Strategy:      r.Strategy,
			Venue:         r.Venue,
			Symbol:        r.Symbol,
			Side:          venue.Side(r.Side),
			Quantity:      mustDecimal(r.Quantity),
			AvgEntryPrice: mustDecimal(r.AvgEntryPrice),
			MarkPrice:     mustDecimal(r.MarkPrice),
			UnrealizedPnL: mustDecimal(r.UnrealizedPnL),
			RealizedPnL:   mustDecimal(r.RealizedPnL),
			UpdatedAt:     r.UpdatedAt,
		}
		if r.Leverage.Valid {
			p.Leverage = mustDecimal(r.Leverage.String)
		}
		if r.LiquidationPrice.Valid {
			p.LiquidationPrice = mustDecimal(r.LiquidationPrice.String)
		}
		s.positions[key(p.Strategy, p.Venue, p.Symbol)] = p
	}
	s.logger.Info(ctx, "position service rehydrated", map[string]interface{}{"count": len(rows)})
	return nil
}

func mustDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s *Service) persist(ctx context.Context, p *Position) {
	row := database.PositionRow{
		Strategy:      p.Strategy,
		Venue:         p.Venue,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Quantity:      p.Quantity.String(),
		AvgEntryPrice: p.AvgEntryPrice.String(),
		MarkPrice:     p.MarkPrice.String(),
		UnrealizedPnL: p.UnrealizedPnL.String(),
		RealizedPnL:   p.RealizedPnL.String(),
		UpdatedAt:     p.UpdatedAt,
	}
	if err := s.db.UpsertPosition(ctx, row); err != nil {
		s.logger.Error(ctx, "position write-through failed", err, map[string]interface{}{"symbol": p.Symbol})
	}
}

// Sync pulls venue-native open positions and materializes position rows
// keyed by (defaultStrategy, venue, instrument) (§4.7). Balances are not
// read; a position whose symbol is a stablecoin and has no entry price gets
// an entry of 1.
func (s *Service) Sync(ctx context.Context, venueName string, adapter venue.Adapter, defaultStrategy string) error {
	vps, err := adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching venue positions: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	for _, vp := range vps {
		entry := vp.EntryPrice
		if entry.IsZero() && stablecoins[vp.Symbol] {
			entry = decimal.NewFromInt(1)
		}
		p := &Position{
			Strategy:      defaultStrategy,
			Venue:         venueName,
			Symbol:        vp.Symbol,
			Side:          vp.Side,
			Quantity:      vp.Quantity,
			AvgEntryPrice: entry,
			MarkPrice:     vp.MarkPrice,
			Leverage:      vp.Leverage,
			UpdatedAt:     now,
		}
		p.UnrealizedPnL, _ = p.UnrealizedPnLAt(vp.MarkPrice)
		s.positions[key(p.Strategy, p.Venue, p.Symbol)] = p
	}
	s.mu.Unlock()

	for _, vp := range vps {
		p, _ := s.Get(defaultStrategy, venueName, vp.Symbol)
		if p != nil {
			s.persist(ctx, p)
		}
	}
	return nil
}

// UpdateFromFill mutates the position row per the merge algebra of §4.7.
func (s *Service) UpdateFromFill(ctx context.Context, strategy, venueName, symbol string, side venue.Side, qty, px decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill quantity must be positive")
	}

	k := key(strategy, venueName, symbol)
	s.mu.Lock()
	existing, ok := s.positions[k]

	if !ok {
		p := &Position{
			Strategy:      strategy,
			Venue:         venueName,
			Symbol:        symbol,
			Side:          side,
			Quantity:      qty,
			AvgEntryPrice: px,
			UpdatedAt:     time.Now(),
		}
		s.positions[k] = p
		s.mu.Unlock()
		s.persist(ctx, p)
		return nil
	}

	sameDirection := existing.Side == side
	var toDelete bool
	var toPersist *Position

	switch {
	case sameDirection:
		newQty := existing.Quantity.Add(qty)
		existing.AvgEntryPrice = existing.AvgEntryPrice.Mul(existing.Quantity).Add(px.Mul(qty)).Div(newQty)
		existing.Quantity = newQty
		existing.UpdatedAt = time.Now()
		toPersist = existing

	case qty.LessThan(existing.Quantity):
		realized := px.Sub(existing.AvgEntryPrice).Mul(qty)
		if existing.Side == venue.SideSell {
			realized = realized.Neg()
		}
		existing.RealizedPnL = existing.RealizedPnL.Add(realized)
		existing.Quantity = existing.Quantity.Sub(qty)
		existing.UpdatedAt = time.Now()
		toPersist = existing

	case qty.Equal(existing.Quantity):
		realized := px.Sub(existing.AvgEntryPrice).Mul(qty)
		if existing.Side == venue.SideSell {
			realized = realized.Neg()
		}
		existing.RealizedPnL = existing.RealizedPnL.Add(realized)
		existing.Quantity = decimal.Zero
		delete(s.positions, k)
		toDelete = true
		toPersist = existing

	default: // qty > existing.Quantity: close then flip
		realized := px.Sub(existing.AvgEntryPrice).Mul(existing.Quantity)
		if existing.Side == venue.SideSell {
			realized = realized.Neg()
		}
		excess := qty.Sub(existing.Quantity)
		flipped := &Position{
			Strategy:      strategy,
			Venue:         venueName,
			Symbol:        symbol,
			Side:          side,
			Quantity:      excess,
			AvgEntryPrice: px,
			RealizedPnL:   existing.RealizedPnL.Add(realized),
			UpdatedAt:     time.Now(),
		}
		s.positions[k] = flipped
		toPersist = flipped
	}
	s.mu.Unlock()

	if toDelete {
		if err := s.db.DeletePosition(ctx, strategy, venueName, symbol); err != nil {
			s.logger.Error(ctx, "position delete write-through failed", err, map[string]interface{}{"symbol": symbol})
		}
		return nil
	}
	s.persist(ctx, toPersist)
	return nil
}

// Get is a read-only lookup.
func (s *Service) Get(strategy, venueName, symbol string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key(strategy, venueName, symbol)]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// All returns every position, optionally filtered by strategy.
func (s *Service) All(strategy string) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		if strategy != "" && p.Strategy != strategy {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// UpdateMarkPrice refreshes a position's mark-to-market and unrealized P&L
// without touching realized P&L or quantity. No code in this repository
// calls it.
func (s *Service) UpdateMarkPrice(ctx context.Context, strategy, venueName, symbol string, mark decimal.Decimal) {
	s.mu.Lock()
	p, ok := s.positions[key(strategy, venueName, symbol)]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.MarkPrice = mark
	p.UnrealizedPnL, _ = p.UnrealizedPnLAt(mark)
	p.UpdatedAt = time.Now()
	cp := p.Clone()
	s.mu.Unlock()
	s.persist(ctx, cp)
}
