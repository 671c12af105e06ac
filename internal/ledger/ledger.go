// Package ledger owns the portfolio: open positions, equity, reservations and
// derived P&L/exposure figures. It is the only mutable shared state in the
// core; the risk gate (reservations) and the execution engine (fills) are its
// only writers, and everything else reads immutable snapshots.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/broker"
)

// Side of a held position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is a net holding in one symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"` // always positive
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"` // realized so far on this position
	OpenedAt      time.Time `json:"opened_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Position) direction() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// Snapshot is the read-only aggregate view the gate validates against. It is
// a value: holders can never mutate the ledger through it.
type Snapshot struct {
	Equity            float64
	BuyingPower       float64 // net of outstanding reservations
	PositionCount     int
	TotalExposurePct  float64 // includes outstanding reservations
	DailyPnLPct       float64
	ConsecutiveLosses int
	Symbols           map[string]bool // symbols with an open position
}

// FillResult reports what applying a fill did to the portfolio.
type FillResult struct {
	Position    *Position // surviving position, or the detached record of a full close
	RealizedPnL float64
	Closed      bool // an existing position reached zero quantity
	Reversed    bool // the fill closed and re-opened on the other side
}

// Reservation errors returned by TryReserve, mapped by the gate onto its
// rejection reasons.
var (
	ErrMaxPositions     = errors.New("max positions reached")
	ErrPositionExists   = errors.New("position already exists for symbol")
	ErrExposureExceeded = errors.New("total exposure would exceed limit")
	ErrBuyingPower      = errors.New("insufficient buying power")
)

// Ledger tracks positions and account figures for one session.
type Ledger struct {
	mu sync.Mutex

	equity         float64
	buyingPower    float64
	dayStartEquity float64

	positions map[string]*Position
	reserved  float64 // notional held by approved-but-unfilled orders

	realizedPnL       float64
	totalCommission   float64
	consecutiveLosses int

	logger zerolog.Logger
	clock  func() time.Time
}

// New creates a ledger seeded with the session's opening account figures.
func New(initialEquity, buyingPower float64, logger zerolog.Logger) *Ledger {
	return &Ledger{
		equity:         initialEquity,
		buyingPower:    buyingPower,
		dayStartEquity: initialEquity,
		positions:      make(map[string]*Position),
		logger:         logger.With().Str("component", "Ledger").Logger(),
		clock:          time.Now,
	}
}

// SetClock replaces the ledger clock, used by backtests.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// UpdateAccount reconciles broker-reported equity and buying power.
func (l *Ledger) UpdateAccount(equity, buyingPower float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.equity = equity
	l.buyingPower = buyingPower
}

// ResetDayStart marks the current equity as the daily P&L baseline.
func (l *Ledger) ResetDayStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dayStartEquity = l.equity
}

// Snapshot returns the aggregate view for validation. Never persisted as a
// mutable row; always recomputed here.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	symbols := make(map[string]bool, len(l.positions))
	for sym := range l.positions {
		symbols[sym] = true
	}
	return Snapshot{
		Equity:            l.equity,
		BuyingPower:       l.buyingPower - l.reserved,
		PositionCount:     len(l.positions),
		TotalExposurePct:  l.exposurePctLocked(),
		DailyPnLPct:       l.dailyPnLPctLocked(),
		ConsecutiveLosses: l.consecutiveLosses,
		Symbols:           symbols,
	}
}

func (l *Ledger) exposurePctLocked() float64 {
	if l.equity <= 0 {
		return 0
	}
	exposure := l.reserved
	for _, pos := range l.positions {
		exposure += pos.Quantity * pos.CurrentPrice
	}
	return exposure / l.equity
}

func (l *Ledger) dailyPnLPctLocked() float64 {
	if l.dayStartEquity <= 0 {
		return 0
	}
	return (l.equity - l.dayStartEquity) / l.dayStartEquity
}

// TryReserve atomically re-checks the position-count, buying-power and
// exposure constraints and, if all pass, takes a provisional hold against
// buying power and exposure. This is the commit point that keeps two signals
// validated back-to-back from both passing the same exposure check: the checks
// and the hold happen under one lock acquisition.
func (l *Ledger) TryReserve(symbol string, positionValue float64, maxExposurePct float64, maxPositions int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.positions) >= maxPositions {
		return ErrMaxPositions
	}
	if _, exists := l.positions[symbol]; exists {
		return ErrPositionExists
	}
	if positionValue > l.buyingPower-l.reserved {
		return ErrBuyingPower
	}
	if l.equity > 0 {
		newExposure := l.exposurePctLocked() + positionValue/l.equity
		if newExposure > maxExposurePct {
			return ErrExposureExceeded
		}
	}

	l.reserved += positionValue
	l.logger.Debug().
		Str("symbol", symbol).
		Float64("position_value", positionValue).
		Float64("total_reserved", l.reserved).
		Msg("Reservation taken")
	return nil
}

// Release gives back a reservation after a failed or filled placement.
func (l *Ledger) Release(positionValue float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved -= positionValue
	if l.reserved < 0 {
		l.reserved = 0
	}
}

// ApplyFill folds an executed fill into the portfolio. Same-direction adds
// average the entry price; an oversized opposite fill closes the position,
// realizes its P&L and opens a new position on the other side with the excess.
// The position is deleted exactly when its quantity reaches zero.
func (l *Ledger) ApplyFill(symbol string, side broker.OrderSide, price, qty, commission float64, stopLoss, takeProfit float64) (*FillResult, error) {
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("invalid fill for %s: price=%.8f qty=%.8f", symbol, price, qty)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.totalCommission += commission

	fillSide := SideLong
	if side == broker.SideSell {
		fillSide = SideShort
	}

	pos, exists := l.positions[symbol]
	if !exists {
		pos = &Position{
			Symbol:       symbol,
			Side:         fillSide,
			Quantity:     qty,
			EntryPrice:   price,
			CurrentPrice: price,
			StopLoss:     stopLoss,
			TakeProfit:   takeProfit,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		l.positions[symbol] = pos
		l.logger.Info().
			Str("symbol", symbol).
			Str("side", string(fillSide)).
			Float64("quantity", qty).
			Float64("price", price).
			Msg("Position opened")
		return &FillResult{Position: pos}, nil
	}

	if pos.Side == fillSide {
		// Same-direction add: weighted average entry.
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / total
		pos.Quantity = total
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity * pos.direction()
		pos.UpdatedAt = now
		return &FillResult{Position: pos}, nil
	}

	// Opposite-direction fill: reduce, close or reverse.
	closeQty := math.Min(qty, pos.Quantity)
	realized := (price - pos.EntryPrice) * closeQty * pos.direction()
	pos.RealizedPnL += realized
	l.realizedPnL += realized

	result := &FillResult{RealizedPnL: realized}

	switch {
	case qty < pos.Quantity:
		pos.Quantity -= qty
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity * pos.direction()
		pos.UpdatedAt = now
		result.Position = pos

	case qty == pos.Quantity:
		l.closePositionLocked(pos)
		pos.Quantity = 0
		pos.CurrentPrice = price
		pos.UnrealizedPnL = 0
		pos.UpdatedAt = now
		result.Position = pos
		result.Closed = true

	default:
		// Oversized opposite fill: close out, then open the excess on the
		// other side at the fill price. One fill, two book entries.
		l.closePositionLocked(pos)
		excess := qty - closeQty
		fresh := &Position{
			Symbol:       symbol,
			Side:         fillSide,
			Quantity:     excess,
			EntryPrice:   price,
			CurrentPrice: price,
			StopLoss:     stopLoss,
			TakeProfit:   takeProfit,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		l.positions[symbol] = fresh
		result.Closed = true
		result.Reversed = true
		result.Position = fresh
	}

	return result, nil
}

// closePositionLocked removes a position from the book and updates the
// consecutive-loss counter from its total realized P&L.
func (l *Ledger) closePositionLocked(pos *Position) {
	delete(l.positions, pos.Symbol)
	if pos.RealizedPnL < 0 {
		l.consecutiveLosses++
	} else {
		l.consecutiveLosses = 0
	}
	l.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("realized_pnl", pos.RealizedPnL).
		Int("consecutive_losses", l.consecutiveLosses).
		Msg("Position closed")
}

// MarkPrice updates a position's mark price and unrealized P&L.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity * pos.direction()
	pos.UpdatedAt = l.clock()
}

// GetPosition returns a copy of the position in symbol, or nil.
func (l *Ledger) GetPosition(symbol string) *Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// GetPositions returns copies of all open positions.
func (l *Ledger) GetPositions() []*Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// PositionCount returns the number of open positions.
func (l *Ledger) PositionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// TotalExposurePct returns open-position market value plus reservations as a
// fraction of equity.
func (l *Ledger) TotalExposurePct() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposurePctLocked()
}

// TotalPnL returns realized plus unrealized P&L for the session.
func (l *Ledger) TotalPnL() (realized, unrealized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	realized = l.realizedPnL
	for _, pos := range l.positions {
		unrealized += pos.UnrealizedPnL
	}
	return realized, unrealized
}

// TotalCommission returns commissions paid this session.
func (l *Ledger) TotalCommission() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCommission
}

// ConsecutiveLosses returns the current losing streak length.
func (l *Ledger) ConsecutiveLosses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveLosses
}
