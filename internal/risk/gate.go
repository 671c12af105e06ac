// Package risk implements the policy gate every signal must pass before it can
// become an order. This is a non-negotiable safety layer: nothing reaches the
// broker without an approval from here, except the emergency-stop path.
package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/broker"
	"trading-engine/internal/ledger"
	"trading-engine/internal/signal"
)

// RejectionReason identifies which rule rejected a signal. Checks run in a
// fixed order, so the first violated rule determines the reason.
type RejectionReason string

const (
	ReasonInsufficientBalance   RejectionReason = "insufficient_balance"
	ReasonPositionSizeExceeded  RejectionReason = "position_size_exceeded"
	ReasonTotalExposureExceeded RejectionReason = "total_exposure_exceeded"
	ReasonDailyLossLimitHit     RejectionReason = "daily_loss_limit_hit"
	ReasonMaxPositionsReached   RejectionReason = "max_positions_reached"
	ReasonLiquidityTooLow       RejectionReason = "liquidity_too_low"
	ReasonCircuitBreakerActive  RejectionReason = "circuit_breaker_active"
	ReasonTradingDisabled       RejectionReason = "trading_disabled"
	ReasonMissingStopLoss       RejectionReason = "missing_stop_loss"
	ReasonMarketClosed          RejectionReason = "market_closed"
	ReasonSymbolNotAllowed      RejectionReason = "symbol_not_allowed"
)

// OrderIntent is an approved, fully sized instruction ready for the execution
// engine.
type OrderIntent struct {
	SignalID     string           `json:"signal_id"`
	Symbol       string           `json:"symbol"`
	Side         broker.OrderSide `json:"side"`
	Type         broker.OrderType `json:"type"`
	Quantity     float64          `json:"quantity"`
	LimitPrice   float64          `json:"limit_price,omitempty"`
	StopLoss     float64          `json:"stop_loss,omitempty"`
	TakeProfit   float64          `json:"take_profit,omitempty"`
	StrategyName string           `json:"strategy_name,omitempty"`
	Reasoning    string           `json:"reasoning,omitempty"`
}

// Approval is the gate's yes. PositionValue is the notional reserved against
// the ledger; the execution engine must Release it once the order settles or
// fails. Close approvals reserve nothing.
type Approval struct {
	Intent        OrderIntent
	PositionValue float64
	IsClose       bool
}

// Rejection is the gate's no, always with a typed reason. It is a value, not
// an error: rejections are expected policy outcomes.
type Rejection struct {
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail"`
}

type volumeEntry struct {
	avgVolume int64
	asOf      time.Time
}

// Gate validates signals against the risk limits and a ledger snapshot, and
// owns the session's trading-enabled flag and circuit breaker. Both flags are
// sticky: once cleared or tripped they require explicit operator action.
type Gate struct {
	mu     sync.Mutex
	limits Limits
	book   *ledger.Ledger

	tradingEnabled       bool
	circuitBreakerActive bool

	volumes         map[string]volumeEntry
	volumeStaleness time.Duration

	logger zerolog.Logger
	clock  func() time.Time
}

// NewGate creates a gate with trading enabled and the breaker closed.
// volumeStaleness bounds how old injected average-volume data may be before
// the liquidity check treats it as unknown; zero disables the staleness check.
func NewGate(limits Limits, book *ledger.Ledger, volumeStaleness time.Duration, logger zerolog.Logger) *Gate {
	return &Gate{
		limits:          limits,
		book:            book,
		tradingEnabled:  true,
		volumes:         make(map[string]volumeEntry),
		volumeStaleness: volumeStaleness,
		logger:          logger.With().Str("component", "RiskGate").Logger(),
		clock:           time.Now,
	}
}

// SetClock replaces the gate clock, used by backtests.
func (g *Gate) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// Validate checks a signal against the limits in a fixed order and, on
// approval of a new entry, takes a capital/exposure reservation against the
// ledger. The reservation commit re-checks position count, buying power and
// exposure atomically, so two signals validated back-to-back cannot both pass
// the same exposure headroom.
func (g *Gate) Validate(sig *signal.Signal) (*Approval, *Rejection) {
	g.mu.Lock()
	limits := g.limits
	enabled := g.tradingEnabled
	breaker := g.circuitBreakerActive
	g.mu.Unlock()

	if !enabled {
		return nil, g.reject(sig, ReasonTradingDisabled, "trading is disabled for this session")
	}
	if breaker {
		return nil, g.reject(sig, ReasonCircuitBreakerActive, "circuit breaker is active")
	}

	if sig.Action == signal.ActionClose {
		return g.validateClose(sig)
	}

	if !limits.symbolAllowed(sig.Symbol) {
		return nil, g.reject(sig, ReasonSymbolNotAllowed, sig.Symbol+" is not in the allowed symbols list")
	}

	snap := g.book.Snapshot()

	if snap.DailyPnLPct <= -limits.DailyLossLimitPct {
		// Hard stop for the rest of the session, not auto-recovering.
		g.DisableTrading()
		g.logger.Error().
			Float64("daily_pnl_pct", snap.DailyPnLPct).
			Float64("limit_pct", limits.DailyLossLimitPct).
			Msg("Daily loss limit hit, trading disabled")
		return nil, g.reject(sig, ReasonDailyLossLimitHit, "daily loss limit breached")
	}

	if snap.PositionCount >= limits.MaxPositions || snap.Symbols[sig.Symbol] {
		return nil, g.reject(sig, ReasonMaxPositionsReached, "max positions reached or symbol already held")
	}

	if limits.RequiredStopLoss && sig.StopLoss == 0 {
		return nil, g.reject(sig, ReasonMissingStopLoss, "signal has no stop loss")
	}

	if sig.SizePct > limits.MaxPositionSizePct {
		return nil, g.reject(sig, ReasonPositionSizeExceeded, "signal size exceeds max position size")
	}

	positionValue := snap.Equity * limits.MaxPositionSizePct * sig.SizePct
	if sig.EntryPrice <= 0 {
		return nil, g.reject(sig, ReasonInsufficientBalance, "invalid entry price")
	}
	quantity := positionValue / sig.EntryPrice
	if positionValue > snap.BuyingPower {
		return nil, g.reject(sig, ReasonInsufficientBalance, "position value exceeds buying power")
	}

	if snap.Equity > 0 && snap.TotalExposurePct+positionValue/snap.Equity > limits.MaxTotalExposurePct {
		return nil, g.reject(sig, ReasonTotalExposureExceeded, "total exposure would exceed limit")
	}

	if avg, known := g.avgVolume(sig.Symbol); known && avg < limits.MinAvgVolume {
		return nil, g.reject(sig, ReasonLiquidityTooLow, "average volume below minimum")
	}

	// A too-tight stop loss is widened to the minimum distance instead of
	// being rejected. Asymmetric on purpose: it matches live behavior.
	stopLoss := sig.StopLoss
	if stopLoss > 0 {
		distance := abs(stopLoss-sig.EntryPrice) / sig.EntryPrice
		if distance < limits.MinStopLossPct {
			if sig.Action == signal.ActionBuy {
				stopLoss = sig.EntryPrice * (1 - limits.MinStopLossPct)
			} else {
				stopLoss = sig.EntryPrice * (1 + limits.MinStopLossPct)
			}
			g.logger.Info().
				Str("symbol", sig.Symbol).
				Float64("stop_loss", stopLoss).
				Msg("Stop loss widened to minimum distance")
		}
	}

	// Commit point: atomic re-check plus reservation.
	if err := g.book.TryReserve(sig.Symbol, positionValue, limits.MaxTotalExposurePct, limits.MaxPositions); err != nil {
		switch {
		case errors.Is(err, ledger.ErrMaxPositions), errors.Is(err, ledger.ErrPositionExists):
			return nil, g.reject(sig, ReasonMaxPositionsReached, err.Error())
		case errors.Is(err, ledger.ErrBuyingPower):
			return nil, g.reject(sig, ReasonInsufficientBalance, err.Error())
		default:
			return nil, g.reject(sig, ReasonTotalExposureExceeded, err.Error())
		}
	}

	side := broker.SideBuy
	if sig.Action == signal.ActionSell {
		side = broker.SideSell
	}

	g.logger.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Float64("entry_price", sig.EntryPrice).
		Float64("position_value", positionValue).
		Msg("Signal approved")

	return &Approval{
		Intent: OrderIntent{
			SignalID:     sig.ID,
			Symbol:       sig.Symbol,
			Side:         side,
			Type:         broker.TypeLimit,
			Quantity:     quantity,
			LimitPrice:   sig.EntryPrice,
			StopLoss:     stopLoss,
			TakeProfit:   sig.TakeProfit,
			StrategyName: sig.StrategyName,
			Reasoning:    sig.Reasoning,
		},
		PositionValue: positionValue,
	}, nil
}

// validateClose approves a close for an existing position, bypassing the
// sizing and exposure checks: reducing risk is never itself gated by limits.
func (g *Gate) validateClose(sig *signal.Signal) (*Approval, *Rejection) {
	pos := g.book.GetPosition(sig.Symbol)
	if pos == nil {
		// No dedicated "no position" reason; the live system reuses this one.
		return nil, g.reject(sig, ReasonMaxPositionsReached, "no open position in "+sig.Symbol)
	}

	side := broker.SideSell
	if pos.Side == ledger.SideShort {
		side = broker.SideBuy
	}

	g.logger.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Float64("quantity", pos.Quantity).
		Msg("Close signal approved")

	return &Approval{
		Intent: OrderIntent{
			SignalID:     sig.ID,
			Symbol:       sig.Symbol,
			Side:         side,
			Type:         broker.TypeMarket, // closes take the market for speed
			Quantity:     pos.Quantity,
			StrategyName: sig.StrategyName,
			Reasoning:    sig.Reasoning,
		},
		IsClose: true,
	}, nil
}

func (g *Gate) reject(sig *signal.Signal, reason RejectionReason, detail string) *Rejection {
	g.logger.Warn().
		Str("symbol", sig.Symbol).
		Str("strategy", sig.StrategyName).
		Str("reason", string(reason)).
		Str("detail", detail).
		Msg("Signal rejected")
	return &Rejection{Reason: reason, Detail: detail}
}

// CheckCircuitBreaker trips the breaker when the ledger's losing streak
// reaches the configured threshold. Once tripped it stays tripped until
// ResetCircuitBreaker: a later winning trade does not clear it.
func (g *Gate) CheckCircuitBreaker() bool {
	losses := g.book.ConsecutiveLosses()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.circuitBreakerActive && losses >= g.limits.CircuitBreakerLosses {
		g.circuitBreakerActive = true
		g.logger.Error().
			Int("consecutive_losses", losses).
			Int("threshold", g.limits.CircuitBreakerLosses).
			Msg("Circuit breaker tripped")
	}
	return g.circuitBreakerActive
}

// ResetCircuitBreaker clears the breaker. Operator action only.
func (g *Gate) ResetCircuitBreaker() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.circuitBreakerActive = false
	g.logger.Info().Msg("Circuit breaker reset by operator")
}

// CircuitBreakerActive reports the breaker state.
func (g *Gate) CircuitBreakerActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.circuitBreakerActive
}

// EnableTrading re-enables the gate. Operator action only.
func (g *Gate) EnableTrading() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradingEnabled = true
	g.logger.Info().Msg("Trading enabled")
}

// DisableTrading stops all new entries for the rest of the session.
func (g *Gate) DisableTrading() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tradingEnabled = false
	g.logger.Warn().Msg("Trading disabled")
}

// TradingEnabled reports the trading flag.
func (g *Gate) TradingEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tradingEnabled
}

// SetSymbolVolume injects average-volume data for the liquidity check.
// Volume arrives out of band from a market-data feed; entries older than the
// staleness window revert to unknown, and unknown volume passes the check.
func (g *Gate) SetSymbolVolume(symbol string, avgVolume int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volumes[symbol] = volumeEntry{avgVolume: avgVolume, asOf: g.clock()}
}

func (g *Gate) avgVolume(symbol string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.volumes[symbol]
	if !ok {
		return 0, false
	}
	if g.volumeStaleness > 0 && g.clock().Sub(entry.asOf) > g.volumeStaleness {
		return 0, false
	}
	return entry.avgVolume, true
}

// UpdateLimits replaces the risk limits. Operator action only.
func (g *Gate) UpdateLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits
	g.logger.Info().Msg("Risk limits updated by operator")
}

// GetLimits returns the current limits.
func (g *Gate) GetLimits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// Status reports the gate state for the presentation layer.
func (g *Gate) Status() map[string]interface{} {
	snap := g.book.Snapshot()

	g.mu.Lock()
	defer g.mu.Unlock()

	return map[string]interface{}{
		"trading_enabled":        g.tradingEnabled,
		"circuit_breaker_active": g.circuitBreakerActive,
		"current_exposure_pct":   snap.TotalExposurePct,
		"open_positions":         snap.PositionCount,
		"daily_pnl_pct":          snap.DailyPnLPct,
		"consecutive_losses":     snap.ConsecutiveLosses,
		"limits":                 g.limits,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
