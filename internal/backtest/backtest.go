// Package backtest replays historical bars through the live trading pipeline.
// Signals pass through the same risk gate, ledger and execution engine a real
// session uses, so backtest results include the effect of sizing, reservations
// and protective exits rather than idealized fills.
package backtest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-engine/internal/alerts"
	"trading-engine/internal/audit"
	"trading-engine/internal/broker"
	"trading-engine/internal/execution"
	"trading-engine/internal/ledger"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
)

// Bar is one historical candle.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Config controls a single backtest run.
type Config struct {
	Symbol         string      `json:"symbol"`
	InitialBalance float64     `json:"initial_balance"`
	CommissionRate float64     `json:"commission_rate"`
	SlippagePct    float64     `json:"slippage_pct"`
	Limits         risk.Limits `json:"limits"`
	AuditDir       string      `json:"audit_dir,omitempty"` // empty = temp dir
}

// DefaultConfig returns a run configuration matching the paper defaults.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:         symbol,
		InitialBalance: 100_000,
		CommissionRate: 0.001,
		SlippagePct:    0.001,
		Limits:         risk.DefaultLimits(),
	}
}

type closedTrade struct {
	pnl      float64
	openedAt time.Time
	closedAt time.Time
}

// Runner owns one backtest run. It is single-shot: build a new Runner for
// every run so ledger and gate state never leak between experiments.
type Runner struct {
	cfg       Config
	strategy  signal.Strategy
	sessionID string

	sim   *broker.Sim
	book  *ledger.Ledger
	gate  *risk.Gate
	exec  *execution.Engine
	trail *audit.Logger

	logger zerolog.Logger

	now      time.Time
	trades   []closedTrade
	rejected int
}

// NewRunner wires a fresh pipeline around a simulated broker. The audit trail
// is written to cfg.AuditDir and kept after the run for inspection.
func NewRunner(cfg Config, strategy signal.Strategy, logger zerolog.Logger) (*Runner, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("backtest: symbol is required")
	}
	if cfg.InitialBalance <= 0 {
		return nil, fmt.Errorf("backtest: initial balance must be positive, got %.2f", cfg.InitialBalance)
	}
	if strategy == nil {
		return nil, fmt.Errorf("backtest: strategy is required")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	if cfg.AuditDir == "" {
		dir, err := os.MkdirTemp("", "backtest-audit-")
		if err != nil {
			return nil, fmt.Errorf("backtest: create audit dir: %w", err)
		}
		cfg.AuditDir = dir
	}

	log := logger.With().Str("component", "Backtest").Str("symbol", cfg.Symbol).Logger()

	trail, err := audit.NewLogger(cfg.AuditDir, log)
	if err != nil {
		return nil, fmt.Errorf("backtest: audit logger: %w", err)
	}

	sim := broker.NewSim(broker.SimConfig{
		InitialCash:    cfg.InitialBalance,
		CommissionRate: cfg.CommissionRate,
		SlippagePct:    cfg.SlippagePct,
		MarketOpen:     true,
	})
	book := ledger.New(cfg.InitialBalance, cfg.InitialBalance, log)
	gate := risk.NewGate(cfg.Limits, book, time.Hour, log)

	escalator := alerts.NewEscalator(log)
	escalator.SetEnabled(false)

	exec := execution.NewEngine(sim, book, trail, escalator, log)
	exec.SetRetryPolicy(1, time.Millisecond)

	r := &Runner{
		cfg:       cfg,
		strategy:  strategy,
		sessionID: "backtest-" + uuid.New().String(),
		sim:       sim,
		book:      book,
		gate:      gate,
		exec:      exec,
		trail:     trail,
		logger:    log,
	}
	trail.SetSessionID(r.sessionID)
	exec.OnPositionClosed(r.onPositionClosed)

	clock := func() time.Time { return r.now }
	sim.SetClock(clock)
	book.SetClock(clock)
	gate.SetClock(clock)
	trail.SetClock(clock)
	exec.SetClock(clock)
	escalator.SetClock(clock)

	return r, nil
}

// SessionID returns the audit session the run writes under.
func (r *Runner) SessionID() string { return r.sessionID }

// Run replays bars in order and returns the aggregated result. Bars must be
// sorted by time; the runner does not reorder them.
func (r *Runner) Run(ctx context.Context, bars []Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest: no bars")
	}

	r.now = bars[0].Time
	if _, err := r.trail.Log(audit.EventSessionStarted, r.sessionID, map[string]interface{}{
		"mode":     "backtest",
		"symbol":   r.cfg.Symbol,
		"strategy": r.strategy.Name(),
		"bars":     len(bars),
	}); err != nil {
		return nil, fmt.Errorf("backtest: audit unavailable: %w", err)
	}

	lastDay := bars[0].Time.Truncate(24 * time.Hour)
	for i := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := &bars[i]
		r.now = bar.Time

		if day := bar.Time.Truncate(24 * time.Hour); !day.Equal(lastDay) {
			r.book.ResetDayStart()
			lastDay = day
		}

		// Sweeping the price first fills any limit orders left resting
		// on the previous bar, then marks open positions.
		r.sim.SetPrice(r.cfg.Symbol, bar.Close)
		r.book.MarkPrice(r.cfg.Symbol, bar.Close)
		if bar.Volume > 0 {
			r.gate.SetSymbolVolume(r.cfg.Symbol, bar.Volume)
		}
		r.syncAccount(ctx)

		r.checkProtectiveExits(ctx, bar.Close)
		r.generate(ctx, bar)
	}

	final := bars[len(bars)-1]
	cancelled := r.exec.CancelAll(ctx, "backtest_end")
	flattened := r.flatten(ctx)
	r.syncAccount(ctx)

	account, err := r.sim.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("backtest: final account: %w", err)
	}

	result := r.buildResult(bars, account.Equity)
	if _, err := r.trail.Log(audit.EventSessionStopped, r.sessionID, map[string]interface{}{
		"mode":              "backtest",
		"orders_cancelled":  cancelled,
		"positions_flatten": flattened,
		"final_balance":     account.Equity,
		"total_trades":      result.TotalTrades,
	}); err != nil {
		return nil, fmt.Errorf("backtest: audit unavailable: %w", err)
	}

	r.logger.Info().
		Int("bars", len(bars)).
		Int("trades", result.TotalTrades).
		Float64("net_pnl", result.NetPnL).
		Float64("final_price", final.Close).
		Msg("Backtest complete")
	return result, nil
}

func (r *Runner) syncAccount(ctx context.Context) {
	account, err := r.sim.GetAccount(ctx)
	if err != nil {
		return
	}
	r.book.UpdateAccount(account.Equity, account.BuyingPower)
}

func (r *Runner) checkProtectiveExits(ctx context.Context, price float64) {
	for _, pos := range r.book.GetPositions() {
		reason := ""
		switch pos.Side {
		case ledger.SideLong:
			if pos.StopLoss > 0 && price <= pos.StopLoss {
				reason = "stop_loss"
			} else if pos.TakeProfit > 0 && price >= pos.TakeProfit {
				reason = "take_profit"
			}
		case ledger.SideShort:
			if pos.StopLoss > 0 && price >= pos.StopLoss {
				reason = "stop_loss"
			} else if pos.TakeProfit > 0 && price <= pos.TakeProfit {
				reason = "take_profit"
			}
		}
		if reason == "" {
			continue
		}
		sig := &signal.Signal{
			ID:         uuid.New().String(),
			Symbol:     pos.Symbol,
			Action:     signal.ActionClose,
			Confidence: 1.0,
			EntryPrice: price,
			Reasoning:  reason,
			Timestamp:  r.now,
		}
		r.process(ctx, sig)
	}
}

func (r *Runner) generate(ctx context.Context, bar *Bar) {
	held := make(map[string]float64)
	for _, pos := range r.book.GetPositions() {
		qty := pos.Quantity
		if pos.Side == ledger.SideShort {
			qty = -qty
		}
		held[pos.Symbol] = qty
	}

	features := map[string]float64{
		"open":   bar.Open,
		"high":   bar.High,
		"low":    bar.Low,
		"close":  bar.Close,
		"price":  bar.Close,
		"volume": float64(bar.Volume),
	}
	for _, sig := range r.strategy.GenerateSignals(r.cfg.Symbol, features, held) {
		if sig == nil {
			continue
		}
		r.process(ctx, sig)
	}
}

func (r *Runner) process(ctx context.Context, sig *signal.Signal) {
	if err := sig.Validate(); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed signal dropped")
		return
	}
	approval, rejection := r.gate.Validate(sig)
	if rejection != nil {
		r.rejected++
		r.logger.Debug().
			Str("reason", string(rejection.Reason)).
			Str("detail", rejection.Detail).
			Msg("Signal rejected")
		return
	}
	if _, err := r.exec.Place(ctx, approval); err != nil {
		r.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Order placement failed")
	}
}

// flatten closes every position left open after the last bar. The gate is
// re-enabled first so a tripped breaker or daily loss disable cannot strand
// inventory; every close still runs through the execution engine so the
// trade log and ledger stay consistent.
func (r *Runner) flatten(ctx context.Context) int {
	r.gate.ResetCircuitBreaker()
	r.gate.EnableTrading()

	flattened := 0
	for _, pos := range r.book.GetPositions() {
		sig := &signal.Signal{
			ID:         uuid.New().String(),
			Symbol:     pos.Symbol,
			Action:     signal.ActionClose,
			Confidence: 1.0,
			EntryPrice: pos.CurrentPrice,
			Reasoning:  "backtest_end",
			Timestamp:  r.now,
		}
		approval, rejection := r.gate.Validate(sig)
		if rejection != nil {
			r.logger.Error().
				Str("symbol", pos.Symbol).
				Str("reason", string(rejection.Reason)).
				Msg("End-of-run flatten rejected")
			continue
		}
		if _, err := r.exec.Place(ctx, approval); err != nil {
			r.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("End-of-run flatten failed")
			continue
		}
		flattened++
	}
	return flattened
}

func (r *Runner) onPositionClosed(result *ledger.FillResult) {
	pos := result.Position
	r.trades = append(r.trades, closedTrade{
		pnl:      result.RealizedPnL,
		openedAt: pos.OpenedAt,
		closedAt: r.now,
	})
	r.gate.CheckCircuitBreaker()
}
