// Package engine runs the trading loop: it polls market state, asks the
// strategy for signals, pushes every intent through the risk gate and hands
// approvals to the execution engine. All trading state is owned here or by
// the components it holds; there are no package-level globals.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"trading-engine/internal/alerts"
	"trading-engine/internal/audit"
	"trading-engine/internal/broker"
	"trading-engine/internal/execution"
	"trading-engine/internal/ledger"
	"trading-engine/internal/orders"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
	"trading-engine/internal/store"
)

// Config holds trading loop settings.
type Config struct {
	Symbols      []string      `json:"symbols"`
	TickInterval time.Duration `json:"tick_interval"`

	// ArmKeyHash is the bcrypt hash of the confirmation key required to
	// arm live trading. Empty means live trading can never be armed.
	ArmKeyHash string `json:"arm_key_hash"`
}

var (
	ErrSessionOpen    = fmt.Errorf("a session is already open")
	ErrNoSession      = fmt.Errorf("no open session")
	ErrNotArmed       = fmt.Errorf("live trading is not armed")
	ErrBadConfirmKey  = fmt.Errorf("confirmation key rejected")
	ErrNoStrategy     = fmt.Errorf("no strategy configured")
	ErrArmUnavailable = fmt.Errorf("no arm key configured, live trading unavailable")
)

// Engine owns one broker connection and the full decision pipeline.
type Engine struct {
	cfg     Config
	broker  broker.Broker
	book    *ledger.Ledger
	gate    *risk.Gate
	exec    *execution.Engine
	trail   *audit.Logger
	alerter *alerts.Escalator
	mirror  *store.Store // optional
	logger  zerolog.Logger

	mu         sync.RWMutex
	strategy   signal.Strategy
	strategies map[string]signal.Strategy
	session    *Session
	armed      bool
	brokerDown bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	perf performanceLog
}

// New wires an engine. mirror may be nil when PostgreSQL persistence is off.
func New(cfg Config, b broker.Broker, book *ledger.Ledger, gate *risk.Gate, exec *execution.Engine,
	trail *audit.Logger, alerter *alerts.Escalator, mirror *store.Store, logger zerolog.Logger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	e := &Engine{
		cfg:        cfg,
		broker:     b,
		book:       book,
		gate:       gate,
		exec:       exec,
		trail:      trail,
		alerter:    alerter,
		mirror:     mirror,
		logger:     logger.With().Str("component", "Engine").Logger(),
		strategies: make(map[string]signal.Strategy),
	}
	exec.OnPositionClosed(e.onPositionClosed)
	exec.OnTransition(e.onOrderTransition)
	return e
}

// SetStrategy swaps the signal source. Allowed while a session runs; the next
// tick uses the new strategy.
func (e *Engine) SetStrategy(s signal.Strategy) {
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()

	e.auditLog(audit.EventStrategyChanged, map[string]interface{}{
		"strategy_name": s.Name(),
	})
	e.logger.Info().Str("strategy", s.Name()).Msg("Strategy changed")
}

// RegisterStrategy adds a strategy to the registry without activating it.
func (e *Engine) RegisterStrategy(s signal.Strategy) {
	e.mu.Lock()
	e.strategies[s.Name()] = s
	e.mu.Unlock()
}

// SetStrategyByName activates a registered strategy.
func (e *Engine) SetStrategyByName(name string) error {
	e.mu.RLock()
	s, ok := e.strategies[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	e.SetStrategy(s)
	return nil
}

// StrategyNames lists the registered strategies.
func (e *Engine) StrategyNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	return names
}

// Arm enables live order flow after verifying the confirmation key against
// the configured bcrypt hash. Paper sessions never need arming.
func (e *Engine) Arm(confirmationKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.ArmKeyHash == "" {
		return ErrArmUnavailable
	}
	if err := bcrypt.CompareHashAndPassword([]byte(e.cfg.ArmKeyHash), []byte(confirmationKey)); err != nil {
		return ErrBadConfirmKey
	}
	e.armed = true
	e.logger.Warn().Msg("Live trading ARMED")
	return nil
}

// Disarm drops the live-trading authorization. Requires no key; disarming is
// always safe.
func (e *Engine) Disarm() {
	e.mu.Lock()
	e.armed = false
	e.mu.Unlock()
	e.logger.Info().Msg("Live trading disarmed")
}

// Armed reports whether live order flow is authorized.
func (e *Engine) Armed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.armed
}

// StartSession opens a session and launches the trading loop. Live sessions
// require a prior Arm call.
func (e *Engine) StartSession(ctx context.Context, mode Mode) (*Session, error) {
	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return nil, ErrSessionOpen
	}
	if e.strategy == nil {
		e.mu.Unlock()
		return nil, ErrNoStrategy
	}
	if mode == ModeLive && !e.armed {
		e.mu.Unlock()
		return nil, ErrNotArmed
	}
	strategyName := e.strategy.Name()
	e.mu.Unlock()

	if err := e.broker.Connect(ctx); err != nil {
		return nil, fmt.Errorf("broker connect failed: %w", err)
	}

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	e.book.UpdateAccount(account.Equity, account.BuyingPower)
	e.book.ResetDayStart()
	e.perf.reset()

	session := &Session{
		ID:             uuid.New().String(),
		Mode:           mode,
		StrategyName:   strategyName,
		InitialBalance: account.Equity,
		StartedAt:      time.Now(),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.session = session
	e.cancel = cancel
	e.mu.Unlock()

	e.trail.SetSessionID(session.ID)
	if _, err := e.trail.Log(audit.EventSessionStarted, session.ID, map[string]interface{}{
		"mode":            string(mode),
		"strategy_name":   strategyName,
		"initial_balance": account.Equity,
		"symbols":         e.cfg.Symbols,
	}); err != nil {
		// Session start must be on the trail before trading begins.
		cancel()
		e.mu.Lock()
		e.session = nil
		e.cancel = nil
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to audit session start: %w", err)
	}

	if e.mirror != nil {
		if err := e.mirror.SaveSessionStart(ctx, session.ID, string(mode), strategyName, account.Equity, session.StartedAt); err != nil {
			e.logger.Error().Err(err).Msg("Failed to persist session start")
		}
	}

	e.wg.Add(1)
	go e.run(loopCtx)

	e.alerter.Notify(alerts.AlertSession, alerts.LevelInfo,
		"Session started",
		fmt.Sprintf("%s session with strategy %s, balance %.2f", mode, strategyName, account.Equity),
		map[string]interface{}{"session_id": session.ID, "mode": string(mode)})
	e.logger.Info().
		Str("session_id", session.ID).
		Str("mode", string(mode)).
		Str("strategy", strategyName).
		Msg("Session started")
	return session, nil
}

// StopSession halts the loop, cancels working orders and closes out the
// session record. Open positions are kept; use EmergencyStop to flatten.
func (e *Engine) StopSession(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	session := e.session
	cancel := e.cancel
	e.session = nil
	e.cancel = nil
	e.mu.Unlock()

	if session == nil {
		return nil, ErrNoSession
	}

	cancel()
	e.wg.Wait()

	cancelled := e.exec.CancelAll(ctx, "session_stopped")

	snap := e.book.Snapshot()
	session.FinalBalance = snap.Equity
	session.StoppedAt = time.Now()

	e.auditLogSession(audit.EventSessionStopped, session.ID, map[string]interface{}{
		"final_balance":    snap.Equity,
		"orders_cancelled": cancelled,
		"open_positions":   snap.PositionCount,
	})
	if e.mirror != nil {
		if err := e.mirror.SaveSessionStop(ctx, session.ID, snap.Equity, session.StoppedAt); err != nil {
			e.logger.Error().Err(err).Msg("Failed to persist session stop")
		}
	}

	if err := e.broker.Disconnect(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Broker disconnect failed")
	}

	e.alerter.Notify(alerts.AlertSession, alerts.LevelInfo,
		"Session stopped",
		fmt.Sprintf("Final balance %.2f (started at %.2f)", session.FinalBalance, session.InitialBalance),
		map[string]interface{}{"session_id": session.ID})
	e.logger.Info().Str("session_id", session.ID).Msg("Session stopped")
	return session, nil
}

// Session returns a copy of the open session, or nil.
func (e *Engine) Session() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil
	}
	cp := *e.session
	return &cp
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick is one pass of the loop: refresh marks, enforce protective exits, then
// ask the strategy for new signals.
func (e *Engine) tick(ctx context.Context) {
	open, err := e.broker.IsMarketOpen(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Market hours check failed")
		// Alert once per outage, not once per tick.
		e.mu.Lock()
		down := e.brokerDown
		e.brokerDown = true
		e.mu.Unlock()
		if !down {
			e.alerter.ConnectionLost(err)
		}
		return
	}
	e.mu.Lock()
	e.brokerDown = false
	e.mu.Unlock()
	if !open {
		return
	}

	prices := e.refreshMarks(ctx)

	if account, err := e.broker.GetAccount(ctx); err == nil {
		e.book.UpdateAccount(account.Equity, account.BuyingPower)
	} else {
		e.logger.Warn().Err(err).Msg("Account refresh failed")
	}

	e.checkProtectiveExits(ctx, prices)
	e.generateAndExecute(ctx, prices)
	e.snapshotPositions(ctx)
}

func (e *Engine) refreshMarks(ctx context.Context) map[string]float64 {
	prices := make(map[string]float64, len(e.cfg.Symbols))
	for _, symbol := range e.cfg.Symbols {
		price, err := e.broker.GetLatestPrice(ctx, symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Price fetch failed")
			continue
		}
		prices[symbol] = price
		e.book.MarkPrice(symbol, price)
	}
	return prices
}

// checkProtectiveExits closes any position whose stop loss or take profit
// level has been crossed. Exits go through the normal gate path, which always
// admits closes.
func (e *Engine) checkProtectiveExits(ctx context.Context, prices map[string]float64) {
	for _, pos := range e.book.GetPositions() {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}

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

		e.logger.Info().
			Str("symbol", pos.Symbol).
			Str("reason", reason).
			Float64("price", price).
			Msg("Protective exit triggered")

		sig := &signal.Signal{
			ID:         uuid.New().String(),
			Symbol:     pos.Symbol,
			Action:     signal.ActionClose,
			Confidence: 1.0,
			EntryPrice: price,
			Reasoning:  reason,
			Timestamp:  time.Now(),
		}
		e.processSignal(ctx, sig)
	}
}

func (e *Engine) generateAndExecute(ctx context.Context, prices map[string]float64) {
	e.mu.RLock()
	strat := e.strategy
	e.mu.RUnlock()
	if strat == nil {
		return
	}

	held := make(map[string]float64)
	for _, pos := range e.book.GetPositions() {
		qty := pos.Quantity
		if pos.Side == ledger.SideShort {
			qty = -qty
		}
		held[pos.Symbol] = qty
	}

	for _, symbol := range e.cfg.Symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		features := map[string]float64{"price": price}
		for _, sig := range strat.GenerateSignals(symbol, features, held) {
			if sig == nil {
				continue
			}
			e.processSignal(ctx, sig)
		}
	}
}

// processSignal runs one signal through audit, gate and execution.
func (e *Engine) processSignal(ctx context.Context, sig *signal.Signal) {
	if err := sig.Validate(); err != nil {
		e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Malformed signal dropped")
		return
	}

	e.auditLog(audit.EventSignalGenerated, map[string]interface{}{
		"signal_id":   sig.ID,
		"symbol":      sig.Symbol,
		"action":      string(sig.Action),
		"confidence":  sig.Confidence,
		"entry_price": sig.EntryPrice,
		"stop_loss":   sig.StopLoss,
		"take_profit": sig.TakeProfit,
		"strategy":    sig.StrategyName,
	})

	approval, rejection := e.gate.Validate(sig)
	if rejection != nil {
		e.auditLog(audit.EventSignalRejected, map[string]interface{}{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    string(rejection.Reason),
			"detail":    rejection.Detail,
		})
		if rejection.Reason == risk.ReasonDailyLossLimitHit {
			// The hard stop gets its own critical alert, not a generic
			// rejection warning.
			snap := e.book.Snapshot()
			e.alerter.DailyLossLimit(snap.DailyPnLPct, e.gate.GetLimits().DailyLossLimitPct)
		} else {
			e.alerter.OrderRejected(sig.Symbol, string(rejection.Reason), rejection.Detail)
		}
		return
	}

	if _, err := e.exec.Place(ctx, approval); err != nil {
		e.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Order placement failed")
	}
}

// PlaceManualOrder submits an operator-entered signal through the same gate
// and execution path as strategy signals. Manual flow gets no risk bypass.
func (e *Engine) PlaceManualOrder(ctx context.Context, sig *signal.Signal) error {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session == nil {
		return ErrNoSession
	}

	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	sig.StrategyName = "manual"

	if err := sig.Validate(); err != nil {
		return err
	}

	e.auditLog(audit.EventSignalGenerated, map[string]interface{}{
		"signal_id": sig.ID,
		"symbol":    sig.Symbol,
		"action":    string(sig.Action),
		"strategy":  "manual",
	})

	approval, rejection := e.gate.Validate(sig)
	if rejection != nil {
		e.auditLog(audit.EventSignalRejected, map[string]interface{}{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    string(rejection.Reason),
			"detail":    rejection.Detail,
		})
		return fmt.Errorf("order rejected: %s (%s)", rejection.Reason, rejection.Detail)
	}

	_, err := e.exec.Place(ctx, approval)
	return err
}

// EmergencyStop cancels every working order and flattens every position with
// direct market orders, bypassing the gate. Trading is disabled afterwards
// and stays disabled until an operator re-enables it. The stop itself is
// audited and alerted like any other event.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.gate.DisableTrading()
	e.Disarm()

	cancelled := e.exec.CancelAll(ctx, "emergency_stop")

	// Flattens bypass the gate but still go through the execution engine:
	// fills must reach the ledger, and every close is audited and tracked
	// like any other order.
	positions := e.book.GetPositions()
	flattened := 0
	for _, pos := range positions {
		side := broker.SideSell
		if pos.Side == ledger.SideShort {
			side = broker.SideBuy
		}
		approval := &risk.Approval{
			Intent: risk.OrderIntent{
				SignalID:     uuid.New().String(),
				Symbol:       pos.Symbol,
				Side:         side,
				Type:         broker.TypeMarket,
				Quantity:     pos.Quantity,
				StrategyName: "emergency_stop",
				Reasoning:    reason,
			},
			IsClose: true,
		}
		if _, err := e.exec.Place(ctx, approval); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Emergency flatten failed")
			continue
		}
		flattened++
	}

	e.auditLog(audit.EventEmergencyStop, map[string]interface{}{
		"reason":            reason,
		"orders_cancelled":  cancelled,
		"positions_flatten": flattened,
	})
	e.alerter.EmergencyStop(reason, flattened)
	e.logger.Error().
		Str("reason", reason).
		Int("orders_cancelled", cancelled).
		Int("positions_flattened", flattened).
		Msg("EMERGENCY STOP executed")

	if flattened < len(positions) {
		return fmt.Errorf("emergency stop flattened %d of %d positions", flattened, len(positions))
	}
	return nil
}

// onPositionClosed runs after every full position close: records the trade
// for metrics and runs the circuit breaker check.
func (e *Engine) onPositionClosed(result *ledger.FillResult) {
	symbol := ""
	if result.Position != nil {
		symbol = result.Position.Symbol
	}
	e.perf.record(symbol, result.RealizedPnL, time.Now())

	if e.gate.CheckCircuitBreaker() {
		e.alerter.CircuitBreakerTripped(e.book.ConsecutiveLosses())
	}
}

// onOrderTransition mirrors one durability row per order lifecycle change.
// The in-memory state is authoritative; a store failure only loses the row.
func (e *Engine) onOrderTransition(order *orders.Order) {
	if e.mirror == nil {
		return
	}
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.mirror.SaveOrderTransition(ctx, session.ID, order); err != nil {
		e.logger.Error().Err(err).
			Str("client_order_id", order.ClientOrderID).
			Str("status", string(order.Status)).
			Msg("Order transition not mirrored")
	}
}

func (e *Engine) snapshotPositions(ctx context.Context) {
	if e.mirror == nil {
		return
	}
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session == nil {
		return
	}
	for _, pos := range e.book.GetPositions() {
		if err := e.mirror.SavePositionSnapshot(ctx, session.ID, pos); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Position snapshot failed")
		}
	}
}

// GetStatus returns the operator status payload.
func (e *Engine) GetStatus() map[string]interface{} {
	snap := e.book.Snapshot()

	e.mu.RLock()
	session := e.session
	armed := e.armed
	strategyName := ""
	if e.strategy != nil {
		strategyName = e.strategy.Name()
	}
	e.mu.RUnlock()

	status := map[string]interface{}{
		"running":            session != nil,
		"armed":              armed,
		"strategy":           strategyName,
		"equity":             snap.Equity,
		"buying_power":       snap.BuyingPower,
		"position_count":     snap.PositionCount,
		"total_exposure_pct": snap.TotalExposurePct,
		"daily_pnl_pct":      snap.DailyPnLPct,
		"consecutive_losses": snap.ConsecutiveLosses,
		"risk":               e.gate.Status(),
	}
	if session != nil {
		status["session"] = map[string]interface{}{
			"id":              session.ID,
			"mode":            string(session.Mode),
			"started_at":      session.StartedAt,
			"initial_balance": session.InitialBalance,
		}
	}
	return status
}

// GetPerformanceMetrics returns closed-trade statistics for the session.
func (e *Engine) GetPerformanceMetrics() Metrics {
	return e.perf.metrics()
}

func (e *Engine) auditLog(eventType audit.EventType, data map[string]interface{}) {
	if _, err := e.trail.Log(eventType, "", data); err != nil {
		e.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Audit write failed")
	}
}

func (e *Engine) auditLogSession(eventType audit.EventType, sessionID string, data map[string]interface{}) {
	if _, err := e.trail.Log(eventType, sessionID, data); err != nil {
		e.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Audit write failed")
	}
}
