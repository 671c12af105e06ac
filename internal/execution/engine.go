// Package execution turns gate approvals into broker orders and keeps the
// order book, the ledger and the audit trail consistent while fills arrive.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-engine/internal/alerts"
	"trading-engine/internal/audit"
	"trading-engine/internal/broker"
	"trading-engine/internal/ledger"
	"trading-engine/internal/orders"
	"trading-engine/internal/risk"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// trackedOrder pairs an order with its own lock and the notional still held
// against the ledger. Fill and cancel processing for one order is serialized
// on this lock; different orders proceed concurrently.
type trackedOrder struct {
	mu       sync.Mutex
	order    *orders.Order
	reserved float64
}

// PositionClosedFunc is called after a fill fully closes a position. The
// trading engine uses it to run the circuit breaker check.
type PositionClosedFunc func(result *ledger.FillResult)

// TransitionFunc receives a copy of an order after each lifecycle transition.
// The trading engine uses it to mirror one durability row per transition.
type TransitionFunc func(order *orders.Order)

// Engine places approved orders, applies fills to the ledger and releases
// reservations when orders settle or die.
type Engine struct {
	broker  broker.Broker
	book    *ledger.Ledger
	trail   *audit.Logger
	alerter *alerts.Escalator
	logger  zerolog.Logger
	clock   func() time.Time

	maxAttempts  int
	retryBackoff time.Duration

	mu         sync.RWMutex
	byClientID map[string]*trackedOrder
	byBrokerID map[string]string
	staleness  *StaleOrderTracker

	onPositionClosed PositionClosedFunc
	onTransition     TransitionFunc
}

// NewEngine creates an execution engine. trail and alerter must not be nil;
// every order outcome is audited.
func NewEngine(b broker.Broker, book *ledger.Ledger, trail *audit.Logger, alerter *alerts.Escalator, logger zerolog.Logger) *Engine {
	e := &Engine{
		broker:       b,
		book:         book,
		trail:        trail,
		alerter:      alerter,
		logger:       logger.With().Str("component", "Execution").Logger(),
		clock:        time.Now,
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		byClientID:   make(map[string]*trackedOrder),
		byBrokerID:   make(map[string]string),
	}
	if streamer, ok := b.(broker.FillStreamer); ok {
		streamer.OnFill(e.HandleFill)
	}
	return e
}

// SetClock replaces the engine clock, used by backtests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// SetRetryPolicy overrides placement retry behavior.
func (e *Engine) SetRetryPolicy(maxAttempts int, backoff time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		e.retryBackoff = backoff
	}
}

// SetStaleOrderTracker attaches the Redis timeout tracker. Resting limit
// orders are tracked after submission and cancelled when they time out.
func (e *Engine) SetStaleOrderTracker(t *StaleOrderTracker) {
	e.mu.Lock()
	e.staleness = t
	e.mu.Unlock()
	t.SetCancelFunc(func(clientOrderID string) error {
		return e.Cancel(context.Background(), clientOrderID, "timeout")
	})
}

// OnPositionClosed registers the hook fired after each full position close.
func (e *Engine) OnPositionClosed(fn PositionClosedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPositionClosed = fn
}

// OnTransition registers the hook fired after every order status change.
func (e *Engine) OnTransition(fn TransitionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransition = fn
}

func (e *Engine) notifyTransition(snapshot orders.Order) {
	e.mu.RLock()
	hook := e.onTransition
	e.mu.RUnlock()
	if hook != nil {
		hook(&snapshot)
	}
}

// Place submits an approved order to the broker. The order is audited before
// any broker I/O; connection errors are retried with exponential backoff, and
// an order that exhausts its attempts is rejected and its reservation
// released. Returns the order record in its post-placement state.
func (e *Engine) Place(ctx context.Context, approval *risk.Approval) (*orders.Order, error) {
	e.mu.RLock()
	now := e.clock()
	maxAttempts := e.maxAttempts
	backoff := e.retryBackoff
	e.mu.RUnlock()

	intent := approval.Intent
	order := &orders.Order{
		ClientOrderID: uuid.New().String(),
		SignalID:      intent.SignalID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		LimitPrice:    intent.LimitPrice,
		StopLoss:      intent.StopLoss,
		TakeProfit:    intent.TakeProfit,
		Status:        orders.StatusPending,
		StrategyName:  intent.StrategyName,
		Reasoning:     intent.Reasoning,
		CreatedAt:     now,
	}

	tracked := &trackedOrder{order: order, reserved: approval.PositionValue}
	e.mu.Lock()
	e.byClientID[order.ClientOrderID] = tracked
	e.mu.Unlock()

	// The intent is on the trail before the broker can act on it. A crash
	// between here and the ack leaves a traceable pending record, never an
	// unexplained broker order.
	e.audit(audit.EventOrderPlaced, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"signal_id":       order.SignalID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"type":            string(order.Type),
		"quantity":        order.Quantity,
		"limit_price":     order.LimitPrice,
		"stop_loss":       order.StopLoss,
		"take_profit":     order.TakeProfit,
	})
	e.notifyTransition(*order)

	req := &broker.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		TimeInForce:   broker.TIFDay,
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: order.ClientOrderID,
	}

	var ack *broker.OrderAck
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ack, err = e.broker.PlaceOrder(ctx, req)
		if err == nil {
			break
		}
		if broker.IsTerminalOrderError(err) {
			e.logger.Error().
				Err(err).
				Str("client_order_id", order.ClientOrderID).
				Msg("Broker refused order, not retrying")
			break
		}
		if !broker.IsRetryable(err) {
			break
		}
		e.logger.Warn().
			Err(err).
			Str("client_order_id", order.ClientOrderID).
			Int("attempt", attempt).
			Msg("Order placement failed, retrying")
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(backoff * time.Duration(1<<(attempt-1))):
			continue
		}
		break
	}

	if err != nil {
		e.rejectPlacement(tracked, err)
		return order, fmt.Errorf("failed to place order for %s: %w", intent.Symbol, err)
	}

	tracked.mu.Lock()
	order.OrderID = ack.OrderID
	order.SubmittedAt = ack.SubmittedAt
	if order.SubmittedAt.IsZero() {
		order.SubmittedAt = e.now()
	}
	// A synchronous fill during the placement call may already have advanced
	// the order past pending.
	submitted := false
	if order.Status == orders.StatusPending {
		if terr := order.Transition(orders.StatusSubmitted, order.SubmittedAt); terr != nil {
			tracked.mu.Unlock()
			return order, terr
		}
		submitted = true
	}
	snap := *order
	tracked.mu.Unlock()
	if submitted {
		e.notifyTransition(snap)
	}

	e.mu.Lock()
	e.byBrokerID[ack.OrderID] = order.ClientOrderID
	staleness := e.staleness
	e.mu.Unlock()

	tracked.mu.Lock()
	resting := !order.Status.IsTerminal()
	tracked.mu.Unlock()

	if staleness != nil && resting && order.Type == broker.TypeLimit {
		if terr := staleness.Track(ctx, PendingOrderInfo{
			ClientOrderID: order.ClientOrderID,
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Side:          string(order.Side),
			Type:          string(order.Type),
			Price:         order.LimitPrice,
			Quantity:      order.Quantity,
			PlacedAt:      order.SubmittedAt,
		}); terr != nil {
			e.logger.Warn().Err(terr).
				Str("client_order_id", order.ClientOrderID).
				Msg("Stale-order tracking unavailable")
		}
	}

	e.logger.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Msg("Order submitted")
	return order, nil
}

func (e *Engine) rejectPlacement(tracked *trackedOrder, cause error) {
	tracked.mu.Lock()
	order := tracked.order
	now := e.now()
	if order.Status == orders.StatusPending {
		_ = order.Transition(orders.StatusRejected, now)
	}
	order.CancelReason = cause.Error()
	reserved := tracked.reserved
	tracked.reserved = 0
	snap := *order
	tracked.mu.Unlock()

	if reserved > 0 {
		e.book.Release(reserved)
	}
	e.audit(audit.EventOrderRejected, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"error":           cause.Error(),
	})
	e.notifyTransition(snap)
	e.alerter.OrderFailed(order.Symbol, order.ClientOrderID, cause)
}

// HandleFill applies one broker fill report. Processing for a single order is
// serialized; the ledger update and the reservation release happen before the
// position-closed hook fires.
func (e *Engine) HandleFill(fill *broker.Fill) {
	tracked := e.lookupByBrokerID(fill.OrderID)
	if tracked == nil && fill.ClientOrderID != "" {
		// Synchronous brokers can report a fill before the placement call
		// returns; the client id is indexed before any broker I/O.
		tracked = e.lookup(fill.ClientOrderID)
	}
	if tracked == nil {
		e.logger.Warn().
			Str("order_id", fill.OrderID).
			Str("symbol", fill.Symbol).
			Msg("Fill for unknown order dropped")
		return
	}

	tracked.mu.Lock()
	order := tracked.order
	if order.Status.IsTerminal() {
		tracked.mu.Unlock()
		e.logger.Warn().
			Str("client_order_id", order.ClientOrderID).
			Str("status", string(order.Status)).
			Msg("Fill after terminal status dropped")
		return
	}

	promoted := false
	if order.Status == orders.StatusPending {
		// A fill implies the broker accepted the order even if the ack is
		// still in flight.
		if err := order.Transition(orders.StatusSubmitted, fill.Timestamp); err != nil {
			tracked.mu.Unlock()
			e.logger.Error().Err(err).
				Str("client_order_id", order.ClientOrderID).
				Msg("Invalid fill transition")
			return
		}
		promoted = true
	}
	afterPromote := *order

	if err := order.RecordFill(fill.Price, fill.Quantity, fill.Commission, fill.Timestamp); err != nil {
		tracked.mu.Unlock()
		e.logger.Error().Err(err).
			Str("client_order_id", order.ClientOrderID).
			Msg("Fill rejected by order record")
		return
	}

	// RecordFill advanced the status to partially_filled or filled.
	next := order.Status

	// Shrink the reservation in step with the fill; the filled part now
	// counts as real exposure in the ledger.
	var release float64
	if tracked.reserved > 0 && order.Quantity > 0 {
		release = tracked.reserved * (fill.Quantity / order.Quantity)
		if next == orders.StatusFilled || release > tracked.reserved {
			release = tracked.reserved
		}
		tracked.reserved -= release
	}
	stopLoss, takeProfit := order.StopLoss, order.TakeProfit
	afterFill := *order
	tracked.mu.Unlock()

	if promoted {
		e.notifyTransition(afterPromote)
	}
	e.notifyTransition(afterFill)

	result, err := e.book.ApplyFill(fill.Symbol, fill.Side, fill.Price, fill.Quantity, fill.Commission, stopLoss, takeProfit)
	if release > 0 {
		e.book.Release(release)
	}
	if next == orders.StatusFilled {
		e.untrackStale(order.Symbol, order.ClientOrderID)
	}
	if err != nil {
		e.logger.Error().Err(err).
			Str("symbol", fill.Symbol).
			Msg("Ledger rejected fill")
		return
	}

	e.audit(audit.EventOrderFilled, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"order_id":        fill.OrderID,
		"symbol":          fill.Symbol,
		"side":            string(fill.Side),
		"price":           fill.Price,
		"quantity":        fill.Quantity,
		"commission":      fill.Commission,
		"partial":         next == orders.StatusPartiallyFilled,
	})

	if result.Closed {
		e.audit(audit.EventPositionClosed, map[string]interface{}{
			"symbol":       fill.Symbol,
			"realized_pnl": result.RealizedPnL,
			"reversed":     result.Reversed,
		})
		pnlPct := 0.0
		if v := fill.Price * fill.Quantity; v > 0 {
			pnlPct = result.RealizedPnL / v
		}
		e.alerter.PositionClosed(fill.Symbol, result.RealizedPnL, pnlPct)

		e.mu.RLock()
		hook := e.onPositionClosed
		e.mu.RUnlock()
		if hook != nil {
			hook(result)
		}
	} else if result.Position != nil && !result.Reversed {
		e.audit(audit.EventPositionOpened, map[string]interface{}{
			"symbol":      fill.Symbol,
			"side":        string(result.Position.Side),
			"quantity":    result.Position.Quantity,
			"entry_price": result.Position.EntryPrice,
		})
	}
}

// Cancel asks the broker to cancel a working order. Quantity already filled
// stays filled; only the remainder is cancelled and its reservation released.
func (e *Engine) Cancel(ctx context.Context, clientOrderID, reason string) error {
	tracked := e.lookup(clientOrderID)
	if tracked == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}

	tracked.mu.Lock()
	order := tracked.order
	if order.Status.IsTerminal() {
		tracked.mu.Unlock()
		return fmt.Errorf("order %s already %s: %w", clientOrderID, order.Status, orders.ErrInvalidTransition)
	}
	brokerID := order.OrderID
	tracked.mu.Unlock()

	if brokerID != "" {
		if err := e.broker.CancelOrder(ctx, brokerID); err != nil {
			return fmt.Errorf("failed to cancel order %s: %w", clientOrderID, err)
		}
	}

	tracked.mu.Lock()
	// A fill may have raced the cancel; the terminal check repeats under
	// the lock.
	if order.Status.IsTerminal() {
		tracked.mu.Unlock()
		return nil
	}
	if err := order.Transition(orders.StatusCancelled, e.now()); err != nil {
		tracked.mu.Unlock()
		return err
	}
	order.CancelReason = reason
	reserved := tracked.reserved
	tracked.reserved = 0
	snap := *order
	tracked.mu.Unlock()

	if reserved > 0 {
		e.book.Release(reserved)
	}
	e.untrackStale(order.Symbol, order.ClientOrderID)
	e.notifyTransition(snap)

	e.audit(audit.EventOrderCancelled, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"order_id":        order.OrderID,
		"symbol":          order.Symbol,
		"filled_quantity": order.FilledQty,
		"reason":          reason,
	})
	e.logger.Info().
		Str("client_order_id", clientOrderID).
		Str("reason", reason).
		Msg("Order cancelled")
	return nil
}

// Expire marks a working order expired, releasing its remaining reservation.
// Used when the broker reports expiry or the stale-order tracker times out a
// resting order it could not cancel.
func (e *Engine) Expire(clientOrderID string) error {
	tracked := e.lookup(clientOrderID)
	if tracked == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}

	tracked.mu.Lock()
	order := tracked.order
	if err := order.Transition(orders.StatusExpired, e.now()); err != nil {
		tracked.mu.Unlock()
		return err
	}
	reserved := tracked.reserved
	tracked.reserved = 0
	snap := *order
	tracked.mu.Unlock()

	if reserved > 0 {
		e.book.Release(reserved)
	}
	e.untrackStale(order.Symbol, order.ClientOrderID)
	e.notifyTransition(snap)
	e.audit(audit.EventOrderExpired, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"filled_quantity": order.FilledQty,
	})
	return nil
}

// CancelAll cancels every non-terminal order. Returns the number cancelled;
// per-order errors are logged and counted, not returned.
func (e *Engine) CancelAll(ctx context.Context, reason string) int {
	e.mu.RLock()
	ids := make([]string, 0, len(e.byClientID))
	for id, tracked := range e.byClientID {
		tracked.mu.Lock()
		terminal := tracked.order.Status.IsTerminal()
		tracked.mu.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		if err := e.Cancel(ctx, id, reason); err != nil {
			e.logger.Error().Err(err).Str("client_order_id", id).Msg("Cancel failed")
			continue
		}
		cancelled++
	}
	return cancelled
}

// GetOrder returns a copy of one order record.
func (e *Engine) GetOrder(clientOrderID string) *orders.Order {
	tracked := e.lookup(clientOrderID)
	if tracked == nil {
		return nil
	}
	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	cp := *tracked.order
	return &cp
}

// GetOrders returns copies of all order records, open and terminal.
func (e *Engine) GetOrders() []*orders.Order {
	e.mu.RLock()
	trackedAll := make([]*trackedOrder, 0, len(e.byClientID))
	for _, tracked := range e.byClientID {
		trackedAll = append(trackedAll, tracked)
	}
	e.mu.RUnlock()

	out := make([]*orders.Order, 0, len(trackedAll))
	for _, tracked := range trackedAll {
		tracked.mu.Lock()
		cp := *tracked.order
		tracked.mu.Unlock()
		out = append(out, &cp)
	}
	return out
}

// OpenOrders returns copies of all non-terminal orders.
func (e *Engine) OpenOrders() []*orders.Order {
	all := e.GetOrders()
	open := all[:0]
	for _, o := range all {
		if !o.Status.IsTerminal() {
			open = append(open, o)
		}
	}
	return open
}

func (e *Engine) lookup(clientOrderID string) *trackedOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byClientID[clientOrderID]
}

func (e *Engine) lookupByBrokerID(orderID string) *trackedOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	clientID, ok := e.byBrokerID[orderID]
	if !ok {
		return nil
	}
	return e.byClientID[clientID]
}

func (e *Engine) untrackStale(symbol, clientOrderID string) {
	e.mu.RLock()
	staleness := e.staleness
	e.mu.RUnlock()
	if staleness != nil {
		staleness.Untrack(context.Background(), symbol, clientOrderID)
	}
}

func (e *Engine) now() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock()
}

func (e *Engine) audit(eventType audit.EventType, data map[string]interface{}) {
	if e.trail == nil {
		return
	}
	if _, err := e.trail.Log(eventType, "", data); err != nil {
		e.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Audit write failed")
	}
}
