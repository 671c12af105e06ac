// Package orders holds the order record and its lifecycle state machine.
package orders

import (
	"errors"
	"fmt"
	"time"

	"trading-engine/internal/broker"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// transitions is the order lifecycle graph. A status maps to the set of
// statuses reachable in one step; terminal statuses are absent.
var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusCancelled, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// ErrInvalidTransition is returned when a status change would leave the
// lifecycle graph, including any transition out of a terminal status.
var ErrInvalidTransition = errors.New("invalid order status transition")

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is an execution intent and its broker-side lifecycle record. It is
// created by the execution engine on gate approval and mutated only by the
// engine while it holds the per-order lock; once terminal it never changes.
type Order struct {
	OrderID       string            `json:"order_id"`        // broker-assigned, empty until submitted
	ClientOrderID string            `json:"client_order_id"` // engine-assigned, stable across retries
	SignalID      string            `json:"signal_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          broker.OrderSide  `json:"side"`
	Type          broker.OrderType  `json:"type"`
	Quantity      float64           `json:"quantity"`
	LimitPrice    float64           `json:"limit_price,omitempty"`
	StopPrice     float64           `json:"stop_price,omitempty"`
	StopLoss      float64           `json:"stop_loss,omitempty"`
	TakeProfit    float64           `json:"take_profit,omitempty"`
	Status        Status            `json:"status"`
	FilledQty     float64           `json:"filled_quantity"`
	AvgFillPrice  float64           `json:"avg_fill_price"`
	Commission    float64           `json:"commission"`
	StrategyName  string            `json:"strategy_name,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	SubmittedAt   time.Time         `json:"submitted_at,omitempty"`
	ClosedAt      time.Time         `json:"closed_at,omitempty"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// Transition moves the order to a new status, enforcing the lifecycle graph.
func (o *Order) Transition(to Status, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, to, o.ClientOrderID)
	}
	o.Status = to
	if to.IsTerminal() {
		o.ClosedAt = now
	}
	return nil
}

// RecordFill folds one fill into the order's running average and quantity and
// advances the status. The caller validates the fill against the broker event.
func (o *Order) RecordFill(price, qty, commission float64, now time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity %.8f must be positive (order %s)", qty, o.ClientOrderID)
	}
	if o.FilledQty+qty > o.Quantity+1e-9 {
		return fmt.Errorf("fill overruns order %s: %.8f filled + %.8f > %.8f",
			o.ClientOrderID, o.FilledQty, qty, o.Quantity)
	}

	total := o.FilledQty + qty
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*qty) / total
	o.FilledQty = total
	o.Commission += commission

	next := StatusPartiallyFilled
	if o.RemainingQty() <= 1e-9 {
		o.FilledQty = o.Quantity
		next = StatusFilled
	}
	return o.Transition(next, now)
}
