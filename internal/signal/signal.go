// Package signal defines the strategy output consumed by the risk gate.
package signal

import (
	"fmt"
	"time"
)

// Action is what a strategy wants done with a symbol.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close"
)

// Signal is a strategy's recommendation. It is read-only once created:
// the gate consumes it exactly once and never hands it back to the strategy.
type Signal struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Action       Action    `json:"action"`
	Confidence   float64   `json:"confidence"` // 0..1
	SizePct      float64   `json:"size_pct"`   // fraction of the max position size
	EntryPrice   float64   `json:"entry_price"`
	StopLoss     float64   `json:"stop_loss,omitempty"`   // 0 = not set
	TakeProfit   float64   `json:"take_profit,omitempty"` // 0 = not set
	Reasoning    string    `json:"reasoning"`
	StrategyName string    `json:"strategy_name"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate performs structural checks only. Policy checks belong to the risk gate.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has no symbol")
	}
	switch s.Action {
	case ActionBuy, ActionSell, ActionClose:
	default:
		return fmt.Errorf("unknown signal action %q", s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %.4f outside [0,1]", s.Confidence)
	}
	return nil
}

// Strategy is the capability interface for signal producers. The engine does not
// inspect feature semantics; it passes features through and reads only Signal fields.
type Strategy interface {
	// GenerateSignals produces zero or more signals for a symbol given the latest
	// feature map and the currently open positions keyed by symbol.
	GenerateSignals(symbol string, features map[string]float64, openPositions map[string]float64) []*Signal

	// Name identifies the strategy in signals, audit records and alerts.
	Name() string
}
