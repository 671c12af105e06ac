// Package alerts delivers operator-facing notifications. Delivery is best
// effort: a dead channel never blocks or fails the trading path, it only
// logs. Alert history is kept in a bounded ring for the API to serve.
package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// AlertType categorizes what happened.
type AlertType string

const (
	AlertSignal         AlertType = "signal"
	AlertOrderPlaced    AlertType = "order_placed"
	AlertOrderFilled    AlertType = "order_filled"
	AlertOrderRejected  AlertType = "order_rejected"
	AlertOrderFailed    AlertType = "order_failed"
	AlertPositionClosed AlertType = "position_closed"
	AlertRiskBreach     AlertType = "risk_limit_breach"
	AlertCircuitBreaker AlertType = "circuit_breaker"
	AlertDailyLoss      AlertType = "daily_loss_limit"
	AlertEmergencyStop  AlertType = "emergency_stop"
	AlertConnection     AlertType = "connection"
	AlertSession        AlertType = "session"
	AlertSystemError    AlertType = "system_error"
)

// Alert is one operator notification, sealed with an integrity hash at
// creation so a stored or relayed alert can be checked for tampering.
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Level     Level                  `json:"level"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Hash      string                 `json:"hash"`
}

// computeHash hashes the canonical JSON of the alert content, hash excluded.
// encoding/json sorts map keys, which keeps the encoding canonical.
func (a *Alert) computeHash() string {
	content := map[string]interface{}{
		"id":         a.ID,
		"alert_type": string(a.Type),
		"level":      string(a.Level),
		"title":      a.Title,
		"message":    a.Message,
		"data":       a.Data,
		"timestamp":  a.Timestamp.Format(time.RFC3339Nano),
	}
	raw, _ := json.Marshal(content)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash and compares it with the stored one.
func (a *Alert) Verify() bool {
	return a.Hash == a.computeHash()
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(alert *Alert) error
	Name() string
	IsEnabled() bool
}

const historySize = 1000

// Escalator fans alerts out to every registered channel and keeps a bounded
// history ring of recent alerts.
type Escalator struct {
	mu       sync.Mutex
	channels []Channel
	history  []*Alert
	enabled  bool
	logger   zerolog.Logger
	clock    func() time.Time
}

// NewEscalator creates an escalator with no channels registered.
func NewEscalator(logger zerolog.Logger) *Escalator {
	return &Escalator{
		channels: make([]Channel, 0),
		history:  make([]*Alert, 0, historySize),
		enabled:  true,
		logger:   logger.With().Str("component", "Alerts").Logger(),
		clock:    time.Now,
	}
}

// SetClock replaces the alert clock, used by backtests.
func (e *Escalator) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// AddChannel registers a delivery channel.
func (e *Escalator) AddChannel(c Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, c)
}

// SetEnabled toggles all delivery. History is still recorded when disabled.
func (e *Escalator) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Notify records and delivers one alert. Channel failures are logged and
// swallowed; the caller never sees an error.
func (e *Escalator) Notify(alertType AlertType, level Level, title, message string, data map[string]interface{}) *Alert {
	alert := &Alert{
		ID:      uuid.New().String(),
		Type:    alertType,
		Level:   level,
		Title:   title,
		Message: message,
		Data:    data,
	}

	e.mu.Lock()
	alert.Timestamp = e.clock().UTC()
	alert.Hash = alert.computeHash()
	if len(e.history) >= historySize {
		e.history = e.history[1:]
	}
	e.history = append(e.history, alert)
	channels := make([]Channel, len(e.channels))
	copy(channels, e.channels)
	enabled := e.enabled
	e.mu.Unlock()

	if !enabled {
		return alert
	}

	for _, c := range channels {
		if !c.IsEnabled() {
			continue
		}
		if err := c.Send(alert); err != nil {
			e.logger.Error().
				Err(err).
				Str("channel", c.Name()).
				Str("alert_type", string(alertType)).
				Msg("Alert delivery failed")
		}
	}
	return alert
}

// History returns up to limit most recent alerts, newest last. limit <= 0
// returns the whole ring.
func (e *Escalator) History(limit int) []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Alert, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}

// OrderRejected reports a gate rejection.
func (e *Escalator) OrderRejected(symbol, reason, detail string) {
	e.Notify(AlertOrderRejected, LevelWarning,
		fmt.Sprintf("Order rejected: %s", symbol),
		detail,
		map[string]interface{}{"symbol": symbol, "reason": reason})
}

// OrderFailed reports an order that exhausted placement retries.
func (e *Escalator) OrderFailed(symbol, orderID string, err error) {
	e.Notify(AlertOrderFailed, LevelCritical,
		fmt.Sprintf("Order failed: %s", symbol),
		err.Error(),
		map[string]interface{}{"symbol": symbol, "order_id": orderID})
}

// CircuitBreakerTripped reports the breaker tripping after a loss streak.
func (e *Escalator) CircuitBreakerTripped(consecutiveLosses int) {
	e.Notify(AlertCircuitBreaker, LevelCritical,
		"Circuit breaker tripped",
		fmt.Sprintf("%d consecutive losses, trading halted until manual reset", consecutiveLosses),
		map[string]interface{}{"consecutive_losses": consecutiveLosses})
}

// DailyLossLimit reports the daily loss cutoff disabling trading.
func (e *Escalator) DailyLossLimit(dailyPnLPct, limitPct float64) {
	e.Notify(AlertDailyLoss, LevelCritical,
		"Daily loss limit breached",
		fmt.Sprintf("Daily P&L %.2f%% breached limit of %.2f%%, trading disabled", dailyPnLPct*100, -limitPct*100),
		map[string]interface{}{"daily_pnl_pct": dailyPnLPct, "limit_pct": limitPct})
}

// EmergencyStop reports an operator emergency stop.
func (e *Escalator) EmergencyStop(reason string, positionsClosed int) {
	e.Notify(AlertEmergencyStop, LevelEmergency,
		"EMERGENCY STOP",
		fmt.Sprintf("Reason: %s. Flattening %d positions.", reason, positionsClosed),
		map[string]interface{}{"reason": reason, "positions_closed": positionsClosed})
}

// PositionClosed reports a closed position with its realized result.
func (e *Escalator) PositionClosed(symbol string, pnl, pnlPct float64) {
	level := LevelInfo
	if pnl < 0 {
		level = LevelWarning
	}
	e.Notify(AlertPositionClosed, level,
		fmt.Sprintf("Position closed: %s", symbol),
		fmt.Sprintf("P&L: %.2f (%.2f%%)", pnl, pnlPct*100),
		map[string]interface{}{"symbol": symbol, "pnl": pnl, "pnl_pct": pnlPct})
}

// ConnectionLost reports a broker connectivity failure.
func (e *Escalator) ConnectionLost(err error) {
	e.Notify(AlertConnection, LevelCritical,
		"Broker connection lost",
		err.Error(), nil)
}
