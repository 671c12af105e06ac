package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventSignalGenerated EventType = "signal_generated"
	EventSignalRejected  EventType = "signal_rejected"
	EventOrderPlaced     EventType = "order_placed"
	EventOrderFilled     EventType = "order_filled"
	EventOrderCancelled  EventType = "order_cancelled"
	EventOrderRejected   EventType = "order_rejected"
	EventOrderExpired    EventType = "order_expired"
	EventPositionOpened  EventType = "position_opened"
	EventPositionClosed  EventType = "position_closed"
	EventRiskCheck       EventType = "risk_check"
	EventSessionStarted  EventType = "session_started"
	EventSessionStopped  EventType = "session_stopped"
	EventEmergencyStop   EventType = "emergency_stop"
	EventStrategyChanged EventType = "strategy_changed"
	EventSystemError     EventType = "system_error"
)

// Event is one immutable fact. The hash is computed over the canonical content
// at creation and re-verifiable at any later time; a mismatch means the stored
// record was altered after the fact.
type Event struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event_type"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Hash      string                 `json:"hash"`
}

// NewEvent creates an event and seals it with its integrity hash.
func NewEvent(eventType EventType, sessionID string, data map[string]interface{}, now time.Time) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: now.UTC(),
	}
	e.Hash = e.computeHash()
	return e
}

// computeHash hashes the canonical JSON of the event content, hash excluded.
// encoding/json sorts map keys, which keeps the encoding canonical.
func (e *Event) computeHash() string {
	content := map[string]interface{}{
		"id":         e.ID,
		"event_type": string(e.EventType),
		"session_id": e.SessionID,
		"data":       e.Data,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
	raw, _ := json.Marshal(content)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash and compares it with the stored one.
func (e *Event) Verify() bool {
	return e.Hash == e.computeHash()
}
