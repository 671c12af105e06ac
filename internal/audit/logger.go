// Package audit provides the append-only, hash-verified event store. Every
// decision the core makes lands here before it is applied anywhere else; past
// entries are never edited, and VerifyIntegrity lets a reviewer detect
// retroactive tampering without trusting the storage medium.
package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "trading_audit_"

// Logger is the append-only audit writer. Events are written to daily
// gzip-compressed jsonl segments; each append is a self-contained gzip member,
// so a crash mid-write corrupts at most the last record.
type Logger struct {
	mu        sync.Mutex
	dir       string
	sessionID string
	logger    zerolog.Logger
	clock     func() time.Time
}

// NewLogger creates an audit logger writing segments under dir.
func NewLogger(dir string, logger zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &Logger{
		dir:    dir,
		logger: logger.With().Str("component", "AuditLog").Logger(),
		clock:  time.Now,
	}, nil
}

// SetClock replaces the audit clock, used by backtests.
func (l *Logger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// SetSessionID sets the session new events default to.
func (l *Logger) SetSessionID(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = sessionID
}

// Log appends one event and returns its ID. sessionID may be empty to use the
// current session.
func (l *Logger) Log(eventType EventType, sessionID string, data map[string]interface{}) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sessionID == "" {
		sessionID = l.sessionID
	}
	if sessionID == "" {
		return "", fmt.Errorf("audit log: no session id")
	}

	event := NewEvent(eventType, sessionID, data, l.clock())
	if err := l.appendLocked(event); err != nil {
		return "", err
	}

	l.logger.Debug().
		Str("event_type", string(eventType)).
		Str("event_id", event.ID).
		Msg("Audit event recorded")
	return event.ID, nil
}

func (l *Logger) appendLocked(event *Event) error {
	path := filepath.Join(l.dir, fmt.Sprintf("%s%s.jsonl.gz", filePrefix, event.Timestamp.Format("20060102")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit segment: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := zw.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush audit segment: %w", err)
	}
	return nil
}

// GetSessionEvents returns all events for a session in timestamp order,
// optionally bounded by [from, to]. Zero times mean unbounded.
func (l *Logger) GetSessionEvents(sessionID string, from, to time.Time) ([]*Event, error) {
	l.mu.Lock()
	dir := l.dir
	l.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit dir: %w", err)
	}

	var events []*Event
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".jsonl.gz") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".jsonl.gz")
		day, err := time.Parse("20060102", dateStr)
		if err != nil {
			continue
		}
		if !from.IsZero() && day.Before(from.Truncate(24*time.Hour)) {
			continue
		}
		if !to.IsZero() && day.After(to) {
			continue
		}

		fileEvents, err := l.readSegment(filepath.Join(dir, name), sessionID)
		if err != nil {
			l.logger.Error().Err(err).Str("segment", name).Msg("Failed to read audit segment")
			continue
		}
		events = append(events, fileEvents...)
	}

	if !from.IsZero() || !to.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			if !from.IsZero() && e.Timestamp.Before(from) {
				continue
			}
			if !to.IsZero() && e.Timestamp.After(to) {
				continue
			}
			filtered = append(filtered, e)
		}
		events = filtered
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

func (l *Logger) readSegment(path, sessionID string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var events []*Event
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			l.logger.Error().Err(err).Str("segment", path).Msg("Skipping unreadable audit record")
			continue
		}
		if event.SessionID == sessionID {
			cp := event
			events = append(events, &cp)
		}
	}
	return events, scanner.Err()
}

// IntegrityReport summarizes a verification pass over one session.
type IntegrityReport struct {
	SessionID       string    `json:"session_id"`
	TotalEvents     int       `json:"total_events"`
	ValidEvents     int       `json:"valid_events"`
	InvalidEvents   int       `json:"invalid_events"`
	InvalidEventIDs []string  `json:"invalid_event_ids"`
	FirstTimestamp  time.Time `json:"first_timestamp"`
	LastTimestamp   time.Time `json:"last_timestamp"`
}

// VerifyIntegrity recomputes every stored event's hash for a session and
// reports any record whose recomputed hash differs from the stored one.
// Mismatches are never auto-corrected; the report is for operator review.
func (l *Logger) VerifyIntegrity(sessionID string) (*IntegrityReport, error) {
	events, err := l.GetSessionEvents(sessionID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{SessionID: sessionID, TotalEvents: len(events)}
	if len(events) == 0 {
		return report, nil
	}

	report.FirstTimestamp = events[0].Timestamp
	report.LastTimestamp = events[len(events)-1].Timestamp

	for _, event := range events {
		if event.Verify() {
			report.ValidEvents++
		} else {
			report.InvalidEvents++
			report.InvalidEventIDs = append(report.InvalidEventIDs, event.ID)
		}
	}

	if report.InvalidEvents > 0 {
		l.logger.Error().
			Str("session_id", sessionID).
			Int("invalid_events", report.InvalidEvents).
			Msg("Audit integrity verification found tampered records")
	}
	return report, nil
}
