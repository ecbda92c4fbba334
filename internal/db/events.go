package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// Event is a persisted controller event row. Payload is stored as JSON.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	Severity  models.Severity
	Message   string
	JSON      string
}

// InsertEvent stores one controller event. The payload is marshaled to
// JSON; a nil payload stores NULL.
func (s *Store) InsertEvent(ctx context.Context, ev models.Event) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	var payload string
	if len(ev.Payload) > 0 {
		encoded, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(encoded)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, severity, msg, json) VALUES (?, ?, ?, ?, ?)`,
		formatTime(ev.Timestamp), ev.Kind, string(ev.Severity), nullIfEmpty(ev.Message), nullIfEmpty(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEventsTail returns the most recent events in chronological order,
// optionally filtered by kind.
func (s *Store) ListEventsTail(ctx context.Context, kind string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := `SELECT id, ts, kind, severity, msg, json FROM events ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if kind != "" {
		query = `SELECT id, ts, kind, severity, msg, json FROM events WHERE kind = ? ORDER BY id DESC LIMIT ?`
		args = []any{kind, limit}
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events tail: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events tail: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListEventsAfter returns events with id > afterID in insertion order, for
// incremental polling.
func (s *Store) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, severity, msg, json
		FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var severity string
	var msg sql.NullString
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &severity, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	ev.Severity = models.Severity(severity)
	if msg.Valid {
		ev.Message = msg.String
	}
	if jsonPayload.Valid {
		ev.JSON = jsonPayload.String
	}
	return ev, nil
}
