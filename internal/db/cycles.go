package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cycle result values recorded when a treatment cycle record is closed.
const (
	CycleResultRunning   = "running"
	CycleResultCompleted = "completed"
	CycleResultStopped   = "stopped"
	CycleResultAlarm     = "alarm"
)

// ErrCycleNotFound is returned when no cycle row matches the given id.
var ErrCycleNotFound = errors.New("cycle not found")

// Cycle is one treatment cycle record.
type Cycle struct {
	ID              string
	StartedAt       time.Time
	EndedAt         *time.Time
	Result          string
	DurationSeconds *float64
}

// StartCycle opens a new cycle record in the running state.
func (s *Store) StartCycle(ctx context.Context, id string, startedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("cycle id is required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO cycles (id, started_at, result) VALUES (?, ?, ?)`,
		id, formatTime(startedAt), CycleResultRunning)
	if err != nil {
		return fmt.Errorf("start cycle: %w", err)
	}
	return nil
}

// FinishCycle closes a cycle record with its end time and result.
func (s *Store) FinishCycle(ctx context.Context, id string, endedAt time.Time, result string, duration time.Duration) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("cycle id is required")
	}
	switch result {
	case CycleResultCompleted, CycleResultStopped, CycleResultAlarm:
	default:
		return fmt.Errorf("invalid cycle result %q", result)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE cycles SET ended_at = ?, result = ?, duration_seconds = ? WHERE id = ?`,
		formatTime(endedAt), result, duration.Seconds(), id)
	if err != nil {
		return fmt.Errorf("finish cycle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish cycle rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// ListCyclesTail returns the most recent cycle records, newest first.
func (s *Store) ListCyclesTail(ctx context.Context, limit int) ([]Cycle, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, started_at, ended_at, result, duration_seconds
		FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles tail: %w", err)
	}
	defer rows.Close()
	var out []Cycle
	for rows.Next() {
		c, err := scanCycleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles tail: %w", err)
	}
	return out, nil
}

func scanCycleRow(scanner interface{ Scan(dest ...any) error }) (Cycle, error) {
	var c Cycle
	var startedAt string
	var endedAt sql.NullString
	var duration sql.NullFloat64
	if err := scanner.Scan(&c.ID, &startedAt, &endedAt, &c.Result, &duration); err != nil {
		return Cycle{}, err
	}
	parsed, err := parseTime(startedAt)
	if err != nil {
		return Cycle{}, fmt.Errorf("parse cycle started_at: %w", err)
	}
	c.StartedAt = parsed
	if endedAt.Valid {
		ended, err := parseTime(endedAt.String)
		if err != nil {
			return Cycle{}, fmt.Errorf("parse cycle ended_at: %w", err)
		}
		c.EndedAt = &ended
	}
	if duration.Valid {
		value := duration.Float64
		c.DurationSeconds = &value
	}
	return c, nil
}
