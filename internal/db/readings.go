package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sbrctl/sbrctl/internal/models"
)

// Reading is one persisted level sample with the phase it was taken in.
type Reading struct {
	ID        int64
	Timestamp time.Time
	Level     float64
	Phase     models.Phase
}

// InsertReading stores one level sample.
func (s *Store) InsertReading(ctx context.Context, ts time.Time, level float64, phase models.Phase) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO readings (ts, level, phase) VALUES (?, ?, ?)`,
		formatTime(ts), level, string(phase))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// ListReadingsTail returns the most recent readings in chronological order.
func (s *Store) ListReadingsTail(ctx context.Context, limit int) ([]Reading, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, level, phase
		FROM readings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list readings tail: %w", err)
	}
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		r, err := scanReadingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings tail: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListReadingsRange returns readings with from <= ts < to in chronological
// order.
func (s *Store) ListReadingsRange(ctx context.Context, from, to time.Time, limit int) ([]Reading, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if !to.After(from) {
		return nil, errors.New("range end must be after range start")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, level, phase
		FROM readings WHERE ts >= ? AND ts < ? ORDER BY id ASC LIMIT ?`,
		formatTime(from), formatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list readings range: %w", err)
	}
	defer rows.Close()
	var out []Reading
	for rows.Next() {
		r, err := scanReadingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings range: %w", err)
	}
	return out, nil
}

// PruneReadings deletes readings older than the cutoff and returns the
// number removed.
func (s *Store) PruneReadings(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune readings rows affected: %w", err)
	}
	return removed, nil
}

func scanReadingRow(scanner interface{ Scan(dest ...any) error }) (Reading, error) {
	var r Reading
	var ts string
	var phase string
	if err := scanner.Scan(&r.ID, &ts, &r.Level, &phase); err != nil {
		return Reading{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Reading{}, fmt.Errorf("parse reading ts: %w", err)
	}
	r.Timestamp = parsed
	r.Phase = models.Phase(phase)
	return r, nil
}
