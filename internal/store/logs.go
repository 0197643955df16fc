package store

import (
	"context"
	"time"

	"github.com/forgehq/forge/internal/errs"
)

// OperationalLogLine is a free-text component-level log row, distinct
// from per-agent sandbox output: ALM, Router and QueueProcessor write
// their own operational messages here for the health/log debug endpoint.
type OperationalLogLine struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// AppendLog writes one operational log row.
func (s *Store) AppendLog(ctx context.Context, component, level, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO logs (ts, component, level, message) VALUES (?, ?, ?, ?);
		`, time.Now().UTC(), component, level, message)
		if err != nil {
			return errs.Wrap(errs.KindStore, "append operational log", err)
		}
		return nil
	})
}

// RecentLogs returns up to limit of the most recent operational log
// rows, newest first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]OperationalLogLine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, component, level, message FROM logs ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "recent logs", err)
	}
	defer rows.Close()

	var out []OperationalLogLine
	for rows.Next() {
		var l OperationalLogLine
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Component, &l.Level, &l.Message); err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan operational log", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
