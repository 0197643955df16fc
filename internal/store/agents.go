package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/internal/errs"
)

// CreateAgent inserts a new Agent row in status=starting.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, task_id, sandbox_handle, kind, status, started_at, error_text, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.TaskID, a.SandboxHandle, a.Kind, a.Status, a.StartedAt, a.ErrorText, a.Metadata)
		if err != nil {
			return errs.Wrap(errs.KindStore, "create agent", err)
		}
		return nil
	})
}

// GetAgent returns the Agent row for id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, sandbox_handle, kind, status, started_at, completed_at, exit_code, error_text, metadata
		FROM agents WHERE id = ?;
	`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("agent %s not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get agent", err)
	}
	return a, nil
}

// ListAgents returns up to limit agents, most recently started first.
func (s *Store) ListAgents(ctx context.Context, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sandbox_handle, kind, status, started_at, completed_at, exit_code, error_text, metadata
		FROM agents ORDER BY started_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "list agents", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAgents returns all agents not in a terminal status.
func (s *Store) ListActiveAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sandbox_handle, kind, status, started_at, completed_at, exit_code, error_text, metadata
		FROM agents WHERE status IN (?, ?) ORDER BY started_at ASC;
	`, AgentStatusStarting, AgentStatusRunning)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "list active agents", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan agent", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountRunningAgents returns the number of agents currently in status=running.
func (s *Store) CountRunningAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status = ?;`, AgentStatusRunning).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, "count running agents", err)
	}
	return n, nil
}

// UpdateAgentSandboxHandle records the sandbox handle and flips the
// agent to status=running.
func (s *Store) UpdateAgentSandboxHandle(ctx context.Context, id, handle string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET sandbox_handle = ?, status = ? WHERE id = ?;
		`, handle, AgentStatusRunning, id)
		if err != nil {
			return errs.Wrap(errs.KindStore, "update agent sandbox handle", err)
		}
		return checkRowsAffected(res, id)
	})
}

// CompleteAgent marks a terminal status, exit code, and error text,
// setting completed_at to now.
func (s *Store) CompleteAgent(ctx context.Context, id string, status AgentStatus, exitCode *int, errorText string) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, completed_at = ?, exit_code = ?, error_text = ? WHERE id = ?;
		`, status, now, exitCode, errorText, id)
		if err != nil {
			return errs.Wrap(errs.KindStore, "complete agent", err)
		}
		return checkRowsAffected(res, id)
	})
}

// AgentAnalyticsSnapshot returns counts grouped by terminal/non-terminal status.
func (s *Store) AgentAnalyticsSnapshot(ctx context.Context) (*AgentAnalytics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "agent analytics", err)
	}
	defer rows.Close()

	out := &AgentAnalytics{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan agent analytics", err)
		}
		out.Total += count
		switch AgentStatus(status) {
		case AgentStatusStarting:
			out.Starting = count
		case AgentStatusRunning:
			out.Running = count
		case AgentStatusCompleted:
			out.Completed = count
		case AgentStatusFailed:
			out.Failed = count
		case AgentStatusTimeout:
			out.Timeout = count
		case AgentStatusKilled:
			out.Killed = count
		}
	}
	return out, rows.Err()
}

// AppendAgentLogLines writes a batch of log lines in a single
// transaction, preserving observation order.
func (s *Store) AppendAgentLogLines(ctx context.Context, lines []AgentLogLine) error {
	if len(lines) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.KindStore, "begin log append tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO agent_logs (agent_id, ts, stream, content) VALUES (?, ?, ?, ?);
		`)
		if err != nil {
			return errs.Wrap(errs.KindStore, "prepare log append", err)
		}
		defer stmt.Close()

		for _, l := range lines {
			if _, err := stmt.ExecContext(ctx, l.AgentID, l.Timestamp, l.Stream, l.Content); err != nil {
				return errs.Wrap(errs.KindStore, "append log line", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.KindStore, "commit log append", err)
		}
		return nil
	})
}

// GetAgentLogs returns all log lines for agentID in ascending row-id
// (== observation) order.
func (s *Store) GetAgentLogs(ctx context.Context, agentID string) ([]AgentLogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, ts, stream, content FROM agent_logs WHERE agent_id = ? ORDER BY id ASC;
	`, agentID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get agent logs", err)
	}
	defer rows.Close()

	var out []AgentLogLine
	for rows.Next() {
		var l AgentLogLine
		var stream string
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Timestamp, &stream, &l.Content); err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan agent log line", err)
		}
		l.Stream = LogStream(stream)
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var kind, status string
	var completedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := row.Scan(&a.ID, &a.TaskID, &a.SandboxHandle, &kind, &status, &a.StartedAt, &completedAt, &exitCode, &a.ErrorText, &a.Metadata); err != nil {
		return nil, err
	}
	a.Kind = AgentKind(kind)
	a.Status = AgentStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		a.ExitCode = &v
	}
	return &a, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindStore, "rows affected", err)
	}
	if n == 0 {
		return errs.New(errs.KindNotFound, fmt.Sprintf("agent %s not found", id))
	}
	return nil
}
