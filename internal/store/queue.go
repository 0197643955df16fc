package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/internal/errs"
)

// QueuedTask pairs a QueueEntry with its joined Task, the shape the
// queue processor needs when scanning for the next entry to claim.
type QueuedTask struct {
	Entry QueueEntry
	Task  Task
}

// Enqueue inserts a QueueEntry at the given position (one per task).
func (s *Store) Enqueue(ctx context.Context, taskID string, position int) (*QueueEntry, error) {
	now := time.Now().UTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO queue (task_id, position, status, queued_at) VALUES (?, ?, ?, ?);
		`, taskID, position, QueueStatusQueued, now)
		if err != nil {
			return errs.Wrap(errs.KindStore, "enqueue task", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return errs.Wrap(errs.KindStore, "read inserted queue id", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &QueueEntry{ID: id, TaskID: taskID, Position: position, Status: QueueStatusQueued, QueuedAt: now}, nil
}

// DequeueTask deletes the queue entry for a task (used when the
// resolved repository is missing and the task cannot be processed).
func (s *Store) DequeueTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE task_id = ?;`, taskID)
		if err != nil {
			return errs.Wrap(errs.KindStore, "dequeue task", err)
		}
		return nil
	})
}

// ClearQueue removes every queue entry.
func (s *Store) ClearQueue(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue;`)
		if err != nil {
			return errs.Wrap(errs.KindStore, "clear queue", err)
		}
		return nil
	})
}

// GetPendingQueueHead returns the lowest-position queued entry whose
// joined task is also status=queued, or nil if none exists.
func (s *Store) GetPendingQueueHead(ctx context.Context) (*QueuedTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT q.id, q.task_id, q.position, q.status, q.queued_at, q.completed_at,
		       t.id, t.title, t.description, t.kind, t.status, t.repo, t.repos, t.investigation_only, t.execution_plan, t.assigned_agent_id, t.created_at, t.updated_at
		FROM queue q
		JOIN tasks t ON t.id = q.task_id
		WHERE q.status = ? AND t.status = ?
		ORDER BY q.position ASC
		LIMIT 1;
	`, QueueStatusQueued, TaskStatusQueued)

	var qt QueuedTask
	var qStatus, tStatus, repos string
	var investigationOnly int
	var completedAt sql.NullTime
	err := row.Scan(
		&qt.Entry.ID, &qt.Entry.TaskID, &qt.Entry.Position, &qStatus, &qt.Entry.QueuedAt, &completedAt,
		&qt.Task.ID, &qt.Task.Title, &qt.Task.Description, &qt.Task.Kind, &tStatus, &qt.Task.Repo, &repos, &investigationOnly, &qt.Task.ExecutionPlan, &qt.Task.AssignedAgentID, &qt.Task.CreatedAt, &qt.Task.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get pending queue head", err)
	}
	qt.Entry.Status = QueueStatus(qStatus)
	if completedAt.Valid {
		t := completedAt.Time
		qt.Entry.CompletedAt = &t
	}
	qt.Task.Status = TaskStatus(tStatus)
	qt.Task.InvestigationOnly = investigationOnly != 0
	return &qt, nil
}

// MarkQueueEntryProcessing transitions a queue entry to processing.
func (s *Store) MarkQueueEntryProcessing(ctx context.Context, taskID string) error {
	return s.setQueueEntryStatus(ctx, taskID, QueueStatusProcessing, false)
}

// MarkQueueEntryCompleted transitions a queue entry to completed and
// stamps completed_at.
func (s *Store) MarkQueueEntryCompleted(ctx context.Context, taskID string) error {
	return s.setQueueEntryStatus(ctx, taskID, QueueStatusCompleted, true)
}

// MarkQueueEntryFailed transitions a queue entry to failed and stamps
// completed_at.
func (s *Store) MarkQueueEntryFailed(ctx context.Context, taskID string) error {
	return s.setQueueEntryStatus(ctx, taskID, QueueStatusFailed, true)
}

func (s *Store) setQueueEntryStatus(ctx context.Context, taskID string, status QueueStatus, terminal bool) error {
	return retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if terminal {
			res, err = s.db.ExecContext(ctx, `
				UPDATE queue SET status = ?, completed_at = ? WHERE task_id = ?;
			`, status, time.Now().UTC(), taskID)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE queue SET status = ? WHERE task_id = ?;
			`, status, taskID)
		}
		if err != nil {
			return errs.Wrap(errs.KindStore, "set queue entry status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.KindStore, "rows affected", err)
		}
		if n == 0 {
			return errs.New(errs.KindNotFound, fmt.Sprintf("queue entry for task %s not found", taskID))
		}
		return nil
	})
}

// CountProcessingQueue returns the number of queue entries currently
// in status=processing.
func (s *Store) CountProcessingQueue(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE status = ?;`, QueueStatusProcessing).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, "count processing queue", err)
	}
	return n, nil
}

// ListQueue returns every queue entry ordered by position.
func (s *Store) ListQueue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, position, status, queued_at, completed_at FROM queue ORDER BY position ASC;
	`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "list queue", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Position, &status, &e.QueuedAt, &completedAt); err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan queue entry", err)
		}
		e.Status = QueueStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AnyQueuedTaskFailed reports whether any task joined to a
// non-terminal queue entry has status=failed, the stop_on_failure gate
// check.
func (s *Store) AnyQueuedTaskFailed(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue q JOIN tasks t ON t.id = q.task_id
		WHERE q.status IN (?, ?) AND t.status = ?;
	`, QueueStatusQueued, QueueStatusProcessing, TaskStatusFailed).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.KindStore, "check stop-on-failure gate", err)
	}
	return n > 0, nil
}

// GetQueueSettings returns the recognized settings, defaulting
// max_concurrent to 1 and the booleans to false when unset.
func (s *Store) GetQueueSettings(ctx context.Context) (*QueueSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM queue_settings;`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get queue settings", err)
	}
	defer rows.Close()

	settings := &QueueSettings{MaxConcurrent: 1}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errs.Wrap(errs.KindStore, "scan queue setting", err)
		}
		switch k {
		case "paused":
			settings.Paused = v == "true"
		case "stop_on_failure":
			settings.StopOnFailure = v == "true"
		case "max_concurrent":
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
				settings.MaxConcurrent = n
			}
		}
	}
	return settings, rows.Err()
}

// SetQueueSetting upserts one recognized key/value pair.
func (s *Store) SetQueueSetting(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;
		`, key, value)
		if err != nil {
			return errs.Wrap(errs.KindStore, "set queue setting", err)
		}
		return nil
	})
}
