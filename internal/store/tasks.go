package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgehq/forge/internal/errs"
)

// CreateTask inserts a new Task row.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	repos, err := json.Marshal(t.Repos)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "marshal task repos", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, kind, status, repo, repos, investigation_only, execution_plan, assigned_agent_id, parent_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.Kind, t.Status, t.Repo, string(repos), boolToInt(t.InvestigationOnly), t.ExecutionPlan, t.AssignedAgentID, t.ParentID, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return errs.Wrap(errs.KindStore, "create task", err)
		}
		return nil
	})
}

// GetTask returns the Task row for id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, kind, status, repo, repos, investigation_only, execution_plan, assigned_agent_id, parent_id, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "get task", err)
	}
	return t, nil
}

// UpdateTaskStatus sets status and, when assignedAgentID is non-nil,
// the assigned_agent_id column (pass a pointer to "" to clear it).
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, assignedAgentID *string) error {
	return retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if assignedAgentID != nil {
			res, err = s.db.ExecContext(ctx, `
				UPDATE tasks SET status = ?, assigned_agent_id = ?, updated_at = ? WHERE id = ?;
			`, status, *assignedAgentID, time.Now().UTC(), id)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;
			`, status, time.Now().UTC(), id)
		}
		if err != nil {
			return errs.Wrap(errs.KindStore, "update task status", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.KindStore, "rows affected", err)
		}
		if n == 0 {
			return errs.New(errs.KindNotFound, fmt.Sprintf("task %s not found", id))
		}
		return nil
	})
}

// SetTaskExecutionPlan persists the serialized execution plan JSON on a task.
func (s *Store) SetTaskExecutionPlan(ctx context.Context, id, planJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET execution_plan = ?, updated_at = ? WHERE id = ?;
		`, planJSON, time.Now().UTC(), id)
		if err != nil {
			return errs.Wrap(errs.KindStore, "set task execution plan", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.KindStore, "rows affected", err)
		}
		if n == 0 {
			return errs.New(errs.KindNotFound, fmt.Sprintf("task %s not found", id))
		}
		return nil
	})
}

// CountBugTasksByParent counts bug-kind tasks recorded against
// parentID, used to detect a task that keeps regenerating bug tasks
// without ever closing.
func (s *Store) CountBugTasksByParent(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE parent_id = ? AND kind = 'bug';
	`, parentID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, "count bug tasks by parent", err)
	}
	return n, nil
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var status string
	var repos string
	var investigationOnly int
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Kind, &status, &t.Repo, &repos, &investigationOnly, &t.ExecutionPlan, &t.AssignedAgentID, &t.ParentID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.InvestigationOnly = investigationOnly != 0
	_ = json.Unmarshal([]byte(repos), &t.Repos)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
