package alm

import (
	"context"

	"github.com/forgehq/forge/internal/errs"
	"github.com/forgehq/forge/internal/store"
)

// List returns up to limit agents, most recently started first.
func (m *Manager) List(ctx context.Context, limit int) ([]*store.Agent, error) {
	return m.store.ListAgents(ctx, limit)
}

// GetByID returns one agent's row.
func (m *Manager) GetByID(ctx context.Context, id string) (*store.Agent, error) {
	return m.store.GetAgent(ctx, id)
}

// GetLogs returns all buffered log lines for an agent in observation
// order.
func (m *Manager) GetLogs(ctx context.Context, id string) ([]store.AgentLogLine, error) {
	return m.store.GetAgentLogs(ctx, id)
}

// GetActive returns every agent not yet in a terminal status.
func (m *Manager) GetActive(ctx context.Context) ([]*store.Agent, error) {
	return m.store.ListActiveAgents(ctx)
}

// Analytics returns agent counts grouped by status.
func (m *Manager) Analytics(ctx context.Context) (*store.AgentAnalytics, error) {
	return m.store.AgentAnalyticsSnapshot(ctx)
}

// Retry re-spawns the task behind a terminal agent. It fails with
// not-found if the task no longer exists.
func (m *Manager) Retry(ctx context.Context, id string) (*store.Agent, error) {
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := m.store.GetTask(ctx, agent.TaskID)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "retry: task missing", err)
	}
	return m.Spawn(ctx, SpawnRequest{
		TaskID:         task.ID,
		Repo:           task.Repo,
		Title:          task.Title,
		Description:    task.Description,
		Kind:           agent.Kind,
		ExistingBranch: "",
		ExecutionPlan:  task.ExecutionPlan,
	})
}
