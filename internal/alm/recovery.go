package alm

import (
	"context"

	"github.com/forgehq/forge/internal/store"
)

// Recover sweeps agent rows left in status=running by a prior crash.
// Container-backed agents are reconciled against the driver's observed
// state; host-process agents cannot outlive the engine process and are
// marked failed outright. Best-effort: it never blocks startup, and a
// single unreconcilable row does not abort the sweep.
func (m *Manager) Recover(ctx context.Context) {
	agents, err := m.store.ListActiveAgents(ctx)
	if err != nil {
		m.logger.Warn("recovery: list active agents failed", "error", err)
		return
	}

	for _, agent := range agents {
		m.recoverOne(ctx, agent)
	}
}

func (m *Manager) recoverOne(ctx context.Context, agent *store.Agent) {
	if agent.Kind.HostMode() {
		m.settleRecovered(ctx, agent.ID, "server restarted")
		return
	}
	if agent.SandboxHandle == "" {
		m.settleRecovered(ctx, agent.ID, "recovery failed")
		return
	}

	running, exitCode, err := m.driverFor(agent.Kind).Inspect(ctx, agent.SandboxHandle)
	if err != nil {
		m.settleRecovered(ctx, agent.ID, "recovery failed")
		return
	}
	if running {
		_ = m.driverFor(agent.Kind).Kill(ctx, agent.SandboxHandle)
		m.settleRecovered(ctx, agent.ID, "recovery failed")
		return
	}

	m.handleExit(ctx, agent.ID, agent.Kind, exitCode, nil, "")
}

func (m *Manager) settleRecovered(ctx context.Context, id, reason string) {
	if err := m.store.CompleteAgent(ctx, id, store.AgentStatusFailed, nil, reason); err != nil {
		m.logger.Warn("recovery: complete agent failed", "agent_id", id, "error", err)
		return
	}
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return
	}
	if err := m.store.UpdateTaskStatus(ctx, agent.TaskID, store.TaskStatusFailed, nil); err != nil {
		m.logger.Warn("recovery: propagate task failure failed", "agent_id", id, "error", err)
	}
	m.logger.Warn("agent recovered as failed", "agent_id", id, "reason", reason)
}
