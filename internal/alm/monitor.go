package alm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgehq/forge/internal/callback"
	"github.com/forgehq/forge/internal/resultparse"
	"github.com/forgehq/forge/internal/safety"
	"github.com/forgehq/forge/internal/store"
)

// attachLogStream starts a background reader that tags each chunk
// from the sandbox and pushes it into the agent's log ring.
func (m *Manager) attachLogStream(ctx context.Context, id, handle string, kind store.AgentKind) {
	ch, err := m.driverFor(kind).StreamLogs(ctx, handle)
	if err != nil {
		m.logger.Warn("attach log stream failed", "agent_id", id, "error", err)
		return
	}
	go func() {
		for chunk := range ch {
			ts := chunk.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			m.ring.push(context.Background(), m.store, m.logger, store.AgentLogLine{
				AgentID:   id,
				Timestamp: ts,
				Stream:    store.LogStream(chunk.Stream),
				Content:   string(chunk.Data),
			})
		}
	}()
}

// watchTimeout kills the agent with reason=timeout if its run context
// expires on its own deadline. If the context was canceled for any
// other reason (normal exit, explicit kill), clearTimer already
// canceled it and this is a no-op.
func (m *Manager) watchTimeout(runCtx context.Context, id string) {
	<-runCtx.Done()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		_ = m.Kill(context.Background(), id, store.AgentStatusTimeout)
	}
}

// monitorExit blocks on sandbox exit and runs the exit-handling
// algorithm.
func (m *Manager) monitorExit(id, handle string, kind store.AgentKind, callbackURL string) {
	code, err := m.driverFor(kind).Wait(context.Background(), handle)
	m.handleExit(context.Background(), id, kind, code, err, callbackURL)
}

// handleExit flushes buffered logs, settles the terminal status
// (unless a kill already settled it), propagates task failure,
// extracts and posts any trailing result block, notifies the
// caller-supplied callback, clears timeout tracking, removes the
// now-reconciled sandbox, and purges the workspace on success.
func (m *Manager) handleExit(ctx context.Context, id string, kind store.AgentKind, exitCode int, waitErr error, callbackURL string) {
	m.clearTimer(id)
	m.ring.flushAgent(ctx, m.store, id, m.logger)

	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		m.logger.Warn("handle exit: get agent", "agent_id", id, "error", err)
		return
	}

	if !agent.Status.Terminal() {
		status := store.AgentStatusCompleted
		errText := ""
		switch {
		case waitErr != nil:
			status = store.AgentStatusFailed
			errText = safety.Redact(waitErr.Error())
		case exitCode != 0:
			status = store.AgentStatusFailed
		}
		code := exitCode
		if err := m.store.CompleteAgent(ctx, id, status, &code, errText); err != nil {
			m.logger.Warn("complete agent", "agent_id", id, "error", err)
		}
		if status == store.AgentStatusFailed {
			if err := m.store.UpdateTaskStatus(ctx, agent.TaskID, store.TaskStatusFailed, nil); err != nil {
				m.logger.Warn("propagate task failure", "agent_id", id, "task_id", agent.TaskID, "error", err)
			}
		}
		agent.Status = status
	}

	m.postResultAndCompletion(ctx, id, agent.TaskID, kind, agent.Status, exitCode, callbackURL)

	if !kind.HostMode() && agent.SandboxHandle != "" {
		if err := m.driverFor(kind).Remove(ctx, agent.SandboxHandle); err != nil {
			m.logger.Warn("remove sandbox after exit", "agent_id", id, "error", err)
		}
	}

	if agent.Status == store.AgentStatusCompleted {
		_ = os.RemoveAll(m.workspaceDir(id))
	}
}

func (m *Manager) postResultAndCompletion(ctx context.Context, id, taskID string, kind store.AgentKind, status store.AgentStatus, exitCode int, callbackURL string) {
	if m.cfg.CommentURL != "" {
		logs, err := m.store.GetAgentLogs(ctx, id)
		if err != nil {
			m.logger.Warn("load logs for result extraction", "agent_id", id, "error", err)
		} else if result, ok := resultparse.Extract(joinLogContent(logs)); ok {
			m.callbackC.PostComment(ctx, m.cfg.CommentURL, taskID, result)
		}
	}

	code := exitCode
	m.callbackC.PostCompletion(ctx, callbackURL, callback.CompletionPayload{
		AgentID:     id,
		TaskID:      taskID,
		Status:      string(status),
		ExitCode:    &code,
		CompletedAt: time.Now().UTC(),
	})
}

func joinLogContent(lines []store.AgentLogLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func (m *Manager) workspaceDir(id string) string {
	return filepath.Join(m.cfg.WorkspacesDir, id)
}

// clearTimer cancels the per-agent timeout context, if one is still
// tracked, and removes it from the cancel map.
func (m *Manager) clearTimer(id string) {
	m.cancelMu.Lock()
	cancel, ok := m.cancels[id]
	delete(m.cancels, id)
	m.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// Kill terminates a running or starting agent. Killing an agent
// already in a terminal state is a no-op, per the idempotent kill
// contract. reason must be AgentStatusKilled or AgentStatusTimeout.
func (m *Manager) Kill(ctx context.Context, id string, reason store.AgentStatus) error {
	agent, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status.Terminal() {
		return nil
	}

	if agent.SandboxHandle != "" {
		if err := m.driverFor(agent.Kind).Kill(ctx, agent.SandboxHandle); err != nil {
			m.logger.Warn("kill sandbox", "agent_id", id, "error", err)
		}
	}

	m.clearTimer(id)
	m.ring.flushAgent(ctx, m.store, id, m.logger)

	if err := m.store.CompleteAgent(ctx, id, reason, nil, ""); err != nil {
		return err
	}
	if err := m.store.UpdateTaskStatus(ctx, agent.TaskID, store.TaskStatusFailed, nil); err != nil {
		m.logger.Warn("propagate task failure on kill", "agent_id", id, "task_id", agent.TaskID, "error", err)
	}

	m.logger.Info("agent killed", "agent_id", id, "reason", reason)
	return nil
}
