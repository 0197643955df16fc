package alm

import (
	"context"
	"sync"

	"github.com/forgehq/forge/internal/store"
)

// logRing buffers, per agent, the pending lines not yet flushed to
// the store, capped at 50 per spec; once full it flushes immediately
// rather than waiting for the periodic tick.
type logRing struct {
	mu      sync.Mutex
	buffers map[string][]store.AgentLogLine
}

const ringCapacity = 50

func newLogRing() *logRing {
	return &logRing{buffers: make(map[string][]store.AgentLogLine)}
}

// push appends one line and flushes immediately if the ring for this
// agent reaches capacity.
func (r *logRing) push(ctx context.Context, st *store.Store, logger logWarner, line store.AgentLogLine) {
	r.mu.Lock()
	r.buffers[line.AgentID] = append(r.buffers[line.AgentID], line)
	var batch []store.AgentLogLine
	if len(r.buffers[line.AgentID]) >= ringCapacity {
		batch = r.buffers[line.AgentID]
		r.buffers[line.AgentID] = nil
	}
	r.mu.Unlock()

	if batch != nil {
		if err := st.AppendAgentLogLines(ctx, batch); err != nil {
			logger.Warn("flush full log ring", "agent_id", line.AgentID, "error", err)
		}
	}
}

// flushAgent flushes and clears the buffer for a single agent, used on
// exit and on kill.
func (r *logRing) flushAgent(ctx context.Context, st *store.Store, agentID string, logger logWarner) {
	r.mu.Lock()
	batch := r.buffers[agentID]
	delete(r.buffers, agentID)
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := st.AppendAgentLogLines(ctx, batch); err != nil {
		logger.Warn("flush agent log buffer", "agent_id", agentID, "error", err)
	}
}

// flushAll flushes every non-empty buffer, the periodic tick trigger.
func (r *logRing) flushAll(ctx context.Context, st *store.Store, logger logWarner) {
	r.mu.Lock()
	pending := r.buffers
	r.buffers = make(map[string][]store.AgentLogLine)
	r.mu.Unlock()

	for agentID, batch := range pending {
		if len(batch) == 0 {
			continue
		}
		if err := st.AppendAgentLogLines(ctx, batch); err != nil {
			logger.Warn("periodic log flush failed", "agent_id", agentID, "error", err)
		}
	}
}

// logWarner is the minimal slog.Logger surface the ring needs, kept
// narrow so tests can pass a stub.
type logWarner interface {
	Warn(msg string, args ...any)
}

func (m *Manager) flushAll(ctx context.Context) {
	m.ring.flushAll(ctx, m.store, m.logger)
}
