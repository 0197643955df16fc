// Package alm implements the Agent Lifecycle Manager: it owns the set
// of active agents, spawns sandboxes, buffers their logs to the store,
// enforces per-kind timeouts, handles exit, posts completion
// callbacks, and reclaims orphans left behind by a crash.
package alm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgehq/forge/internal/callback"
	"github.com/forgehq/forge/internal/errs"
	"github.com/forgehq/forge/internal/promptbuilder"
	"github.com/forgehq/forge/internal/safety"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/scm"
	"github.com/forgehq/forge/internal/store"
	"github.com/forgehq/forge/internal/tick"
	"github.com/google/uuid"
)

// Config tunes the manager's behavior.
type Config struct {
	WorkspacesDir string
	SandboxImage  string
	NetworkMode   string
	MemoryMB      int64
	CPUShares     int64
	FlushInterval time.Duration
	APIBaseURL    string // injected into spawned agents' environment
	AuthToken     string // credential-bearing token injected into spawned agents' environment
	CommentURL    string // upstream task-store comment endpoint, empty disables posting
}

// Manager is the Agent Lifecycle Manager.
type Manager struct {
	store       *store.Store
	driver      sandbox.Driver
	hostDriver  sandbox.Driver
	collaborator scm.Collaborator
	builder     promptbuilder.Builder
	callbackC   *callback.Client
	logger      *slog.Logger
	cfg         Config

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	ring *logRing

	flushTicker *tick.Ticker
}

// New builds a Manager. hostDriver may be nil, in which case host-mode
// kinds (deployer, healthcheck) fall back to driver.
func New(st *store.Store, driver, hostDriver sandbox.Driver, collaborator scm.Collaborator, builder promptbuilder.Builder, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if collaborator == nil {
		collaborator = scm.NoOpCollaborator{}
	}
	if builder == nil {
		builder = promptbuilder.PassThrough{}
	}
	if hostDriver == nil {
		hostDriver = driver
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	m := &Manager{
		store:        st,
		driver:       driver,
		hostDriver:   hostDriver,
		collaborator: collaborator,
		builder:      builder,
		callbackC:    callback.New(logger.With("component", "alm")),
		logger:       logger.With("component", "alm"),
		cfg:          cfg,
		cancels:      make(map[string]context.CancelFunc),
		ring:         newLogRing(),
	}
	return m
}

// Start begins the 1-second (default) combined log-flush ticker.
func (m *Manager) Start(ctx context.Context) {
	m.flushTicker = tick.New("alm-log-flush", m.cfg.FlushInterval, m.logger, func(ctx context.Context) {
		m.flushAll(ctx)
	})
	m.flushTicker.Start(ctx)
}

// Stop flushes all pending log buffers and stops the flush ticker.
func (m *Manager) Stop(ctx context.Context) {
	if m.flushTicker != nil {
		m.flushTicker.Stop()
	}
	m.flushAll(ctx)
}

func (m *Manager) driverFor(kind store.AgentKind) sandbox.Driver {
	if kind.HostMode() {
		return m.hostDriver
	}
	return m.driver
}

// Spawn runs the full spawn algorithm: mint id, write the starting
// Agent row, prepare the workspace, invoke the sandbox driver, record
// the handle, register the timeout timer, attach the log stream, and
// monitor for exit asynchronously.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*store.Agent, error) {
	kind := req.kind()
	id := fmt.Sprintf("%s-%s", kind, randomSuffix())

	agent := &store.Agent{ID: id, TaskID: req.TaskID, Kind: kind, Status: store.AgentStatusStarting}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, errs.Wrap(errs.KindStore, "create agent row", err)
	}
	if err := m.store.UpdateTaskStatus(ctx, req.TaskID, store.TaskStatusAssigned, &id); err != nil {
		m.markFailedAndRevert(ctx, agent, req.TaskID, "assign task to agent", err)
		return nil, err
	}

	workspace := filepath.Join(m.cfg.WorkspacesDir, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		m.markFailedAndRevert(ctx, agent, req.TaskID, "create workspace directory", err)
		return nil, errs.Wrap(errs.KindSandbox, "create workspace", err)
	}

	if !kind.HostMode() {
		if err := m.prepareRepository(ctx, workspace, id, req); err != nil {
			m.markFailedAndRevert(ctx, agent, req.TaskID, "prepare repository", err)
			return nil, err
		}
	}

	prompt := req.PromptText
	if prompt == "" {
		built, err := m.builder.Build(ctx, promptbuilder.Context{
			AgentKind:      string(kind),
			TaskID:         req.TaskID,
			Title:          req.Title,
			Description:    req.Description,
			Repo:           req.Repo,
			ExecutionPlan:  req.ExecutionPlan,
			ReviewComments: req.ReviewComments,
			ExistingBranch: req.ExistingBranch,
			PRNumber:       req.PRNumber,
			PRURL:          req.PRURL,
			DeploymentURL:  req.DeploymentURL,
			FocusAreas:     req.FocusAreas,
		})
		if err != nil {
			m.markFailedAndRevert(ctx, agent, req.TaskID, "build prompt", err)
			return nil, errs.Wrap(errs.KindSandbox, "build prompt", err)
		}
		prompt = built
	}

	spec := sandbox.SpawnSpec{
		AgentID:     id,
		Workspace:   workspace,
		Prompt:      prompt,
		Image:       m.cfg.SandboxImage,
		NetworkMode: m.cfg.NetworkMode,
		MemoryMB:    m.cfg.MemoryMB,
		CPUShares:   m.cfg.CPUShares,
		HostMode:    kind.HostMode(),
		HostCommand: hostCommandFor(kind),
		Env: map[string]string{
			"FORGE_TASK_ID":  req.TaskID,
			"FORGE_AGENT_ID": id,
			"FORGE_API_URL":  m.cfg.APIBaseURL,
			"FORGE_TOKEN":    m.cfg.AuthToken,
		},
	}

	handle, err := m.driverFor(kind).Spawn(ctx, spec)
	if err != nil {
		m.markFailedAndRevert(ctx, agent, req.TaskID, "spawn sandbox", err)
		return nil, errs.Wrap(errs.KindSandbox, "spawn sandbox", err)
	}

	if err := m.store.UpdateAgentSandboxHandle(ctx, id, handle); err != nil {
		_ = m.driverFor(kind).Kill(ctx, handle)
		m.markFailedAndRevert(ctx, agent, req.TaskID, "record sandbox handle", err)
		return nil, err
	}
	agent.SandboxHandle = handle
	agent.Status = store.AgentStatusRunning

	runCtx, cancel := context.WithTimeout(context.Background(), timeoutFor(kind))
	m.cancelMu.Lock()
	m.cancels[id] = cancel
	m.cancelMu.Unlock()

	m.attachLogStream(runCtx, id, handle, kind)
	go m.watchTimeout(runCtx, id)
	go m.monitorExit(id, handle, kind, req.CallbackURL)

	m.logger.Info("agent spawned", "agent_id", id, "task_id", req.TaskID, "kind", kind, "handle", handle)
	return agent, nil
}

func (m *Manager) prepareRepository(ctx context.Context, workspace, id string, req SpawnRequest) error {
	repoDir := filepath.Join(workspace, "repo")
	if err := m.collaborator.Clone(ctx, req.Repo, repoDir); err != nil {
		return errs.Wrap(errs.KindSandbox, "clone repository", err)
	}
	switch {
	case req.Branch != "":
		return m.collaborator.FetchAndCheckout(ctx, repoDir, req.Branch)
	case req.ExistingBranch != "":
		return m.collaborator.FetchAndCheckout(ctx, repoDir, req.ExistingBranch)
	case req.kind() == store.AgentKindCoding:
		return m.collaborator.CreateBranch(ctx, repoDir, fmt.Sprintf("agent/%s", id))
	default:
		return nil
	}
}

// markFailedAndRevert implements spawn-failure step 10: mark the
// agent failed with sanitized error text and revert the task to
// queued.
func (m *Manager) markFailedAndRevert(ctx context.Context, agent *store.Agent, taskID, step string, cause error) {
	msg := safety.Redact(fmt.Sprintf("%s: %v", step, cause))
	_ = m.store.CompleteAgent(ctx, agent.ID, store.AgentStatusFailed, nil, msg)
	empty := ""
	_ = m.store.UpdateTaskStatus(ctx, taskID, store.TaskStatusQueued, &empty)
	m.logger.Warn("agent spawn failed", "agent_id", agent.ID, "task_id", taskID, "step", step, "error", msg)
}

func randomSuffix() string {
	id := uuid.New().String()
	return id[:8]
}

// hostCommandFor returns the argv a host-mode kind runs. Concrete
// deployer/healthcheck executables are resolved from the workspace
// convention <workspace>/repo/forge-agent.sh, left to deployment
// tooling outside this engine to provide.
func hostCommandFor(kind store.AgentKind) []string {
	if !kind.HostMode() {
		return nil
	}
	return []string{"./repo/forge-agent.sh"}
}
