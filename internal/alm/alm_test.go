package alm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/store"
)

func testManager(t *testing.T, driver sandbox.Driver) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)
	m := New(st, driver, driver, nil, nil, logger, Config{
		WorkspacesDir: t.TempDir(),
		FlushInterval: 10 * time.Millisecond,
	})
	return m, st
}

func mustCreateTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if err := st.CreateTask(context.Background(), &store.Task{
		ID: id, Title: "add ping", Status: store.TaskStatusQueued, Repo: "svc-a",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func waitForStatus(t *testing.T, st *store.Store, id string, want store.AgentStatus) *store.Agent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := st.GetAgent(context.Background(), id)
		if err != nil {
			t.Fatalf("GetAgent: %v", err)
		}
		if a.Status == want {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s did not reach status %s in time", id, want)
	return nil
}

func TestSpawn_HappyPathToCompletion(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	mustCreateTask(t, st, "t1")

	agent, err := m.Spawn(context.Background(), SpawnRequest{
		TaskID: "t1", Repo: "svc-a", Kind: store.AgentKindTriage, PromptText: "go",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if agent.Status != store.AgentStatusRunning {
		t.Fatalf("expected running, got %s", agent.Status)
	}

	driver.Finish(agent.SandboxHandle, 0)

	got := waitForStatus(t, st, agent.ID, store.AgentStatusCompleted)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", got.ExitCode)
	}

	task, err := st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status == store.TaskStatusFailed {
		t.Fatalf("task should not be marked failed on success")
	}
}

func TestSpawn_NonZeroExitFailsTask(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	mustCreateTask(t, st, "t2")

	agent, err := m.Spawn(context.Background(), SpawnRequest{
		TaskID: "t2", Repo: "svc-a", Kind: store.AgentKindCoding, PromptText: "go",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	driver.Finish(agent.SandboxHandle, 1)

	waitForStatus(t, st, agent.ID, store.AgentStatusFailed)

	task, err := st.GetTask(context.Background(), "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected task failed, got %s", task.Status)
	}
}

func TestKill_IsIdempotentOnTerminalAgent(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	mustCreateTask(t, st, "t3")

	agent, err := m.Spawn(context.Background(), SpawnRequest{
		TaskID: "t3", Repo: "svc-a", Kind: store.AgentKindReviewer, PromptText: "go",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := m.Kill(context.Background(), agent.ID, store.AgentStatusKilled); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForStatus(t, st, agent.ID, store.AgentStatusKilled)

	// second kill on an already-terminal agent must be a no-op, not an error.
	if err := m.Kill(context.Background(), agent.ID, store.AgentStatusKilled); err != nil {
		t.Fatalf("second Kill should be a no-op: %v", err)
	}
}

func TestWatchTimeout_KillsOnDeadline(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	mustCreateTask(t, st, "t4")

	// force a near-immediate timeout for this test by overriding the
	// per-kind table for the duration of the run.
	orig := kindTimeouts[store.AgentKindTriage]
	kindTimeouts[store.AgentKindTriage] = 10 * time.Millisecond
	defer func() { kindTimeouts[store.AgentKindTriage] = orig }()

	agent, err := m.Spawn(context.Background(), SpawnRequest{
		TaskID: "t4", Repo: "svc-a", Kind: store.AgentKindTriage, PromptText: "go",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitForStatus(t, st, agent.ID, store.AgentStatusTimeout)
	if !driver.WasKilled(agent.SandboxHandle) {
		t.Fatalf("expected sandbox to be killed on timeout")
	}
}

func TestRecover_HostModeAgentMarkedFailed(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	ctx := context.Background()
	mustCreateTask(t, st, "t5")

	if err := st.CreateAgent(ctx, &store.Agent{
		ID: "deployer-orphan", TaskID: "t5", Kind: store.AgentKindDeployer,
		Status: store.AgentStatusRunning, SandboxHandle: "host-123",
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	m.Recover(ctx)

	got, err := st.GetAgent(ctx, "deployer-orphan")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != store.AgentStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorText != "server restarted" {
		t.Fatalf("expected 'server restarted', got %q", got.ErrorText)
	}
}

func TestRecover_ContainerExitedWhileDown(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	ctx := context.Background()
	mustCreateTask(t, st, "t6")

	handle, err := driver.Spawn(ctx, sandbox.SpawnSpec{AgentID: "coding-orphan"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	driver.Finish(handle, 0)

	if err := st.CreateAgent(ctx, &store.Agent{
		ID: "coding-orphan", TaskID: "t6", Kind: store.AgentKindCoding,
		Status: store.AgentStatusRunning, SandboxHandle: handle,
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	m.Recover(ctx)

	got := waitForStatus(t, st, "coding-orphan", store.AgentStatusCompleted)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", got.ExitCode)
	}
	if !driver.WasRemoved(handle) {
		t.Fatalf("expected reconciled container to be removed")
	}
}

func TestRecover_RunningContainerKilledAndRemoved(t *testing.T) {
	driver := sandbox.NewFakeDriver()
	m, st := testManager(t, driver)
	ctx := context.Background()
	mustCreateTask(t, st, "t7")

	handle, err := driver.Spawn(ctx, sandbox.SpawnSpec{AgentID: "coding-still-running"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := st.CreateAgent(ctx, &store.Agent{
		ID: "coding-still-running", TaskID: "t7", Kind: store.AgentKindCoding,
		Status: store.AgentStatusRunning, SandboxHandle: handle,
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	m.Recover(ctx)

	got, err := st.GetAgent(ctx, "coding-still-running")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != store.AgentStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !driver.WasKilled(handle) {
		t.Fatalf("expected still-running container to be killed on recovery")
	}
}
