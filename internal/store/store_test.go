package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.initSchema(context.Background()); err != nil {
		t.Fatalf("re-running initSchema should be a no-op: %v", err)
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &Task{ID: "t1", Title: "add ping", Status: TaskStatusQueued, Repo: "svc-a"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	agent := &Agent{ID: "triage-aaaaaaaa", TaskID: "t1", Kind: AgentKindTriage, Status: AgentStatusStarting}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != AgentStatusStarting {
		t.Errorf("status = %s, want starting", got.Status)
	}

	if err := s.UpdateAgentSandboxHandle(ctx, agent.ID, "container-123"); err != nil {
		t.Fatalf("UpdateAgentSandboxHandle: %v", err)
	}
	got, _ = s.GetAgent(ctx, agent.ID)
	if got.Status != AgentStatusRunning || got.SandboxHandle != "container-123" {
		t.Errorf("unexpected state after sandbox handle update: %+v", got)
	}

	zero := 0
	if err := s.CompleteAgent(ctx, agent.ID, AgentStatusCompleted, &zero, ""); err != nil {
		t.Fatalf("CompleteAgent: %v", err)
	}
	got, _ = s.GetAgent(ctx, agent.ID)
	if got.Status != AgentStatusCompleted || got.CompletedAt == nil || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("unexpected terminal state: %+v", got)
	}

	n, err := s.CountRunningAgents(ctx)
	if err != nil || n != 0 {
		t.Errorf("CountRunningAgents = %d, %v, want 0, nil", n, err)
	}
}

func TestAgentLogLines_OrderPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &Task{ID: "t1", Status: TaskStatusQueued}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateAgent(ctx, &Agent{ID: "a1", TaskID: "t1", Kind: AgentKindCoding, Status: AgentStatusRunning}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	lines := []AgentLogLine{
		{AgentID: "a1", Stream: LogStreamOut, Content: "building..."},
		{AgentID: "a1", Stream: LogStreamOut, Content: "tests passed"},
		{AgentID: "a1", Stream: LogStreamErr, Content: "warning: unused import"},
	}
	if err := s.AppendAgentLogLines(ctx, lines); err != nil {
		t.Fatalf("AppendAgentLogLines: %v", err)
	}

	got, err := s.GetAgentLogs(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgentLogs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	for i, want := range lines {
		if got[i].Content != want.Content || got[i].Stream != want.Stream {
			t.Errorf("line %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestQueue_GetPendingQueueHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &Task{ID: "t1", Status: TaskStatusQueued, Repo: "svc-a"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.Enqueue(ctx, "t1", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	head, err := s.GetPendingQueueHead(ctx)
	if err != nil {
		t.Fatalf("GetPendingQueueHead: %v", err)
	}
	if head == nil || head.Task.ID != "t1" {
		t.Fatalf("head = %+v, want task t1", head)
	}

	if err := s.MarkQueueEntryProcessing(ctx, "t1"); err != nil {
		t.Fatalf("MarkQueueEntryProcessing: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, "t1", TaskStatusAssigned, nil); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	head, err = s.GetPendingQueueHead(ctx)
	if err != nil {
		t.Fatalf("GetPendingQueueHead after claim: %v", err)
	}
	if head != nil {
		t.Errorf("head = %+v, want nil once claimed", head)
	}

	n, err := s.CountProcessingQueue(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountProcessingQueue = %d, %v, want 1, nil", n, err)
	}
}

func TestQueue_StopOnFailureGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &Task{ID: "t2", Status: TaskStatusFailed}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.Enqueue(ctx, "t2", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.MarkQueueEntryProcessing(ctx, "t2"); err != nil {
		t.Fatalf("MarkQueueEntryProcessing: %v", err)
	}

	blocked, err := s.AnyQueuedTaskFailed(ctx)
	if err != nil {
		t.Fatalf("AnyQueuedTaskFailed: %v", err)
	}
	if !blocked {
		t.Error("expected stop-on-failure gate to report blocked")
	}
}

func TestQueueSettings_DefaultsAndOverride(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.GetQueueSettings(ctx)
	if err != nil {
		t.Fatalf("GetQueueSettings: %v", err)
	}
	if settings.MaxConcurrent != 1 || settings.Paused || settings.StopOnFailure {
		t.Errorf("unexpected defaults: %+v", settings)
	}

	if err := s.SetQueueSetting(ctx, "max_concurrent", "4"); err != nil {
		t.Fatalf("SetQueueSetting: %v", err)
	}
	if err := s.SetQueueSetting(ctx, "paused", "true"); err != nil {
		t.Fatalf("SetQueueSetting: %v", err)
	}

	settings, err = s.GetQueueSettings(ctx)
	if err != nil {
		t.Fatalf("GetQueueSettings: %v", err)
	}
	if settings.MaxConcurrent != 4 || !settings.Paused {
		t.Errorf("unexpected settings after override: %+v", settings)
	}
}

func TestValidateExecutionPlanJSON(t *testing.T) {
	valid := `{"summary":"add ping","affectedFiles":[{"path":"main.go","action":"modify","description":"add handler"}],"steps":["add handler","add test"],"testingStrategy":"unit test the handler"}`
	plan, err := ValidateExecutionPlanJSON(valid)
	if err != nil {
		t.Fatalf("ValidateExecutionPlanJSON(valid): %v", err)
	}
	if plan.Summary != "add ping" || len(plan.Steps) != 2 {
		t.Errorf("unexpected parsed plan: %+v", plan)
	}

	invalid := `{"summary":"missing required fields"}`
	if _, err := ValidateExecutionPlanJSON(invalid); err == nil {
		t.Error("expected validation error for incomplete plan")
	}
}
