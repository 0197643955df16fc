package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
)

func testRouter(t *testing.T) (*Router, *store.Store, *spool.Spool, *sandbox.FakeDriver) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sp, err := spool.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}

	driver := sandbox.NewFakeDriver()
	manager := alm.New(st, driver, driver, nil, nil, slog.New(slog.DiscardHandler), alm.Config{
		WorkspacesDir: t.TempDir(),
		FlushInterval: 10 * time.Millisecond,
	})

	r := New(sp, st, manager, nil, slog.New(slog.DiscardHandler), time.Hour)
	return r, st, sp, driver
}

func appendEvent(t *testing.T, sp *spool.Spool, kind string, payload any) *spool.Event {
	t.Helper()
	ev, err := sp.Append(kind, payload, "test")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return ev
}

func TestHandleTaskAssigned_CreatesTaskAndSpawnsTriage(t *testing.T) {
	r, st, sp, _ := testRouter(t)
	appendEvent(t, sp, "task.assigned", taskAssignedPayload{
		TaskID: "t1", Title: "add ping", Description: "adds a ping route", Repo: "svc-a",
	})

	r.poll(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusAssigned {
		t.Fatalf("expected task assigned (spawn assigns it), got %s", task.Status)
	}

	processed, err := sp.ListProcessed()
	if err != nil {
		t.Fatalf("ListProcessed: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected 1 processed event, got %d", len(processed))
	}
}

func TestHandleTaskPlanCreated_RejectsMalformedPlan(t *testing.T) {
	r, _, sp, _ := testRouter(t)

	raw, _ := json.Marshal(map[string]any{
		"taskId": "t2",
		"repo":   "svc-a",
		"plan":   map[string]any{"summary": "incomplete plan"},
	})
	var payload taskPlanCreatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	appendEvent(t, sp, "task.plan.created", payload)

	r.poll(context.Background())

	pending, err := sp.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("malformed plan should leave event pending, got %d pending", len(pending))
	}
}

func TestHandleTaskPlanCreated_ValidPlanSpawnsCoding(t *testing.T) {
	r, st, sp, _ := testRouter(t)
	if err := st.CreateTask(context.Background(), &store.Task{
		ID: "t3", Title: "add ping", Status: store.TaskStatusAssigned, Repo: "svc-a",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	plan := map[string]any{
		"summary": "add a ping endpoint",
		"affectedFiles": []map[string]any{
			{"path": "main.go", "action": "modify", "description": "add route"},
		},
		"steps":           []string{"add handler", "add test"},
		"testingStrategy": "unit test the handler",
	}
	planJSON, _ := json.Marshal(plan)
	appendEvent(t, sp, "task.plan.created", json.RawMessage(`{"taskId":"t3","repo":"svc-a","plan":` + string(planJSON) + `}`))

	r.poll(context.Background())

	task, err := st.GetTask(context.Background(), "t3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ExecutionPlan == "" {
		t.Fatalf("expected execution plan to be persisted")
	}

	processed, err := sp.ListProcessed()
	if err != nil {
		t.Fatalf("ListProcessed: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected valid plan event to be processed, got %d", len(processed))
	}
}

func TestHandleVerifyFailed_CreatesBugTaskAndFailsOriginal(t *testing.T) {
	r, st, sp, _ := testRouter(t)
	if err := st.CreateTask(context.Background(), &store.Task{
		ID: "t4", Title: "add ping", Status: store.TaskStatusAssigned, Repo: "svc-a",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	appendEvent(t, sp, "verify.failed", map[string]any{
		"taskId": "t4",
		"repo":   "svc-a",
		"bug": map[string]string{
			"description": "ping returns 500",
			"steps":       "curl /ping",
			"expected":    "200",
			"actual":      "500",
		},
	})

	r.poll(context.Background())

	task, err := st.GetTask(context.Background(), "t4")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected original task failed, got %s", task.Status)
	}
}

func TestPoll_UnknownKindLeftPending(t *testing.T) {
	r, _, sp, _ := testRouter(t)
	appendEvent(t, sp, "mystery.event", map[string]string{"taskId": "t5"})

	r.poll(context.Background())

	pending, err := sp.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unknown kind should remain pending, got %d pending", len(pending))
	}
}

func TestRecentSet_TrimsAtCapacity(t *testing.T) {
	s := newRecentSet()
	for i := 0; i < recentSetCap+10; i++ {
		s.Add(string(rune(i)))
	}
	if len(s.order) > recentSetCap {
		t.Fatalf("expected trim to keep order at or under cap, got %d", len(s.order))
	}
}
