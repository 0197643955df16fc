package queueproc

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
)

func testSetup(t *testing.T, cfg Config) (*Processor, *store.Store, *spool.Spool) {
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

	p := New(st, manager, sp, slog.New(slog.DiscardHandler), cfg)
	return p, st, sp
}

func mustQueueTask(t *testing.T, st *store.Store, id, repo string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateTask(ctx, &store.Task{ID: id, Title: "t", Status: store.TaskStatusQueued, Repo: repo}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.Enqueue(ctx, id, 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestTick_PausedSkips(t *testing.T) {
	p, st, _ := testSetup(t, Config{})
	ctx := context.Background()
	mustQueueTask(t, st, "t1", "svc-a")
	if err := st.SetQueueSetting(ctx, "paused", "true"); err != nil {
		t.Fatalf("SetQueueSetting: %v", err)
	}

	p.tick(ctx)

	entries, err := st.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if entries[0].Status != store.QueueStatusQueued {
		t.Fatalf("expected queue entry untouched while paused, got %s", entries[0].Status)
	}
}

func TestTick_DirectSpawnClaimsEntry(t *testing.T) {
	p, st, _ := testSetup(t, Config{})
	ctx := context.Background()
	mustQueueTask(t, st, "t2", "svc-a")

	p.tick(ctx)

	entries, err := st.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if entries[0].Status != store.QueueStatusProcessing {
		t.Fatalf("expected queue entry processing, got %s", entries[0].Status)
	}

	task, err := st.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusAssigned {
		t.Fatalf("expected task assigned by direct spawn, got %s", task.Status)
	}
}

func TestTick_MultiAgentEventsAppendsSpoolEvent(t *testing.T) {
	p, st, sp := testSetup(t, Config{MultiAgentEvents: true})
	ctx := context.Background()
	mustQueueTask(t, st, "t3", "svc-a")

	p.tick(ctx)

	pending, err := sp.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != "task.assigned" {
		t.Fatalf("expected one task.assigned event, got %+v", pending)
	}
}

func TestTick_MissingRepoFailsAndDequeues(t *testing.T) {
	p, st, _ := testSetup(t, Config{})
	ctx := context.Background()
	if err := st.CreateTask(ctx, &store.Task{ID: "t4", Title: "t", Status: store.TaskStatusQueued}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.Enqueue(ctx, "t4", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.tick(ctx)

	task, err := st.GetTask(ctx, "t4")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskStatusFailed {
		t.Fatalf("expected task failed when repo is unresolved, got %s", task.Status)
	}

	entries, err := st.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected queue entry removed, got %d entries", len(entries))
	}
}

func TestTick_MaxConcurrentBlocksAdditionalClaims(t *testing.T) {
	p, st, _ := testSetup(t, Config{})
	ctx := context.Background()
	mustQueueTask(t, st, "t5", "svc-a")
	if err := st.SetQueueSetting(ctx, "max_concurrent", "0"); err != nil {
		t.Fatalf("SetQueueSetting: %v", err)
	}
	// max_concurrent=0 is invalid per GetQueueSettings (ignored, defaults
	// to 1), so force the gate instead by pre-marking one entry processing.
	if err := st.CreateTask(ctx, &store.Task{ID: "other", Title: "t", Status: store.TaskStatusQueued, Repo: "svc-b"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.Enqueue(ctx, "other", 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := st.MarkQueueEntryProcessing(ctx, "other"); err != nil {
		t.Fatalf("MarkQueueEntryProcessing: %v", err)
	}

	p.tick(ctx)

	entries, err := st.ListQueue(ctx)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	for _, e := range entries {
		if e.TaskID == "t5" && e.Status != store.QueueStatusQueued {
			t.Fatalf("expected t5 to remain queued while at max concurrency, got %s", e.Status)
		}
	}
}
