package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestFakeDriver_SpawnWaitFinish(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	handle, err := d.Spawn(ctx, SpawnSpec{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		code, err := d.Wait(ctx, handle)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- code
	}()

	running, _, err := d.Inspect(ctx, handle)
	if err != nil || !running {
		t.Fatalf("Inspect before finish = %v, %v, want running=true", running, err)
	}

	d.Finish(handle, 0)

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("exit code = %d, want 0", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Finish")
	}

	running, code, err := d.Inspect(ctx, handle)
	if err != nil || running || code != 0 {
		t.Errorf("Inspect after finish = running=%v code=%d err=%v, want false, 0, nil", running, code, err)
	}
}

func TestFakeDriver_Kill(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	handle, err := d.Spawn(ctx, SpawnSpec{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := d.Kill(ctx, handle); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if !d.WasKilled(handle) {
		t.Error("expected WasKilled to report true")
	}

	code, err := d.Wait(ctx, handle)
	if err != nil || code != -1 {
		t.Errorf("Wait after kill = %d, %v, want -1, nil", code, err)
	}
}

func TestFakeDriver_Remove(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	handle, err := d.Spawn(ctx, SpawnSpec{AgentID: "a1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if d.WasRemoved(handle) {
		t.Fatal("expected WasRemoved to report false before Remove")
	}
	if err := d.Remove(ctx, handle); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !d.WasRemoved(handle) {
		t.Error("expected WasRemoved to report true")
	}
}
