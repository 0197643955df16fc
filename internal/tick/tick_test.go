package tick

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTicker_FiresOnInterval(t *testing.T) {
	var count atomic.Int32
	tk := New("test", 10*time.Millisecond, nil, func(ctx context.Context) {
		count.Add(1)
	})
	tk.Start(context.Background())
	defer tk.Stop()

	deadline := time.After(500 * time.Millisecond)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 ticks, got %d", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTicker_FireIsCoalesced(t *testing.T) {
	var count atomic.Int32
	started := make(chan struct{})
	tk := New("test", time.Hour, nil, func(ctx context.Context) {
		count.Add(1)
		close(started)
	})
	tk.Start(context.Background())
	defer tk.Stop()

	tk.Fire()
	tk.Fire()
	tk.Fire()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Fire() did not trigger a tick")
	}
}

func TestTicker_PanicRecovered(t *testing.T) {
	var count atomic.Int32
	tk := New("test", 5*time.Millisecond, nil, func(ctx context.Context) {
		count.Add(1)
		panic("boom")
	})
	tk.Start(context.Background())
	defer tk.Stop()

	deadline := time.After(300 * time.Millisecond)
	for count.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("ticker stopped firing after panic, got %d ticks", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
