package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// FakeDriver is an in-memory Driver used by ALM/router/queue tests in
// place of a real Docker daemon or host process.
type FakeDriver struct {
	mu       sync.Mutex
	next     int
	running  map[string]bool
	exitCode map[string]int
	exitC    map[string]chan int
	killed   map[string]bool
	removed  map[string]bool
	Logs     map[string][]LogChunk
}

// NewFakeDriver builds a FakeDriver with every spawned handle left
// running until the test calls Finish.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		running:  make(map[string]bool),
		exitCode: make(map[string]int),
		exitC:    make(map[string]chan int),
		killed:   make(map[string]bool),
		removed:  make(map[string]bool),
		Logs:     make(map[string][]LogChunk),
	}
}

func (f *FakeDriver) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	handle := fmt.Sprintf("fake-%d", f.next)
	f.running[handle] = true
	f.exitC[handle] = make(chan int, 1)
	return handle, nil
}

func (f *FakeDriver) StreamLogs(ctx context.Context, handle string) (<-chan LogChunk, error) {
	ch := make(chan LogChunk)
	close(ch)
	return ch, nil
}

func (f *FakeDriver) Wait(ctx context.Context, handle string) (int, error) {
	f.mu.Lock()
	exitC, ok := f.exitC[handle]
	f.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("fake driver: unknown handle %s", handle)
	}
	select {
	case code := <-exitC:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *FakeDriver) Kill(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[handle] = true
	if f.running[handle] {
		f.running[handle] = false
		f.exitCode[handle] = -1
		f.exitC[handle] <- -1
	}
	return nil
}

func (f *FakeDriver) Inspect(ctx context.Context, handle string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[handle], f.exitCode[handle], nil
}

// Finish simulates the sandbox exiting with the given code, unblocking
// any Wait call and future Inspect calls.
func (f *FakeDriver) Finish(handle string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[handle] {
		return
	}
	f.running[handle] = false
	f.exitCode[handle] = code
	f.exitC[handle] <- code
}

// WasKilled reports whether Kill was ever called for handle.
func (f *FakeDriver) WasKilled(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed[handle]
}

// Remove records handle as removed, mirroring DockerDriver.Remove.
func (f *FakeDriver) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[handle] = true
	return nil
}

// WasRemoved reports whether Remove was ever called for handle.
func (f *FakeDriver) WasRemoved(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[handle]
}

var _ Driver = (*FakeDriver)(nil)
