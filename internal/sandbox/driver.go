// Package sandbox abstracts the engine's two ways of running an agent
// executable: inside a Docker container (the default) or as a plain
// host process (deployer and healthcheck kinds, per spec §4.3 step 3).
// The Agent Lifecycle Manager depends only on the Driver interface.
package sandbox

import (
	"context"
	"time"
)

// LogChunk is one observed slice of sandbox output.
type LogChunk struct {
	Stream    string // "out" or "err"
	Data      []byte
	Timestamp time.Time
}

// SpawnSpec describes what to run and how to constrain it.
type SpawnSpec struct {
	AgentID     string
	Workspace   string // bind-mounted read-write
	Prompt      string // written to stdin or a known file, driver's choice
	Env         map[string]string
	Image       string
	NetworkMode string
	MemoryMB    int64
	CPUShares   int64
	HostMode    bool
	// HostCommand is the argv used when HostMode is true; container
	// drivers ignore it and derive the entrypoint from Image.
	HostCommand []string
}

// Driver is the sandbox abstraction the ALM spawns, streams, waits on,
// and kills. Implementations must be safe for concurrent use across
// distinct handles; the ALM never calls two methods concurrently for
// the same handle.
type Driver interface {
	// Spawn starts the sandbox and returns immediately with a handle
	// (container id or host pid, stringified) once the process is
	// running, without waiting for it to exit.
	Spawn(ctx context.Context, spec SpawnSpec) (handle string, err error)

	// StreamLogs returns a channel of log chunks for handle. The
	// channel closes when the sandbox exits or streaming ends.
	StreamLogs(ctx context.Context, handle string) (<-chan LogChunk, error)

	// Wait blocks until the sandbox exits and returns its exit code.
	Wait(ctx context.Context, handle string) (exitCode int, err error)

	// Kill requests termination. Idempotent: killing an already-exited
	// handle is not an error.
	Kill(ctx context.Context, handle string) error

	// Inspect reports whether handle is still running and, if not,
	// its observed exit code. Used by the crash-recovery sweep.
	Inspect(ctx context.Context, handle string) (running bool, exitCode int, err error)

	// Remove releases any resources held for handle once the ALM has
	// already reconciled its terminal state — for DockerDriver this
	// force-removes the container; host-mode drivers have nothing to
	// release and treat it as a no-op. Idempotent.
	Remove(ctx context.Context, handle string) error
}
