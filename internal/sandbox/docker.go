package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/forgehq/forge/internal/errs"
)

// DockerDriver runs agents inside ephemeral containers, one per spawn.
// It generalizes the synchronous exec-and-collect pattern into
// independent Spawn/StreamLogs/Wait/Kill/Inspect calls so the ALM can
// attach a log stream and a timer without blocking the spawn call.
type DockerDriver struct {
	client *client.Client
}

// NewDockerDriver builds a driver against the daemon reachable via the
// standard Docker environment variables.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.Wrap(errs.KindSandbox, "create docker client", err)
	}
	return &DockerDriver{client: cli}, nil
}

// Spawn creates and starts a container with the workspace bind-mounted
// read-write and the prompt written into the workspace before start,
// so the entrypoint can read it without depending on stdin plumbing.
func (d *DockerDriver) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	promptPath := filepath.Join(spec.Workspace, "task-prompt.md")
	if err := os.WriteFile(promptPath, []byte(spec.Prompt), 0o644); err != nil {
		return "", errs.Wrap(errs.KindSandbox, "write prompt file", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	memBytes := spec.MemoryMB * 1024 * 1024
	if memBytes <= 0 {
		memBytes = 2048 * 1024 * 1024
	}
	cpuShares := spec.CPUShares
	if cpuShares <= 0 {
		cpuShares = 1024
	}
	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = "bridge"
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   env,
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    memBytes,
			CPUShares: cpuShares,
		},
		NetworkMode: container.NetworkMode(networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", spec.Workspace)},
		AutoRemove:  false, // ALM removes it explicitly during crash recovery / exit handling
	}, nil, nil, fmt.Sprintf("forge-%s", spec.AgentID))
	if err != nil {
		return "", errs.Wrap(errs.KindSandbox, "create container", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", errs.Wrap(errs.KindSandbox, "start container", err)
	}
	return resp.ID, nil
}

// StreamLogs follows the container's combined stdout/stderr, demuxing
// the Docker log framing into LogChunks tagged by stream.
func (d *DockerDriver) StreamLogs(ctx context.Context, handle string) (<-chan LogChunk, error) {
	out, err := d.client.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindSandbox, "stream container logs", err)
	}

	ch := make(chan LogChunk, 64)
	stdoutR, stdoutW := newPipe()
	stderrR, stderrW := newPipe()

	go func() {
		defer out.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, out)
	}()

	go pumpLines(ctx, "out", stdoutR, ch)
	go pumpLines(ctx, "err", stderrR, ch)

	return ch, nil
}

// Wait blocks until the container reaches a non-running state.
func (d *DockerDriver) Wait(ctx context.Context, handle string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, handle, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, errs.Wrap(errs.KindSandbox, "wait container", err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill sends SIGKILL and removes the container. Killing an
// already-exited or already-removed container is not an error.
func (d *DockerDriver) Kill(ctx context.Context, handle string) error {
	if err := d.client.ContainerKill(ctx, handle, "SIGKILL"); err != nil && !isDockerNotFoundOrNotRunning(err) {
		return errs.Wrap(errs.KindSandbox, "kill container", err)
	}
	if err := d.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil && !isDockerNotFoundOrNotRunning(err) {
		return errs.Wrap(errs.KindSandbox, "remove container", err)
	}
	return nil
}

// Inspect reports whether the container is running, used by the
// crash-recovery sweep to reconcile agents left in status=running.
func (d *DockerDriver) Inspect(ctx context.Context, handle string) (bool, int, error) {
	info, err := d.client.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, -1, nil
		}
		return false, -1, errs.Wrap(errs.KindSandbox, "inspect container", err)
	}
	if info.State == nil {
		return false, -1, nil
	}
	return info.State.Running, info.State.ExitCode, nil
}

// Remove force-removes a container, used once an agent's state has
// already been reconciled.
func (d *DockerDriver) Remove(ctx context.Context, handle string) error {
	if err := d.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil && !isDockerNotFoundOrNotRunning(err) {
		return errs.Wrap(errs.KindSandbox, "remove container", err)
	}
	return nil
}

func isDockerNotFoundOrNotRunning(err error) bool {
	return client.IsErrNotFound(err)
}

func newPipe() (*os.File, *os.File) {
	r, w, err := os.Pipe()
	if err != nil {
		// os.Pipe failing indicates fd exhaustion; the caller's
		// StreamLogs goroutines will simply see EOF immediately.
		return nil, nil
	}
	return r, w
}

func pumpLines(ctx context.Context, stream string, r *os.File, out chan<- LogChunk) {
	if r == nil {
		return
	}
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk := LogChunk{Stream: stream, Data: append([]byte(nil), line...), Timestamp: time.Now().UTC()}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

