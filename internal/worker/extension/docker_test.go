package extension

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acsui/pkg/model"
)

// fakeDocker keeps just enough container state to answer the calls the
// backend makes.
type fakeDocker struct {
	startErr   error
	killErr    error
	ignoreTerm bool
	// holdLogs, when set, blocks ContainerLogs until closed
	holdLogs      chan struct{}
	logsRequested chan struct{}

	mu      sync.Mutex
	n       int
	images  []string
	signals []string
	removed []string
	running map[string]bool
	waits   map[string]chan container.WaitResponse
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		logsRequested: make(chan struct{}, 8),
		running:       make(map[string]bool),
		waits:         make(map[string]chan container.WaitResponse),
	}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("%064x", f.n)
	f.images = append(f.images, cfg.Image)
	f.running[id] = true
	f.waits[id] = make(chan container.WaitResponse, 1)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.waits[id]; !ok {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", id))
	}
	if !f.running[id] {
		return errdefs.Conflict(fmt.Errorf("container %s is not running", id))
	}
	f.signals = append(f.signals, signal)
	if f.killErr != nil {
		return f.killErr
	}
	if signal == "SIGKILL" || !f.ignoreTerm {
		f.exitLocked(id, 137)
	}
	return nil
}

func (f *fakeDocker) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits[id], make(chan error)
}

func (f *fakeDocker) ContainerLogs(context.Context, string, types.ContainerLogsOptions) (io.ReadCloser, error) {
	f.logsRequested <- struct{}{}
	if f.holdLogs != nil {
		<-f.holdLogs
	}
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("hello\n"))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("warn\n"))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts types.ContainerRemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	delete(f.running, id)
	delete(f.waits, id)
	return nil
}

// exit ends a container as if its command returned.
func (f *fakeDocker) exit(id string, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitLocked(id, code)
}

func (f *fakeDocker) exitLocked(id string, code int64) {
	if !f.running[id] {
		return
	}
	f.running[id] = false
	f.waits[id] <- container.WaitResponse{StatusCode: code}
}

func (f *fakeDocker) sentSignals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signals...)
}

func (f *fakeDocker) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func waitDone(t *testing.T, task Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestDockerBackendLaunchStopCollectsOutput(t *testing.T) {
	fake := newFakeDocker()
	b := newDockerBackend(fake, "alpine:latest", nil)

	task, err := b.Launch(context.Background(), model.TaskSpec{Name: "inform-hook", Command: []string{"run"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpine:latest"}, fake.images)

	require.NoError(t, task.Stop())
	waitDone(t, task)

	assert.Equal(t, []string{"SIGTERM"}, fake.sentSignals())
	assert.Equal(t, "hello\nwarn\n", task.(outputter).Output())
	assert.Equal(t, []string{task.ID()}, fake.removedIDs())
}

func TestDockerBackendUsesTaskImage(t *testing.T) {
	fake := newFakeDocker()
	b := newDockerBackend(fake, "alpine:latest", nil)

	task, err := b.Launch(context.Background(), model.TaskSpec{Image: "busybox:1.36"})
	require.NoError(t, err)
	assert.Equal(t, []string{"busybox:1.36"}, fake.images)

	fake.exit(task.ID(), 0)
	waitDone(t, task)
}

func TestDockerBackendStartFailureRemovesContainer(t *testing.T) {
	fake := newFakeDocker()
	fake.startErr = errors.New("port is already allocated")
	b := newDockerBackend(fake, "alpine:latest", nil)

	_, err := b.Launch(context.Background(), model.TaskSpec{})
	require.Error(t, err)
	assert.Len(t, fake.removedIDs(), 1)
}

func TestDockerTaskSignalsAfterExitAreIgnored(t *testing.T) {
	fake := newFakeDocker()
	fake.holdLogs = make(chan struct{})
	b := newDockerBackend(fake, "alpine:latest", nil)

	task, err := b.Launch(context.Background(), model.TaskSpec{})
	require.NoError(t, err)

	// the container stopped by itself; its logs are still being read
	fake.exit(task.ID(), 0)
	<-fake.logsRequested

	assert.NoError(t, task.Stop())
	assert.NoError(t, task.Kill())
	assert.Empty(t, fake.sentSignals())

	close(fake.holdLogs)
	waitDone(t, task)

	// removed and done: no call reaches the daemon any more
	assert.NoError(t, task.Kill())
}

func TestDockerTaskKillErrorIsReported(t *testing.T) {
	fake := newFakeDocker()
	fake.killErr = errors.New("cannot kill container: permission denied")
	b := newDockerBackend(fake, "alpine:latest", nil)

	task, err := b.Launch(context.Background(), model.TaskSpec{})
	require.NoError(t, err)
	assert.ErrorIs(t, task.Kill(), fake.killErr)

	fake.exit(task.ID(), 0)
	waitDone(t, task)
}

func TestTerminateAllWhileContainerIsBeingReaped(t *testing.T) {
	fake := newFakeDocker()
	fake.holdLogs = make(chan struct{})
	r := NewRuntime(newDockerBackend(fake, "alpine:latest", nil), WithGrace(time.Second))

	task, err := r.Start(context.Background(), model.TaskSpec{Name: "report"})
	require.NoError(t, err)

	fake.exit(task.ID(), 0)
	<-fake.logsRequested
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(fake.holdLogs)
	}()

	require.NoError(t, r.TerminateAll(context.Background()))
	assert.Empty(t, fake.sentSignals())
}

func TestDockerTermIgnoredThenKilled(t *testing.T) {
	fake := newFakeDocker()
	fake.ignoreTerm = true
	r := NewRuntime(newDockerBackend(fake, "alpine:latest", nil), WithGrace(30*time.Millisecond))

	_, err := r.Start(context.Background(), model.TaskSpec{Name: "stuck"})
	require.NoError(t, err)

	require.NoError(t, r.TerminateAll(context.Background()))
	assert.Equal(t, []string{"SIGTERM", "SIGKILL"}, fake.sentSignals())
}
