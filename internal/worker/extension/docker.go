package extension

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"acsui/pkg/model"
)

// containerAPI is the part of the docker client the backend uses.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// DockerBackend runs each extension in its own container.
type DockerBackend struct {
	cli          containerAPI
	defaultImage string
	logger       *zap.Logger
}

// NewDockerBackend connects to the local docker daemon using the usual
// DOCKER_* environment.
func NewDockerBackend(defaultImage string, logger *zap.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, err
	}
	return newDockerBackend(cli, defaultImage, logger), nil
}

func newDockerBackend(cli containerAPI, defaultImage string, logger *zap.Logger) *DockerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerBackend{cli: cli, defaultImage: defaultImage, logger: logger.Named("docker")}
}

func (b *DockerBackend) Launch(ctx context.Context, spec model.TaskSpec) (Task, error) {
	image := spec.Image
	if image == "" {
		image = b.defaultImage
	}

	// 1. create
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   spec.Command,
		Env:   spec.Envs,
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, err
	}

	// 2. start
	if err := b.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		b.remove(resp.ID)
		return nil, err
	}
	b.logger.Debug("container started", zap.String("container", shortID(resp.ID)), zap.String("image", image))

	t := &containerTask{backend: b, id: resp.ID, done: make(chan struct{})}
	go t.wait()
	return t, nil
}

func (b *DockerBackend) remove(id string) {
	err := b.cli.ContainerRemove(context.Background(), id, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		b.logger.Warn("failed to remove container", zap.String("container", shortID(id)), zap.Error(err))
	}
}

type containerTask struct {
	backend *DockerBackend
	id      string

	mu     sync.Mutex
	output string

	done chan struct{}
}

func (t *containerTask) ID() string { return t.id }

func (t *containerTask) Stop() error { return t.signal("SIGTERM") }

func (t *containerTask) Kill() error { return t.signal("SIGKILL") }

// signal is a no-op once the container stopped on its own, including the
// window where its logs are still being collected.
func (t *containerTask) signal(sig string) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	err := t.backend.cli.ContainerKill(context.Background(), t.id, sig)
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func (t *containerTask) Done() <-chan struct{} { return t.done }

func (t *containerTask) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// wait blocks until the container stops, collects its output and removes it.
func (t *containerTask) wait() {
	defer close(t.done)
	defer t.backend.remove(t.id)

	ctx := context.Background()
	statusCh, errCh := t.backend.cli.ContainerWait(ctx, t.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			t.backend.logger.Warn("container wait failed", zap.String("container", shortID(t.id)), zap.Error(err))
			return
		}
	case st := <-statusCh:
		t.backend.logger.Debug("container exited", zap.String("container", shortID(t.id)), zap.Int64("status", st.StatusCode))
	}

	rc, err := t.backend.cli.ContainerLogs(ctx, t.id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return
	}
	defer rc.Close()

	// stdcopy splits docker's multiplexed stream
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return
	}
	t.mu.Lock()
	t.output = buf.String()
	t.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
