package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"jobchain/internal/apperrors"
)

// DefaultContainerWorkdir is where the run directory is mounted in the container.
const DefaultContainerWorkdir = "/work"

// containerAPI is the subset of the Docker client used by DockerLauncher.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

var _ containerAPI = (*client.Client)(nil)

// DockerLauncher runs the engine launcher inside a container.
type DockerLauncher struct {
	client   containerAPI
	image    string
	launcher string // launcher path inside the image
	workdir  string
	user     string
}

// DockerConfig holds configuration for the container backend.
type DockerConfig struct {
	Image    string // engine image (required)
	Launcher string // launcher binary inside the image (required)
	Workdir  string // mount point of the run directory (default /work)
	User     string // optional uid:gid so artifacts stay owned by the caller
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(cfg DockerConfig) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerLauncher(cli, cfg)
}

func newDockerLauncher(api containerAPI, cfg DockerConfig) (*DockerLauncher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("engine image is required for the docker backend")
	}
	if cfg.Launcher == "" {
		return nil, fmt.Errorf("engine launcher is required for the docker backend")
	}
	if cfg.Workdir == "" {
		cfg.Workdir = DefaultContainerWorkdir
	}
	return &DockerLauncher{
		client:   api,
		image:    cfg.Image,
		launcher: cfg.Launcher,
		workdir:  cfg.Workdir,
		user:     cfg.User,
	}, nil
}

func (l *DockerLauncher) String() string {
	return l.image + ":" + l.launcher
}

// Check verifies the engine image is present locally. Images are never pulled.
func (l *DockerLauncher) Check(ctx context.Context) error {
	if _, err := l.client.ImageInspect(ctx, l.image); err != nil {
		return apperrors.EngineUnavailable(l.image, err)
	}
	return nil
}

// Launch creates and starts a container for spec.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	hostDir, err := filepath.Abs(spec.Dir)
	if err != nil {
		return nil, apperrors.Internal("docker.resolveRunDir", err)
	}

	containerConfig := &container.Config{
		Image:      l.image,
		Cmd:        append([]string{l.launcher}, spec.Args...),
		WorkingDir: l.workdir,
		User:       l.user,
		Labels: map[string]string{
			"jobchain.job": spec.Job,
			"managed-by":   "jobchain",
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: l.workdir,
			},
		},
	}

	name := fmt.Sprintf("jobchain-%s-%s", spec.Job, uuid.NewString()[:8])
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, apperrors.EngineUnavailable(l.image, err)
	}

	p := &containerProcess{
		api:    l.client,
		id:     resp.ID,
		stdout: newTailBuffer(defaultTailSize),
		stderr: newTailBuffer(defaultTailSize),
		done:   make(chan struct{}),
	}

	// Subscribe before starting so a fast exit is not missed.
	waitCtx, cancel := context.WithCancel(context.Background())
	p.cancelWait = cancel
	statusCh, errCh := l.client.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cancel()
		_ = l.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.EngineUnavailable(l.image, err)
	}

	go p.wait(statusCh, errCh)
	return p, nil
}

// containerProcess is an engine run inside a container.
type containerProcess struct {
	api        containerAPI
	id         string
	stdout     *tailBuffer
	stderr     *tailBuffer
	done       chan struct{}
	cancelWait context.CancelFunc

	mu        sync.Mutex
	exited    bool
	exitCode  int
	collected bool
}

func (p *containerProcess) wait(statusCh <-chan container.WaitResponse, errCh <-chan error) {
	code := -1
	select {
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			slog.Warn("Container wait reported error", "containerId", p.id, "error", status.Error.Message)
		}
	case err := <-errCh:
		slog.Warn("Container wait failed", "containerId", p.id, "error", err)
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *containerProcess) ID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) Done() <-chan struct{} {
	return p.done
}

func (p *containerProcess) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}

// Alive inspects the container. A container the daemon no longer knows, or
// one it reports as dead, is gone. An exited container is still known: its
// exit code arrives through ContainerWait and Done decides. Transient daemon
// errors are not treated as a death.
func (p *containerProcess) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inspect, err := p.api.ContainerInspect(ctx, p.id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false
		}
		slog.Warn("Container inspect failed", "containerId", p.id, "error", err)
		return true
	}
	if inspect.State == nil {
		return false
	}
	switch inspect.State.Status {
	case "dead", "removing":
		return false
	}
	return true
}

func (p *containerProcess) Kill() error {
	if exited, _ := p.Exited(); exited {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.api.ContainerKill(ctx, p.id, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("kill container %s: %w", p.ID(), err)
	}
	return nil
}

// Output fetches the container logs once the container has exited.
func (p *containerProcess) Output() Output {
	p.mu.Lock()
	fetch := p.exited && !p.collected
	if fetch {
		p.collected = true
	}
	p.mu.Unlock()

	if fetch {
		p.collectLogs()
	}
	return Output{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
}

func (p *containerProcess) collectLogs() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logs, err := p.api.ContainerLogs(ctx, p.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		slog.Debug("Failed to read container logs", "containerId", p.id, "error", err)
		return
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(p.stdout, p.stderr, logs); err != nil {
		slog.Debug("Failed to demultiplex container logs", "containerId", p.id, "error", err)
	}
}

// Close removes the container.
func (p *containerProcess) Close() error {
	p.cancelWait()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.api.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", p.ID(), err)
	}
	return nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}
