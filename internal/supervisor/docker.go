package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	appMountPath     = "/app"
	removeTimeout    = 10 * time.Second
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256
)

// DockerRunner starts the program inside a throwaway container with the
// program directory bind-mounted at /app.
type DockerRunner struct {
	cli   *client.Client
	image string

	pullMu sync.Mutex
	pulled bool
}

// NewDockerRunner creates a runner using the Docker daemon from the environment.
func NewDockerRunner(imageName string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "image", imageName)
	return &DockerRunner{cli: cli, image: imageName}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// ensureImage pulls the image once. A failed pull is retried on the next start.
func (r *DockerRunner) ensureImage(ctx context.Context) error {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()
	if r.pulled {
		return nil
	}

	_, err := r.cli.ImageInspect(ctx, r.image)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect image %s: %w", r.image, err)
		}

		slog.Info("Pulling image", "image", r.image)
		rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image %s: %w", r.image, err)
		}
		defer rc.Close()
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return fmt.Errorf("read pull progress for %s: %w", r.image, err)
		}
	}

	r.pulled = true
	return nil
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	attach types.HijackedResponse
	stdout *io.PipeReader
	stderr *io.PipeReader
	waitCh <-chan container.WaitResponse
	errCh  <-chan error
}

// Start creates, attaches and starts a container running spec.Command.
func (r *DockerRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if err := r.ensureImage(ctx); err != nil {
		return nil, err
	}

	hostDir, err := filepath.Abs(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve program dir: %w", err)
	}

	config := &container.Config{
		Image:        r.image,
		Cmd:          spec.Command,
		WorkingDir:   appMountPath,
		Env:          spec.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostDir,
			Target: appMountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("attach container %s: %w", resp.ID, err)
	}

	// Registered before start so a fast exit is not missed.
	waitCh, errCh := r.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(resp.ID)
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	slog.Info("Container started", "container_id", resp.ID, "name", spec.Name)
	return &dockerProcess{
		cli:    r.cli,
		id:     resp.ID,
		attach: attach,
		stdout: stdoutR,
		stderr: stderrR,
		waitCh: waitCh,
		errCh:  errCh,
	}, nil
}

func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	removeContainer(ctx, r.cli, id)
}

// removeContainer force-removes a container. It is idempotent.
func removeContainer(ctx context.Context, cli *client.Client, id string) {
	err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		slog.Debug("Container removed", "container_id", id)
	case errdefs.IsNotFound(err), strings.Contains(err.Error(), "is already in progress"):
		slog.Debug("Container already removed", "container_id", id)
	default:
		slog.Warn("Failed to remove container", "container_id", id, "error", err)
	}
}

func (p *dockerProcess) Stdin() io.WriteCloser { return hijackedStdin{&p.attach} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

func (p *dockerProcess) Wait() (int, error) {
	defer func() {
		p.attach.Close()
		ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		removeContainer(ctx, p.cli, p.id)
	}()

	select {
	case res := <-p.waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return int(res.StatusCode), errors.New(res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-p.errCh:
		return -1, fmt.Errorf("wait container %s: %w", p.id, err)
	}
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := p.cli.ContainerKill(ctx, p.id, "SIGTERM")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("kill container %s: %w", p.id, err)
}

// hijackedStdin closes only the write half so output keeps flowing.
type hijackedStdin struct {
	resp *types.HijackedResponse
}

func (w hijackedStdin) Write(b []byte) (int, error) { return w.resp.Conn.Write(b) }
func (w hijackedStdin) Close() error                { return w.resp.CloseWrite() }

func ptr[T any](v T) *T {
	return &v
}
