package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const containerWorkspace = "/workspace"

// DockerLauncher runs each instruction in a throwaway container with the task
// workspace bind-mounted, resource limits applied and, by default, no network.
type DockerLauncher struct {
	cli             *client.Client
	image           string
	command         []string
	memoryMB        int64
	cpus            float64
	networkDisabled bool
	maxOutput       int
	killGrace       time.Duration
	logger          *zap.Logger
}

// NewDockerLauncher connects to the docker daemon at cfg.Docker.Endpoint
// (or the environment's DOCKER_HOST when empty).
func NewDockerLauncher(cfg config.ExecutorSettings, logger *zap.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Endpoint != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Endpoint))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	command := make([]string, 0, len(cfg.InterpreterArgs)+1)
	command = append(command, cfg.Interpreter)
	command = append(command, cfg.InterpreterArgs...)

	return &DockerLauncher{
		cli:             cli,
		image:           cfg.Docker.Image,
		command:         command,
		memoryMB:        cfg.Docker.MemoryMB,
		cpus:            cfg.Docker.CPUs,
		networkDisabled: cfg.Docker.NetworkDisabled,
		maxOutput:       cfg.MaxOutputBytes,
		killGrace:       cfg.KillGrace,
		logger:          logger.Named("docker"),
	}, nil
}

// Ping checks that the daemon answers.
func (d *DockerLauncher) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

func (d *DockerLauncher) Close() error {
	return d.cli.Close()
}

func (d *DockerLauncher) containerConfig(task *models.Task) (*container.Config, *container.HostConfig) {
	cmd := make([]string, 0, len(d.command)+1)
	cmd = append(cmd, d.command...)
	cmd = append(cmd, task.Instruction)

	pidsLimit := int64(256)
	cfg := &container.Config{
		Image:      d.image,
		Cmd:        cmd,
		WorkingDir: containerWorkspace,
		Env: []string{
			"HOME=" + containerWorkspace,
			"TMPDIR=" + containerWorkspace,
			"PYTHONDONTWRITEBYTECODE=1",
			"PYTHONUNBUFFERED=1",
			"MESH_TASK_ID=" + task.ID,
			"MESH_TASK_INTERNAL_ID=" + task.InternalID,
		},
		NetworkDisabled: d.networkDisabled,
		Labels: map[string]string{
			"dante.mesh.task_id":          task.ID,
			"dante.mesh.task_internal_id": task.InternalID,
		},
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.memoryMB * 1024 * 1024,
			NanoCPUs:  int64(d.cpus * 1e9),
			PidsLimit: &pidsLimit,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if d.networkDisabled {
		host.NetworkMode = "none"
	}
	return cfg, host
}

func (d *DockerLauncher) create(ctx context.Context, task *models.Task, workspace string) (string, error) {
	cfg, host := d.containerConfig(task)
	host.Binds = []string{fmt.Sprintf("%s:%s", workspace, containerWorkspace)}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	d.logger.Info("Pulling missing image", zap.String("image", d.image))
	reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if pullErr != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", d.image, pullErr)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	resp, err = d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// Launch creates, runs and removes one container. When ctx is done the
// container is killed and its partial output is still collected.
func (d *DockerLauncher) Launch(ctx context.Context, task *models.Task, workspace string, logger *zap.Logger) ExecutionResult {
	result := ExecutionResult{ExitCode: -1}

	id, err := d.create(ctx, task, workspace)
	if err != nil {
		result.Error = err
		return result
	}
	logger = logger.With(zap.String("container_id", id))

	cleanupCtx, cancel := context.WithTimeout(context.Background(), d.killGrace+10*time.Second)
	defer cancel()
	defer func() {
		if err := d.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", zap.Error(err))
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		result.Error = fmt.Errorf("failed to start container: %w", err)
		return result
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			result.Error = fmt.Errorf("container wait: %s", status.Error.Message)
		} else {
			result.Exited = true
			result.ExitCode = int(status.StatusCode)
		}
	case err := <-errCh:
		if ctx.Err() == nil {
			result.Error = fmt.Errorf("container wait error: %w", err)
			break
		}
		d.kill(cleanupCtx, id, logger)
		result.Error = ctx.Err()
	case <-ctx.Done():
		d.kill(cleanupCtx, id, logger)
		result.Error = ctx.Err()
	}

	d.collectLogs(cleanupCtx, id, &result, logger)
	return result
}

func (d *DockerLauncher) kill(ctx context.Context, id string, logger *zap.Logger) {
	if err := d.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		logger.Warn("Failed to kill container", zap.Error(err))
	}
}

func (d *DockerLauncher) collectLogs(ctx context.Context, id string, result *ExecutionResult, logger *zap.Logger) {
	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logger.Warn("Failed to read container logs", zap.Error(err))
		return
	}
	defer logs.Close()

	stdout := newLimitedBuffer(d.maxOutput)
	stderr := newLimitedBuffer(d.maxOutput)
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		logger.Debug("Container log stream ended with error", zap.Error(err))
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.StdoutTruncated = stdout.Truncated()
	result.StderrTruncated = stderr.Truncated()
}
