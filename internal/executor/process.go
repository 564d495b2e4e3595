package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"go.uber.org/zap"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// ProcessLauncher runs `interpreter [args...] instruction` as a child process
// in its own process group. The environment is built by the agent; only the
// variables named in envPassthrough are copied from the agent's own.
//
// This is process isolation only. The child runs with the agent's user and
// can reach the network and the filesystem; use the docker launcher where
// that is not acceptable.
type ProcessLauncher struct {
	interpreter    string
	args           []string
	maxOutput      int
	killGrace      time.Duration
	envPassthrough []string
}

// NewProcessLauncher creates a launcher from executor settings.
func NewProcessLauncher(cfg config.ExecutorSettings) *ProcessLauncher {
	return &ProcessLauncher{
		interpreter:    cfg.Interpreter,
		args:           append([]string(nil), cfg.InterpreterArgs...),
		maxOutput:      cfg.MaxOutputBytes,
		killGrace:      cfg.KillGrace,
		envPassthrough: append([]string(nil), cfg.EnvPassthrough...),
	}
}

func (p *ProcessLauncher) environment(task *models.Task, workspace string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + workspace,
		"TMPDIR=" + workspace,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"MESH_TASK_ID=" + task.ID,
		"MESH_TASK_INTERNAL_ID=" + task.InternalID,
	}
	for _, key := range p.envPassthrough {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// Launch runs the instruction and waits for it. When ctx is done the whole
// process group is killed; Launch returns no later than killGrace after that.
func (p *ProcessLauncher) Launch(ctx context.Context, task *models.Task, workspace string, logger *zap.Logger) ExecutionResult {
	argv := make([]string, 0, len(p.args)+1)
	argv = append(argv, p.args...)
	argv = append(argv, task.Instruction)

	cmd := exec.CommandContext(ctx, p.interpreter, argv...)
	cmd.Dir = workspace
	cmd.Env = p.environment(task, workspace)
	cmd.Stdin = nil
	configureProcessGroup(cmd)
	cmd.WaitDelay = p.killGrace

	stdout := newLimitedBuffer(p.maxOutput)
	stderr := newLimitedBuffer(p.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("Launching child process",
		zap.String("interpreter", p.interpreter),
		zap.String("instruction_snippet", getSnippet(task.Instruction, 80)))

	runErr := cmd.Run()
	// Grandchildren left behind in the group go with it.
	killProcessGroup(cmd)

	result := ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		ExitCode:        -1,
	}

	if runErr == nil {
		result.Exited = true
		result.ExitCode = 0
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if exitErr.Exited() {
			result.Exited = true
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.Error = fmt.Errorf("process terminated abnormally: %s", exitErr.ProcessState.String())
		return result
	}

	if cmd.Process == nil {
		result.Error = fmt.Errorf("failed to start %s: %w", p.interpreter, runErr)
		return result
	}
	result.Error = fmt.Errorf("process wait failed: %w", runErr)
	return result
}
