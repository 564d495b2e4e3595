package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/history"
	"github.com/dante-gpu/dante-mesh/internal/metrics"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func shellSettings() config.ExecutorSettings {
	cfg := config.Default().Executor
	cfg.Interpreter = "/bin/sh"
	cfg.InterpreterArgs = []string{"-c"}
	cfg.KillGrace = 500 * time.Millisecond
	cfg.MaxOutputBytes = 4096
	return cfg
}

func newTask(id, instruction string) *models.Task {
	return models.NewTask(models.TaskMessage{TaskID: id, Instruction: instruction}, time.Now())
}

func newShellPool(t *testing.T, workers, queue int, timeout time.Duration) (*Pool, *history.Store) {
	t.Helper()
	store := history.NewStore(100, zap.NewNop())
	pool := NewPool(Options{
		Workers:      workers,
		QueueSize:    queue,
		TaskTimeout:  timeout,
		WorkspaceDir: t.TempDir(),
	}, NewProcessLauncher(shellSettings()), store, metrics.New("test"), zaptest.NewLogger(t))
	require.NoError(t, pool.Start())
	t.Cleanup(func() { pool.Shutdown(time.Second) })
	return pool, store
}

func waitTerminal(t *testing.T, store *history.Store, taskID string, within time.Duration) models.TaskResult {
	t.Helper()
	var got models.TaskResult
	require.Eventually(t, func() bool {
		r, err := store.Get(taskID)
		if err != nil {
			return false
		}
		got = r
		return r.Status.IsTerminal()
	}, within, 10*time.Millisecond, "task %s did not finish", taskID)
	return got
}

func TestPool_Succeeded(t *testing.T) {
	pool, store := newShellPool(t, 1, 4, 5*time.Second)

	require.NoError(t, pool.Submit(newTask("ok", "echo hello")))
	r := waitTerminal(t, store, "ok", 5*time.Second)

	assert.Equal(t, models.StatusSucceeded, r.Status)
	assert.Equal(t, "hello\n", r.Stdout)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 0, *r.ExitCode)
	assert.NotNil(t, r.StartedAt)
	assert.NotNil(t, r.EndedAt)
}

func TestPool_NonZeroExitFails(t *testing.T) {
	pool, store := newShellPool(t, 1, 4, 5*time.Second)

	require.NoError(t, pool.Submit(newTask("bad", "echo oops >&2; exit 3")))
	r := waitTerminal(t, store, "bad", 5*time.Second)

	assert.Equal(t, models.StatusFailed, r.Status)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 3, *r.ExitCode)
	assert.Equal(t, "oops\n", r.Stderr)
}

func TestPool_LaunchErrorIsRecordedNotFatal(t *testing.T) {
	settings := shellSettings()
	settings.Interpreter = "/nonexistent/interpreter"
	store := history.NewStore(10, zap.NewNop())
	pool := NewPool(Options{Workers: 1, QueueSize: 2, TaskTimeout: time.Second, WorkspaceDir: t.TempDir()},
		NewProcessLauncher(settings), store, nil, zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(time.Second)

	require.NoError(t, pool.Submit(newTask("missing", "print(1)")))
	r := waitTerminal(t, store, "missing", 5*time.Second)

	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Contains(t, r.Reason, "failed to start")
	assert.Nil(t, r.ExitCode)
}

func TestPool_TimeoutKillsChild(t *testing.T) {
	pool, store := newShellPool(t, 1, 4, 300*time.Millisecond)

	start := time.Now()
	require.NoError(t, pool.Submit(newTask("slow", "sleep 10")))
	r := waitTerminal(t, store, "slow", 3*time.Second)

	assert.Equal(t, models.StatusTimedOut, r.Status)
	assert.Contains(t, r.Reason, "exceeded task timeout")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPool_OutputIsBounded(t *testing.T) {
	settings := shellSettings()
	settings.MaxOutputBytes = 10
	store := history.NewStore(10, zap.NewNop())
	pool := NewPool(Options{Workers: 1, QueueSize: 2, TaskTimeout: 5 * time.Second, WorkspaceDir: t.TempDir()},
		NewProcessLauncher(settings), store, nil, zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(time.Second)

	require.NoError(t, pool.Submit(newTask("loud", "i=0; while [ $i -lt 1000 ]; do echo line-$i; i=$((i+1)); done")))
	r := waitTerminal(t, store, "loud", 5*time.Second)

	assert.Equal(t, models.StatusSucceeded, r.Status)
	assert.Len(t, r.Stdout, 10)
	assert.True(t, r.StdoutTruncated)
}

func TestProcessLauncher_SanitizedEnvironment(t *testing.T) {
	t.Setenv("MESH_TEST_SECRET", "hunter2")
	t.Setenv("MESH_TEST_ALLOWED", "visible")

	settings := shellSettings()
	settings.EnvPassthrough = []string{"MESH_TEST_ALLOWED"}
	launcher := NewProcessLauncher(settings)
	workspace := t.TempDir()

	task := newTask("env", `echo "$HOME|${MESH_TEST_SECRET:-unset}|$MESH_TEST_ALLOWED|$MESH_TASK_ID"; pwd`)
	res := launcher.Launch(context.Background(), task, workspace, zap.NewNop())

	require.True(t, res.Exited)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, workspace+"|unset|visible|env", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], strings.TrimPrefix(workspace, "/private")))
}

// countingLauncher tracks how many launches overlap.
type countingLauncher struct {
	mu      sync.Mutex
	current int
	max     int
	delay   time.Duration
	release chan struct{}
}

func (c *countingLauncher) Launch(ctx context.Context, task *models.Task, workspace string, logger *zap.Logger) ExecutionResult {
	c.mu.Lock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current--
		c.mu.Unlock()
	}()

	var wait <-chan time.Time
	if c.delay > 0 {
		wait = time.After(c.delay)
	}
	select {
	case <-wait:
	case <-c.release:
	case <-ctx.Done():
		return ExecutionResult{ExitCode: -1, Error: ctx.Err()}
	}
	return ExecutionResult{Exited: true, ExitCode: 0, Stdout: task.ID}
}

func (c *countingLauncher) maxSeen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func TestPool_ConcurrencyCapHolds(t *testing.T) {
	launcher := &countingLauncher{delay: 50 * time.Millisecond}
	store := history.NewStore(100, zap.NewNop())
	pool := NewPool(Options{Workers: 2, QueueSize: 10, TaskTimeout: 5 * time.Second, WorkspaceDir: t.TempDir()},
		launcher, store, nil, zap.NewNop())
	require.NoError(t, pool.Start())
	defer pool.Shutdown(time.Second)

	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(newTask(fmt.Sprintf("t%d", i), "x")))
		assert.LessOrEqual(t, pool.ActiveWorkers(), 2)
	}
	for i := 0; i < 8; i++ {
		r := waitTerminal(t, store, fmt.Sprintf("t%d", i), 5*time.Second)
		assert.Equal(t, models.StatusSucceeded, r.Status)
	}
	assert.Equal(t, 2, launcher.maxSeen())
}

func TestPool_QueueFullRecordsFailure(t *testing.T) {
	launcher := &countingLauncher{release: make(chan struct{})}
	store := history.NewStore(100, zap.NewNop())
	pool := NewPool(Options{Workers: 1, QueueSize: 1, TaskTimeout: 5 * time.Second, WorkspaceDir: t.TempDir()},
		launcher, store, nil, zap.NewNop())
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(newTask("running", "x")))
	require.Eventually(t, func() bool { return pool.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(newTask("queued", "x")))

	err := pool.Submit(newTask("overflow", "x"))
	require.Error(t, err)
	assert.True(t, apperrors.IsQueueFull(err))

	r, err := store.Get("overflow")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, ReasonQueueFull, r.Reason)
	assert.NotNil(t, r.EndedAt)

	close(launcher.release)
	waitTerminal(t, store, "queued", 2*time.Second)
	pool.Shutdown(time.Second)
}

func TestPool_ShutdownDiscardsQueuedAndWaitsForRunning(t *testing.T) {
	launcher := &countingLauncher{release: make(chan struct{})}
	store := history.NewStore(100, zap.NewNop())
	pool := NewPool(Options{Workers: 1, QueueSize: 4, TaskTimeout: 5 * time.Second, WorkspaceDir: t.TempDir()},
		launcher, store, nil, zap.NewNop())
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(newTask("inflight", "x")))
	require.Eventually(t, func() bool { return pool.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(newTask("waiting", "x")))

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(launcher.release)
	}()
	pool.Shutdown(5 * time.Second)
	pool.Shutdown(5 * time.Second)

	inflight, err := store.Get("inflight")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, inflight.Status)

	waiting, err := store.Get("waiting")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, waiting.Status)
	assert.Equal(t, ReasonStoppingQueued, waiting.Reason)
	assert.Nil(t, waiting.StartedAt)
	assert.NotNil(t, waiting.EndedAt)

	err = pool.Submit(newTask("late", "x"))
	assert.ErrorIs(t, err, apperrors.ErrAgentStopped)
	assert.Equal(t, 2, store.Len())
}

func TestPool_ShutdownGraceKillsRunning(t *testing.T) {
	pool, store := newShellPool(t, 1, 4, time.Minute)

	require.NoError(t, pool.Submit(newTask("forever", "sleep 30")))
	require.Eventually(t, func() bool { return pool.ActiveWorkers() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	pool.Shutdown(200 * time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)

	r, err := store.Get("forever")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimedOut, r.Status)
	assert.Equal(t, ReasonShutdownKilled, r.Reason)
}

func TestLimitedBuffer(t *testing.T) {
	b := newLimitedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())

	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "abcde", b.String())
}

func TestNewLauncher(t *testing.T) {
	l, err := NewLauncher(shellSettings(), zap.NewNop())
	require.NoError(t, err)
	_, ok := l.(*ProcessLauncher)
	assert.True(t, ok)

	settings := shellSettings()
	settings.Launcher = "vm"
	_, err = NewLauncher(settings, zap.NewNop())
	assert.Error(t, err)
}
