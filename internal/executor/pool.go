package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/config"
	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/logging"
	"github.com/dante-gpu/dante-mesh/internal/metrics"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"go.uber.org/zap"
)

// Failure reasons recorded on results the pool ends without a normal exit.
const (
	ReasonQueueFull        = "queue full"
	ReasonStoppingQueued   = "agent stopping before dispatch"
	ReasonShutdownKilled   = "killed after shutdown grace period"
	ReasonWorkspaceFailure = "workspace setup failed"
)

// Recorder receives every status transition of every task the pool accepts.
type Recorder interface {
	Record(result models.TaskResult) error
}

// Options sizes the pool.
type Options struct {
	Workers      int
	QueueSize    int
	TaskTimeout  time.Duration
	WorkspaceDir string
}

// OptionsFromConfig resolves pool options from the agent configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:      cfg.WorkerCount(),
		QueueSize:    cfg.Executor.QueueSize,
		TaskTimeout:  cfg.Executor.TaskTimeout,
		WorkspaceDir: cfg.Executor.WorkspaceDir,
	}
}

// Pool is a fixed set of workers draining a bounded admission queue. At most
// Workers launches are in flight at any instant.
type Pool struct {
	opts     Options
	launcher Launcher
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger

	queue chan *models.Task

	mu       sync.RWMutex // guards closed and sends on queue
	closed   bool
	draining atomic.Bool
	active   atomic.Int32

	// forceCtx parents every task context; cancelling it kills whatever is
	// still running when the shutdown grace period runs out.
	forceCtx    context.Context
	forceCancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

// NewPool creates a pool; call Start to spawn the workers.
func NewPool(opts Options, launcher Launcher, recorder Recorder, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	forceCtx, forceCancel := context.WithCancel(context.Background())
	return &Pool{
		opts:        opts,
		launcher:    launcher,
		recorder:    recorder,
		metrics:     m,
		logger:      logger.Named("executor"),
		queue:       make(chan *models.Task, opts.QueueSize),
		forceCtx:    forceCtx,
		forceCancel: forceCancel,
		done:        make(chan struct{}),
	}
}

// Start prepares the workspace root and spawns the workers.
func (p *Pool) Start() error {
	var err error
	p.startOnce.Do(func() {
		if mkErr := os.MkdirAll(p.opts.WorkspaceDir, 0700); mkErr != nil {
			err = fmt.Errorf("failed to create workspace directory %s: %w", p.opts.WorkspaceDir, mkErr)
			return
		}
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
		p.logger.Info("Worker pool initialized",
			zap.Int("workers", p.opts.Workers),
			zap.Int("queue_size", p.opts.QueueSize),
			zap.Duration("task_timeout", p.opts.TaskTimeout))
	})
	return err
}

// Submit admits task without blocking. The pending result is recorded first;
// when the queue is full the result is moved to failed and ErrQueueFull is
// returned.
func (p *Pool) Submit(task *models.Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return apperrors.NewTaskError("Admit", task.ID, "pool is shut down", apperrors.ErrAgentStopped)
	}

	pending := models.NewPendingResult(task)
	p.record(pending)

	select {
	case p.queue <- task:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		failed := pending
		failed.Status = models.StatusFailed
		failed.EndedAt = models.PtrTime(time.Now().UTC())
		failed.Reason = ReasonQueueFull
		p.record(failed)
		p.metrics.TaskFinished(failed)
		return apperrors.NewTaskError("Admit", task.ID, "admission queue saturated", apperrors.ErrQueueFull)
	}
}

// QueueDepth returns the number of admitted tasks not yet dispatched.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// QueueCapacity returns the admission queue bound.
func (p *Pool) QueueCapacity() int {
	return cap(p.queue)
}

// ActiveWorkers returns how many workers are running a task right now.
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// Workers returns the concurrency cap.
func (p *Pool) Workers() int {
	return p.opts.Workers
}

// Done is closed once every worker has exited after Shutdown.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Shutdown stops admission, fails tasks still queued, and waits for running
// tasks. Whatever is still running after grace is killed and recorded
// timed_out. Calling Shutdown again waits for the same completion.
func (p *Pool) Shutdown(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.draining.Store(true)
		close(p.queue)
		p.mu.Unlock()

		// Start is a no-op if it already ran; otherwise there are no
		// workers to drain the queue, so run them now.
		p.startOnce.Do(func() {
			for i := 0; i < p.opts.Workers; i++ {
				p.wg.Add(1)
				go p.worker(i)
			}
			go func() {
				p.wg.Wait()
				close(p.done)
			}()
		})

		p.logger.Info("Shutting down worker pool",
			zap.Int("active_workers", p.ActiveWorkers()),
			zap.Int("queued", p.QueueDepth()),
			zap.Duration("grace", grace))

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warn("Shutdown grace period elapsed, killing running tasks",
				zap.Int("active_workers", p.ActiveWorkers()))
			p.forceCancel()
		}
	})
	<-p.done
	p.forceCancel()

	if closer, ok := p.launcher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Debug("Launcher close failed", zap.Error(err))
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for task := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		if p.draining.Load() {
			p.discard(task, logger)
			continue
		}
		p.execute(task, logger)
	}
	logger.Debug("Worker stopping")
}

func (p *Pool) discard(task *models.Task, logger *zap.Logger) {
	result := models.NewPendingResult(task)
	result.Status = models.StatusFailed
	result.EndedAt = models.PtrTime(time.Now().UTC())
	result.Reason = ReasonStoppingQueued
	p.record(result)
	p.metrics.TaskFinished(result)
	logger.Info("Discarded queued task on shutdown", logging.TaskFields(task.ID, task.InternalID)...)
}

func (p *Pool) execute(task *models.Task, logger *zap.Logger) {
	logger = logger.With(logging.TaskFields(task.ID, task.InternalID)...)

	result := models.NewPendingResult(task)
	result.Status = models.StatusRunning
	result.StartedAt = models.PtrTime(time.Now().UTC())
	p.record(result)

	p.metrics.SetActiveWorkers(int(p.active.Add(1)))
	defer func() {
		p.metrics.SetActiveWorkers(int(p.active.Add(-1)))
	}()

	logger.Info("Executing task", zap.String("instruction_snippet", getSnippet(task.Instruction, 80)))

	workspace, err := os.MkdirTemp(p.opts.WorkspaceDir, "task-*")
	if err != nil {
		p.finish(result, ExecutionResult{ExitCode: -1, Error: fmt.Errorf("%s: %w", ReasonWorkspaceFailure, err)}, nil, logger)
		return
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Warn("Failed to clean up task workspace", zap.String("workspace", workspace), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(p.forceCtx, p.opts.TaskTimeout)
	execResult := p.launcher.Launch(runCtx, task, workspace, logger)
	ctxErr := runCtx.Err()
	cancel()

	p.finish(result, execResult, ctxErr, logger)
}

// finish classifies a launch outcome. A clean exit wins over an expired
// context so a task finishing right at the deadline still counts as succeeded.
func (p *Pool) finish(result models.TaskResult, exec ExecutionResult, ctxErr error, logger *zap.Logger) {
	result.EndedAt = models.PtrTime(time.Now().UTC())
	result.Stdout = exec.Stdout
	result.Stderr = exec.Stderr
	result.StdoutTruncated = exec.StdoutTruncated
	result.StderrTruncated = exec.StderrTruncated

	switch {
	case exec.Exited && exec.ExitCode == 0:
		result.Status = models.StatusSucceeded
		result.ExitCode = models.PtrInt(0)
	case errors.Is(ctxErr, context.DeadlineExceeded):
		result.Status = models.StatusTimedOut
		result.Reason = fmt.Sprintf("exceeded task timeout of %s", p.opts.TaskTimeout)
	case errors.Is(ctxErr, context.Canceled):
		result.Status = models.StatusTimedOut
		result.Reason = ReasonShutdownKilled
	case exec.Exited:
		result.Status = models.StatusFailed
		result.ExitCode = models.PtrInt(exec.ExitCode)
		result.Reason = fmt.Sprintf("exited with code %d", exec.ExitCode)
	default:
		result.Status = models.StatusFailed
		if exec.Error != nil {
			result.Reason = exec.Error.Error()
		} else {
			result.Reason = "unknown launch failure"
		}
	}

	p.record(result)
	p.metrics.TaskFinished(result)

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration()),
	}
	if result.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *result.ExitCode))
	}
	if result.Reason != "" {
		fields = append(fields, zap.String("reason", result.Reason))
	}
	if result.Status == models.StatusSucceeded {
		logger.Info("Task finished", fields...)
	} else {
		logger.Warn("Task finished", fields...)
	}
}

func (p *Pool) record(result models.TaskResult) {
	if err := p.recorder.Record(result); err != nil {
		p.logger.Error("Failed to record task result",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
	}
}
