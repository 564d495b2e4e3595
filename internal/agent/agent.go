// Package agent wires the swarm agent together: transport, intake, executor
// pool, history, resource monitor and advertisement loop. All mutable state
// lives in one Agent value; several agents can share a process.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/advertise"
	"github.com/dante-gpu/dante-mesh/internal/config"
	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/executor"
	"github.com/dante-gpu/dante-mesh/internal/history"
	"github.com/dante-gpu/dante-mesh/internal/intake"
	"github.com/dante-gpu/dante-mesh/internal/metrics"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/dante-gpu/dante-mesh/internal/monitor"
	"github.com/dante-gpu/dante-mesh/internal/retryer"
	"github.com/dante-gpu/dante-mesh/internal/transport"
	"go.uber.org/zap"
)

// Option overrides a dependency the agent would otherwise build itself.
type Option func(*Agent)

// WithTransport makes the agent use tr instead of connecting per config.
// The agent does not close a transport it was given.
func WithTransport(tr transport.Transport) Option {
	return func(a *Agent) {
		a.transport = tr
		a.ownsTransport = false
	}
}

// WithLauncher replaces the configured launcher.
func WithLauncher(l executor.Launcher) Option {
	return func(a *Agent) { a.launcher = l }
}

// WithSamplers replaces the host resource probes.
func WithSamplers(s monitor.Samplers) Option {
	return func(a *Agent) { a.samplers = &s }
}

// Agent is one node of the compute mesh.
type Agent struct {
	cfg     *config.Config
	version string
	logger  *zap.Logger

	transport     transport.Transport
	ownsTransport bool
	launcher      executor.Launcher
	samplers      *monitor.Samplers

	metrics    *metrics.Metrics
	history    *history.Store
	monitor    *monitor.Monitor
	pool       *executor.Pool
	intake     *intake.Intake
	advertiser *advertise.Advertiser

	submitRetry retryer.Config

	mu        sync.Mutex
	startedAt time.Time
	started   atomic.Bool
	stopping  atomic.Bool
	loopsStop context.CancelFunc
	loops     sync.WaitGroup
	stopOnce  sync.Once
	done      chan struct{}
}

// New builds an agent and connects to the transport. Connection failure is
// returned to the caller as fatal.
func New(ctx context.Context, cfg *config.Config, version string, logger *zap.Logger, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:           cfg,
		version:       version,
		logger:        logger.With(zap.String("node_id", cfg.NodeID)),
		ownsTransport: true,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.metrics = metrics.New(cfg.NodeID)
	a.history = history.NewStore(cfg.History.Limit, a.logger)

	samplers := monitor.HostSamplers()
	if a.samplers != nil {
		samplers = *a.samplers
	}
	a.monitor = monitor.New(cfg.NodeID, cfg.Advertisement.DiskPath, cfg.Advertisement.SampleWindow, samplers, a.logger)

	if a.launcher == nil {
		launcher, err := executor.NewLauncher(cfg.Executor, a.logger)
		if err != nil {
			return nil, err
		}
		a.launcher = launcher
	}
	a.pool = executor.NewPool(executor.OptionsFromConfig(cfg), a.launcher, a.history, a.metrics, a.logger)

	if a.transport == nil {
		tr, err := transport.New(ctx, cfg.Transport, "dante-mesh-agent-"+cfg.NodeID, a.logger)
		if err != nil {
			return nil, err
		}
		a.transport = tr
	}

	in, err := intake.New(cfg.Intake, cfg.Transport.TaskTopic, a.transport, a.pool, a.metrics, a.logger)
	if err != nil {
		a.closeTransport()
		return nil, err
	}
	a.intake = in

	publishRetry := cfg.Advertisement.PublishRetry
	retryCfg := retryer.Config{
		MaxAttempts:      publishRetry.MaxAttempts,
		InitialDelay:     publishRetry.InitialDelay,
		MaxDelay:         publishRetry.MaxDelay,
		BackoffFactor:    publishRetry.BackoffFactor,
		JitterPercentage: 0.2,
	}
	a.submitRetry = retryCfg
	a.advertiser = advertise.New(advertise.Options{
		Topic:      cfg.Transport.AdvertisementTopic,
		TaskTopic:  cfg.Transport.TaskTopic,
		Interval:   cfg.Advertisement.Interval,
		HourlyRate: cfg.HourlyRate(),
		Version:    version,
		Retry:      retryCfg,
	}, a.monitor, a.pool, a.transport, a.metrics, a.logger)

	return a, nil
}

// Start spawns the workers, subscribes to the task topic and starts the
// intake and advertisement loops. It fails if the workers cannot start or
// the task topic cannot be subscribed.
func (a *Agent) Start(ctx context.Context) error {
	if a.stopping.Load() {
		return apperrors.ErrAgentStopped
	}
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loopsCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.loopsStop = cancel
	a.mu.Unlock()

	// The subscription lives as long as the loops; ctx only bounds the attempt.
	stopWatch := context.AfterFunc(ctx, cancel)
	err := a.intake.Open(loopsCtx)
	stopWatch()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to task topic %s: %w", a.cfg.Transport.TaskTopic, err)
	}

	a.mu.Lock()
	if a.stopping.Load() {
		a.mu.Unlock()
		cancel()
		return apperrors.ErrAgentStopped
	}
	a.startedAt = time.Now().UTC()
	a.loops.Add(2)
	a.mu.Unlock()

	go func() {
		defer a.loops.Done()
		a.intake.Run(loopsCtx)
	}()
	go func() {
		defer a.loops.Done()
		a.advertiser.Run(loopsCtx)
	}()

	a.logger.Info("Swarm agent started",
		zap.String("version", a.version),
		zap.String("task_topic", a.cfg.Transport.TaskTopic),
		zap.String("advertisement_topic", a.cfg.Transport.AdvertisementTopic),
		zap.Int("workers", a.pool.Workers()),
		zap.Duration("task_timeout", a.cfg.Executor.TaskTimeout))
	return nil
}

// Stop begins graceful shutdown and returns immediately. Intake and
// advertising stop at once; running tasks get control.shutdown_grace to
// finish before they are killed. Further calls have no effect.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.stopping.Store(true)
		a.logger.Info("Swarm agent stopping", zap.Duration("grace", a.cfg.Control.ShutdownGrace))
		go a.shutdown()
	})
}

// Shutdown stops the agent and waits until it is fully down or ctx ends.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.Stop()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) shutdown() {
	defer close(a.done)

	a.mu.Lock()
	stopLoops := a.loopsStop
	a.mu.Unlock()
	if stopLoops != nil {
		stopLoops()
	}
	a.loops.Wait()

	a.pool.Shutdown(a.cfg.Control.ShutdownGrace)
	a.closeTransport()

	counts := a.history.Counts()
	a.logger.Info("Swarm agent stopped",
		zap.Int("succeeded", counts[models.StatusSucceeded]),
		zap.Int("failed", counts[models.StatusFailed]),
		zap.Int("timed_out", counts[models.StatusTimedOut]))
}

func (a *Agent) closeTransport() {
	if !a.ownsTransport || a.transport == nil {
		return
	}
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("Failed to close transport", zap.Error(err))
	}
}

// Done is closed once shutdown has completed.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Stopping reports whether Stop has been called.
func (a *Agent) Stopping() bool {
	return a.stopping.Load()
}

// NodeID returns this node's mesh identity.
func (a *Agent) NodeID() string {
	return a.cfg.NodeID
}

// Version returns the build version the agent advertises.
func (a *Agent) Version() string {
	return a.version
}

// Metrics returns the agent's collectors.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// TransportConnected reports whether publishing is currently possible.
func (a *Agent) TransportConnected() bool {
	return a.transport != nil && a.transport.Connected()
}

// Status returns a point-in-time view of the node.
func (a *Agent) Status(ctx context.Context) models.AgentStatus {
	status := models.AgentStatus{
		NodeID:        a.cfg.NodeID,
		Version:       a.version,
		Resources:     a.monitor.Sample(ctx),
		QueueDepth:    a.pool.QueueDepth(),
		QueueCapacity: a.pool.QueueCapacity(),
		ActiveWorkers: a.pool.ActiveWorkers(),
		Workers:       a.pool.Workers(),
		TaskCounts:    a.history.Counts(),
		Stopping:      a.stopping.Load(),
	}
	a.mu.Lock()
	status.StartedAt = a.startedAt
	a.mu.Unlock()
	if !status.StartedAt.IsZero() {
		status.UptimeSeconds = time.Since(status.StartedAt).Seconds()
	}
	return status
}

// Tasks lists recorded results in arrival order.
func (a *Agent) Tasks(filter models.TaskFilter) []models.TaskResult {
	return a.history.List(filter)
}

// Task returns the latest result recorded for taskID.
func (a *Agent) Task(taskID string) (models.TaskResult, error) {
	return a.history.Get(taskID)
}

// Submit validates msg and publishes it on the task topic. The transport does
// not echo a node's own publications, so only peers run it.
func (a *Agent) Submit(ctx context.Context, msg models.TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if _, err := a.intake.Parse(payload); err != nil {
		return err
	}

	err = retryer.WithRetry(ctx, a.logger, a.submitRetry, "publish task", func() error {
		return a.transport.Publish(ctx, a.cfg.Transport.TaskTopic, payload)
	})
	if err != nil {
		return err
	}
	a.logger.Info("Task published to mesh", zap.String("task_id", msg.TaskID))
	return nil
}
