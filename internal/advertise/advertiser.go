package advertise

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/metrics"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/dante-gpu/dante-mesh/internal/retryer"
	"github.com/dante-gpu/dante-mesh/internal/transport"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sampler returns the current host resources.
type Sampler interface {
	Sample(ctx context.Context) models.ResourceSnapshot
}

// LoadSource reports executor occupancy for the advertisement.
type LoadSource interface {
	Workers() int
	ActiveWorkers() int
	QueueDepth() int
}

// Options configures what and where to advertise.
type Options struct {
	Topic      string
	TaskTopic  string
	Interval   time.Duration
	HourlyRate decimal.Decimal
	Version    string
	Retry      retryer.Config
}

// Advertiser periodically publishes this node's resources.
type Advertiser struct {
	opts      Options
	sampler   Sampler
	load      LoadSource
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates an advertiser; Run starts the loop.
func New(opts Options, sampler Sampler, load LoadSource, tr transport.Transport, m *metrics.Metrics, logger *zap.Logger) *Advertiser {
	return &Advertiser{
		opts:      opts,
		sampler:   sampler,
		load:      load,
		transport: tr,
		metrics:   m,
		logger:    logger.Named("advertiser").With(zap.String("topic", opts.Topic)),
	}
}

// Build samples resources and assembles the advertisement message.
func (a *Advertiser) Build(ctx context.Context) models.Advertisement {
	ad := models.Advertisement{
		ResourceSnapshot: a.sampler.Sample(ctx),
		HourlyRate:       a.opts.HourlyRate,
		TaskTopic:        a.opts.TaskTopic,
		Version:          a.opts.Version,
	}
	if a.load != nil {
		ad.Workers = a.load.Workers()
		ad.ActiveWorkers = a.load.ActiveWorkers()
		ad.QueueDepth = a.load.QueueDepth()
	}
	return ad
}

// PublishOnce builds and publishes one advertisement, retrying transient
// transport failures within the retry budget.
func (a *Advertiser) PublishOnce(ctx context.Context) error {
	ad := a.Build(ctx)
	payload, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("failed to marshal advertisement: %w", err)
	}

	err = retryer.WithRetry(ctx, a.logger, a.opts.Retry, "publish advertisement", func() error {
		return a.transport.Publish(ctx, a.opts.Topic, payload)
	})
	a.metrics.Advertisement(err == nil)
	if err != nil {
		return err
	}

	a.logger.Debug("Advertisement published",
		zap.Float64("cpu_percent", ad.CPU.Percent),
		zap.Float64("memory_percent", ad.Memory.Percent),
		zap.Int("active_workers", ad.ActiveWorkers),
		zap.Int("queue_depth", ad.QueueDepth))
	return nil
}

// Run publishes immediately and then on every tick until ctx is done.
// Failures are logged and never end the loop.
func (a *Advertiser) Run(ctx context.Context) {
	a.logger.Info("Resource advertisement started", zap.Duration("interval", a.opts.Interval))
	defer a.logger.Info("Resource advertisement stopped")

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		if err := a.PublishOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("Failed to publish advertisement, will retry next tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
