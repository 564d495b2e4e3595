package monitor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Samplers are the host probes the monitor calls. Tests replace them.
type Samplers struct {
	CPUPercent func(ctx context.Context, window time.Duration) (float64, error)
	Memory     func(ctx context.Context) (models.Metric, error)
	Disk       func(ctx context.Context, path string) (models.Metric, error)
	Uptime     func(ctx context.Context) (uint64, error)
	Hostname   func() (string, error)
}

// HostSamplers reads the real machine through gopsutil.
func HostSamplers() Samplers {
	return Samplers{
		CPUPercent: func(ctx context.Context, window time.Duration) (float64, error) {
			// window 0 compares against the previous call instead of blocking
			percents, err := cpu.PercentWithContext(ctx, window, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, errors.New("cpu percent returned no samples")
			}
			return percents[0], nil
		},
		Memory: func(ctx context.Context) (models.Metric, error) {
			vmStat, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return models.Metric{}, err
			}
			return models.Metric{
				Percent:        vmStat.UsedPercent,
				AvailableBytes: vmStat.Available,
				TotalBytes:     vmStat.Total,
			}, nil
		},
		Disk: func(ctx context.Context, path string) (models.Metric, error) {
			usage, err := disk.UsageWithContext(ctx, path)
			if err != nil {
				return models.Metric{}, err
			}
			return models.Metric{
				Percent:        usage.UsedPercent,
				AvailableBytes: usage.Free,
				TotalBytes:     usage.Total,
				Path:           usage.Path,
			}, nil
		},
		Uptime:   host.UptimeWithContext,
		Hostname: os.Hostname,
	}
}

// Monitor samples local resources for advertisements and status queries.
type Monitor struct {
	nodeID   string
	diskPath string
	window   time.Duration
	samplers Samplers
	logger   *zap.Logger
}

// New creates a resource monitor for diskPath. A zero window samples CPU
// against the previous call.
func New(nodeID, diskPath string, window time.Duration, samplers Samplers, logger *zap.Logger) *Monitor {
	return &Monitor{
		nodeID:   nodeID,
		diskPath: diskPath,
		window:   window,
		samplers: samplers,
		logger:   logger.Named("monitor"),
	}
}

// Sample reads every metric. A metric that cannot be read is reported as
// unavailable; Sample itself never fails.
func (m *Monitor) Sample(ctx context.Context) models.ResourceSnapshot {
	snap := models.ResourceSnapshot{
		NodeID:     m.nodeID,
		CapturedAt: time.Now().UTC(),
	}

	if m.samplers.Hostname != nil {
		if name, err := m.samplers.Hostname(); err == nil {
			snap.Hostname = name
		}
	}

	if pct, err := m.samplers.CPUPercent(ctx, m.window); err != nil {
		m.logger.Warn("Failed to get CPU usage", zap.Error(err))
		snap.CPU = models.UnavailableMetric(err)
	} else {
		snap.CPU = models.Metric{Percent: pct}
	}

	if metric, err := m.samplers.Memory(ctx); err != nil {
		m.logger.Warn("Failed to get virtual memory stats", zap.Error(err))
		snap.Memory = models.UnavailableMetric(err)
	} else {
		snap.Memory = metric
	}

	if metric, err := m.samplers.Disk(ctx, m.diskPath); err != nil {
		m.logger.Warn("Failed to get disk usage stats", zap.String("path", m.diskPath), zap.Error(err))
		snap.Disk = models.UnavailableMetric(err)
		snap.Disk.Path = m.diskPath
	} else {
		snap.Disk = metric
		if snap.Disk.Path == "" {
			snap.Disk.Path = m.diskPath
		}
	}

	if m.samplers.Uptime != nil {
		if upTime, err := m.samplers.Uptime(ctx); err != nil {
			m.logger.Debug("Failed to get host uptime", zap.Error(err))
		} else {
			snap.UptimeSeconds = upTime
		}
	}

	return snap
}
