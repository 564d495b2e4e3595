package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func fakeSamplers() Samplers {
	return Samplers{
		CPUPercent: func(context.Context, time.Duration) (float64, error) { return 12.5, nil },
		Memory: func(context.Context) (models.Metric, error) {
			return models.Metric{Percent: 40, AvailableBytes: 600, TotalBytes: 1000}, nil
		},
		Disk: func(_ context.Context, path string) (models.Metric, error) {
			return models.Metric{Percent: 70, AvailableBytes: 30, TotalBytes: 100}, nil
		},
		Uptime:   func(context.Context) (uint64, error) { return 42, nil },
		Hostname: func() (string, error) { return "node-a", nil },
	}
}

func TestSnapshot_AllMetrics(t *testing.T) {
	m := New("n1", "/data", 0, fakeSamplers(), zap.NewNop())
	snap := m.Sample(context.Background())

	assert.Equal(t, "n1", snap.NodeID)
	assert.Equal(t, "node-a", snap.Hostname)
	assert.Equal(t, 12.5, snap.CPU.Percent)
	assert.False(t, snap.CPU.Unavailable)
	assert.Equal(t, uint64(600), snap.Memory.AvailableBytes)
	assert.Equal(t, "/data", snap.Disk.Path)
	assert.Equal(t, uint64(42), snap.UptimeSeconds)
	assert.False(t, snap.CapturedAt.IsZero())
}

func TestSnapshot_FailedMetricIsUnavailable(t *testing.T) {
	s := fakeSamplers()
	s.Disk = func(context.Context, string) (models.Metric, error) {
		return models.Metric{}, errors.New("no such mount")
	}
	m := New("n1", "/missing", 0, s, zap.NewNop())
	snap := m.Sample(context.Background())

	assert.True(t, snap.Disk.Unavailable)
	assert.Equal(t, "no such mount", snap.Disk.Error)
	assert.Equal(t, "/missing", snap.Disk.Path)
	// The other metrics are still reported.
	assert.False(t, snap.CPU.Unavailable)
	assert.False(t, snap.Memory.Unavailable)
}

func TestHostSamplers_ReadRealMachine(t *testing.T) {
	m := New("n1", "/", 0, HostSamplers(), zap.NewNop())
	snap := m.Sample(context.Background())
	assert.Equal(t, "n1", snap.NodeID)
	if !snap.Memory.Unavailable {
		assert.Greater(t, snap.Memory.TotalBytes, uint64(0))
	}
}
