package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_CreatesDefaultWithNodeID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "agent.yaml")

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	require.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, 60*time.Second, cfg.Executor.TaskTimeout)
	assert.Equal(t, 30*time.Second, cfg.Advertisement.Interval)
	assert.Equal(t, DefaultTaskTopic, cfg.Transport.TaskTopic)

	_, err = os.Stat(path)
	require.NoError(t, err)

	// The node id survives a restart.
	again, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, again.NodeID)
}

func TestLoadConfig_PartialFileGetsDefaultsAndPersistedID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  workers: 3\n  task_timeout: 5s\n"), 0644))

	cfg, err := LoadConfig(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Executor.Workers)
	assert.Equal(t, 5*time.Second, cfg.Executor.TaskTimeout)
	assert.Equal(t, "python3", cfg.Executor.Interpreter)
	assert.Equal(t, 1000, cfg.History.Limit)
	require.NotEmpty(t, cfg.NodeID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), cfg.NodeID)
}

func TestParse_RejectsInvalidValues(t *testing.T) {
	_, err := Parse([]byte("transport:\n  kind: carrier-pigeon\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = Parse([]byte("advertisement:\n  hourly_rate: cheap\n"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	_, err = Parse([]byte("transport:\n  task_topic: same\n  advertisement_topic: same\n"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestWorkerCountAndRate(t *testing.T) {
	cfg, err := Parse([]byte("advertisement:\n  hourly_rate: \"0.35\"\n"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cfg.WorkerCount(), 1)
	assert.Equal(t, "0.35", cfg.HourlyRate().String())

	cfg.Executor.Workers = 2
	assert.Equal(t, 2, cfg.WorkerCount())
}

func TestAtomicWrite_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.yaml")
	require.NoError(t, AtomicWrite(path, []byte("one")))
	require.NoError(t, AtomicWrite(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
