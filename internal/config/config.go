package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTaskTopic is the well-known subject peers publish tasks on.
	DefaultTaskTopic = "omnitide_swarm_tasks"
	// DefaultAdvertisementTopic is the well-known subject resource adverts go to.
	DefaultAdvertisementTopic = "omnitide_swarm_resources"

	TransportNATS   = "nats"
	TransportMemory = "memory"

	LauncherProcess = "process"
	LauncherDocker  = "docker"
)

// LoggingConfig holds logger specific configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"` // Empty disables the rotating file sink
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TransportConfig holds pub/sub substrate configuration.
type TransportConfig struct {
	Kind               string        `yaml:"kind"` // "nats" or "memory"
	URL                string        `yaml:"url"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReconnectWait      time.Duration `yaml:"reconnect_wait"`
	MaxReconnects      int           `yaml:"max_reconnects"`
	FlushTimeout       time.Duration `yaml:"flush_timeout"`
	TaskTopic          string        `yaml:"task_topic"`
	AdvertisementTopic string        `yaml:"advertisement_topic"`
	SubscribeBuffer    int           `yaml:"subscribe_buffer"`
}

// IntakeConfig holds task intake and dedup configuration.
type IntakeConfig struct {
	DedupWindow     int `yaml:"dedup_window"` // Number of task ids remembered
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	MaxTaskIDLength int `yaml:"max_task_id_length"`
}

// DockerSettings holds configuration for the container launcher.
type DockerSettings struct {
	Endpoint        string  `yaml:"endpoint,omitempty"`
	Image           string  `yaml:"image"`
	MemoryMB        int64   `yaml:"memory_mb"`
	CPUs            float64 `yaml:"cpus"`
	NetworkDisabled bool    `yaml:"network_disabled"`
}

// ExecutorSettings holds executor specific configuration.
type ExecutorSettings struct {
	Launcher        string         `yaml:"launcher"` // "process" or "docker"
	Interpreter     string         `yaml:"interpreter"`
	InterpreterArgs []string       `yaml:"interpreter_args"`
	Workers         int            `yaml:"workers"` // 0 means one per CPU
	QueueSize       int            `yaml:"queue_size"`
	TaskTimeout     time.Duration  `yaml:"task_timeout"`
	KillGrace       time.Duration  `yaml:"kill_grace"`
	MaxOutputBytes  int            `yaml:"max_output_bytes"`
	WorkspaceDir    string         `yaml:"workspace_dir"`
	EnvPassthrough  []string       `yaml:"env_passthrough,omitempty"`
	Docker          DockerSettings `yaml:"docker"`
}

// HistoryConfig holds execution history configuration.
type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

// RetrySettings mirrors retryer.Config in YAML form.
type RetrySettings struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// AdvertisementConfig holds resource advertisement configuration.
type AdvertisementConfig struct {
	Interval     time.Duration `yaml:"interval"`
	DiskPath     string        `yaml:"disk_path"`
	HourlyRate   string        `yaml:"hourly_rate"` // Decimal string, asking price per hour
	SampleWindow time.Duration `yaml:"sample_window"`
	PublishRetry RetrySettings `yaml:"publish_retry"`
}

// ControlConfig holds the control surface configuration.
type ControlConfig struct {
	ListenAddr     string        `yaml:"listen_addr"` // Empty disables the HTTP API
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // Requests per second, 0 means unlimited
	RateBurst      int           `yaml:"rate_burst"`
}

// ConsulConfig holds optional service registration settings.
type ConsulConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Address             string        `yaml:"address"`
	ServiceName         string        `yaml:"service_name"`
	Tags                []string      `yaml:"tags,omitempty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// Config holds the application configuration for the swarm agent.
type Config struct {
	NodeID string `yaml:"node_id"`

	Logging       LoggingConfig       `yaml:"logging"`
	Transport     TransportConfig     `yaml:"transport"`
	Intake        IntakeConfig        `yaml:"intake"`
	Executor      ExecutorSettings    `yaml:"executor"`
	History       HistoryConfig       `yaml:"history"`
	Advertisement AdvertisementConfig `yaml:"advertisement"`
	Control       ControlConfig       `yaml:"control"`
	Consul        ConsulConfig        `yaml:"consul"`

	Logger *zap.Logger `yaml:"-"`
}

// Default returns the configuration used when no file exists yet.
// NodeID is left empty; LoadConfig generates and persists it.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
		Transport: TransportConfig{
			Kind:               TransportNATS,
			URL:                "nats://localhost:4222",
			ConnectTimeout:     5 * time.Second,
			ReconnectWait:      3 * time.Second,
			MaxReconnects:      -1, // Infinite
			FlushTimeout:       2 * time.Second,
			TaskTopic:          DefaultTaskTopic,
			AdvertisementTopic: DefaultAdvertisementTopic,
			SubscribeBuffer:    256,
		},
		Intake: IntakeConfig{
			DedupWindow:     10000,
			MaxPayloadBytes: 64 * 1024,
			MaxTaskIDLength: 256,
		},
		Executor: ExecutorSettings{
			Launcher:        LauncherProcess,
			Interpreter:     "python3",
			InterpreterArgs: []string{"-c"},
			Workers:         0,
			QueueSize:       64,
			TaskTimeout:     60 * time.Second,
			KillGrace:       2 * time.Second,
			MaxOutputBytes:  64 * 1024,
			WorkspaceDir:    filepath.Join(os.TempDir(), "dante_mesh_tasks"),
			Docker: DockerSettings{
				Endpoint:        "unix:///var/run/docker.sock",
				Image:           "python:3.12-slim",
				MemoryMB:        256,
				CPUs:            1,
				NetworkDisabled: true,
			},
		},
		History: HistoryConfig{
			Limit: 1000,
		},
		Advertisement: AdvertisementConfig{
			Interval:   30 * time.Second,
			DiskPath:   defaultDiskPath(),
			HourlyRate: "0",
			PublishRetry: RetrySettings{
				MaxAttempts:   3,
				InitialDelay:  200 * time.Millisecond,
				MaxDelay:      2 * time.Second,
				BackoffFactor: 2.0,
			},
		},
		Control: ControlConfig{
			ListenAddr:     "127.0.0.1:7070",
			ShutdownGrace:  30 * time.Second,
			RequestTimeout: 10 * time.Second,
			RateLimit:      50,
			RateBurst:      100,
		},
		Consul: ConsulConfig{
			Enabled:             false,
			Address:             "localhost:8500",
			ServiceName:         "dante-mesh-agent",
			Tags:                []string{"mesh", "agent"},
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
	}
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return "C:"
	}
	return "/"
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file (with a new node id) if it doesn't exist.
// Creation and node id persistence are serialized through a lock file so two
// agents started at once against the same path end up with the same identity.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	lock := NewFileLock(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("Failed to release config lock", zap.Error(err))
		}
	}()

	defaults := Default()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.NodeID = uuid.New().String()
		cfg.Logger = logger
		if err := SaveConfig(cfg, path); err != nil {
			return nil, err
		}
		logger.Info("Default configuration file created", zap.String("path", path), zap.String("node_id", cfg.NodeID))
		return cfg, cfg.Validate()
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	cfg.Logger = logger

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
		logger.Info("Generated node id", zap.String("node_id", cfg.NodeID))
		if err := SaveConfig(&cfg, path); err != nil {
			return nil, err
		}
	}

	return &cfg, cfg.Validate()
}

// Parse decodes a YAML document and applies defaults without touching disk.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	applyDefaultsIfNotSet(&cfg, Default())
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	return &cfg, cfg.Validate()
}

// applyDefaultsIfNotSet applies default values to cfg fields if they are zero-valued.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaults.Logging.MaxBackups
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = defaults.Logging.MaxAgeDays
	}

	// Transport
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = defaults.Transport.Kind
	}
	if cfg.Transport.URL == "" {
		cfg.Transport.URL = defaults.Transport.URL
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = defaults.Transport.ConnectTimeout
	}
	if cfg.Transport.ReconnectWait == 0 {
		cfg.Transport.ReconnectWait = defaults.Transport.ReconnectWait
	}
	// 0 reads as unset; -1 means reconnect forever.
	if cfg.Transport.MaxReconnects == 0 {
		cfg.Transport.MaxReconnects = defaults.Transport.MaxReconnects
	}
	if cfg.Transport.FlushTimeout == 0 {
		cfg.Transport.FlushTimeout = defaults.Transport.FlushTimeout
	}
	if cfg.Transport.TaskTopic == "" {
		cfg.Transport.TaskTopic = defaults.Transport.TaskTopic
	}
	if cfg.Transport.AdvertisementTopic == "" {
		cfg.Transport.AdvertisementTopic = defaults.Transport.AdvertisementTopic
	}
	if cfg.Transport.SubscribeBuffer == 0 {
		cfg.Transport.SubscribeBuffer = defaults.Transport.SubscribeBuffer
	}

	// Intake
	if cfg.Intake.DedupWindow == 0 {
		cfg.Intake.DedupWindow = defaults.Intake.DedupWindow
	}
	if cfg.Intake.MaxPayloadBytes == 0 {
		cfg.Intake.MaxPayloadBytes = defaults.Intake.MaxPayloadBytes
	}
	if cfg.Intake.MaxTaskIDLength == 0 {
		cfg.Intake.MaxTaskIDLength = defaults.Intake.MaxTaskIDLength
	}

	// Executor
	if cfg.Executor.Launcher == "" {
		cfg.Executor.Launcher = defaults.Executor.Launcher
	}
	if cfg.Executor.Interpreter == "" {
		cfg.Executor.Interpreter = defaults.Executor.Interpreter
	}
	if cfg.Executor.InterpreterArgs == nil {
		cfg.Executor.InterpreterArgs = defaults.Executor.InterpreterArgs
	}
	if cfg.Executor.QueueSize == 0 {
		cfg.Executor.QueueSize = defaults.Executor.QueueSize
	}
	if cfg.Executor.TaskTimeout == 0 {
		cfg.Executor.TaskTimeout = defaults.Executor.TaskTimeout
	}
	if cfg.Executor.KillGrace == 0 {
		cfg.Executor.KillGrace = defaults.Executor.KillGrace
	}
	if cfg.Executor.MaxOutputBytes == 0 {
		cfg.Executor.MaxOutputBytes = defaults.Executor.MaxOutputBytes
	}
	if cfg.Executor.WorkspaceDir == "" {
		cfg.Executor.WorkspaceDir = defaults.Executor.WorkspaceDir
	}
	if cfg.Executor.Docker.Endpoint == "" {
		cfg.Executor.Docker.Endpoint = defaults.Executor.Docker.Endpoint
	}
	if cfg.Executor.Docker.Image == "" {
		cfg.Executor.Docker.Image = defaults.Executor.Docker.Image
	}
	if cfg.Executor.Docker.MemoryMB == 0 {
		cfg.Executor.Docker.MemoryMB = defaults.Executor.Docker.MemoryMB
	}
	if cfg.Executor.Docker.CPUs == 0 {
		cfg.Executor.Docker.CPUs = defaults.Executor.Docker.CPUs
	}

	// History
	if cfg.History.Limit == 0 {
		cfg.History.Limit = defaults.History.Limit
	}

	// Advertisement
	if cfg.Advertisement.Interval == 0 {
		cfg.Advertisement.Interval = defaults.Advertisement.Interval
	}
	if cfg.Advertisement.DiskPath == "" {
		cfg.Advertisement.DiskPath = defaults.Advertisement.DiskPath
	}
	if cfg.Advertisement.HourlyRate == "" {
		cfg.Advertisement.HourlyRate = defaults.Advertisement.HourlyRate
	}
	if cfg.Advertisement.PublishRetry.MaxAttempts == 0 {
		cfg.Advertisement.PublishRetry = defaults.Advertisement.PublishRetry
	}

	// Control
	if cfg.Control.ShutdownGrace == 0 {
		cfg.Control.ShutdownGrace = defaults.Control.ShutdownGrace
	}
	if cfg.Control.RequestTimeout == 0 {
		cfg.Control.RequestTimeout = defaults.Control.RequestTimeout
	}
	if cfg.Control.RateBurst == 0 {
		cfg.Control.RateBurst = defaults.Control.RateBurst
	}

	// Consul
	if cfg.Consul.Address == "" {
		cfg.Consul.Address = defaults.Consul.Address
	}
	if cfg.Consul.ServiceName == "" {
		cfg.Consul.ServiceName = defaults.Consul.ServiceName
	}
	if cfg.Consul.HealthCheckInterval == 0 {
		cfg.Consul.HealthCheckInterval = defaults.Consul.HealthCheckInterval
	}
	if cfg.Consul.HealthCheckTimeout == 0 {
		cfg.Consul.HealthCheckTimeout = defaults.Consul.HealthCheckTimeout
	}
}

// WorkerCount resolves the configured concurrency cap.
func (c *Config) WorkerCount() int {
	if c.Executor.Workers > 0 {
		return c.Executor.Workers
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// HourlyRate returns the parsed advertised price.
func (c *Config) HourlyRate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Advertisement.HourlyRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// Validate checks value ranges after defaults have been applied.
func (c *Config) Validate() error {
	var problems []string

	switch c.Transport.Kind {
	case TransportNATS, TransportMemory:
	default:
		problems = append(problems, fmt.Sprintf("transport.kind must be %q or %q", TransportNATS, TransportMemory))
	}
	if c.Transport.TaskTopic == c.Transport.AdvertisementTopic {
		problems = append(problems, "transport.task_topic and transport.advertisement_topic must differ")
	}
	switch c.Executor.Launcher {
	case LauncherProcess, LauncherDocker:
	default:
		problems = append(problems, fmt.Sprintf("executor.launcher must be %q or %q", LauncherProcess, LauncherDocker))
	}
	if c.Executor.Workers < 0 {
		problems = append(problems, "executor.workers must not be negative")
	}
	if c.Executor.QueueSize < 1 {
		problems = append(problems, "executor.queue_size must be at least 1")
	}
	if c.Executor.TaskTimeout < 0 {
		problems = append(problems, "executor.task_timeout must be positive")
	}
	if c.Executor.MaxOutputBytes < 1 {
		problems = append(problems, "executor.max_output_bytes must be at least 1")
	}
	if c.Intake.DedupWindow < 1 {
		problems = append(problems, "intake.dedup_window must be at least 1")
	}
	if c.History.Limit < 1 {
		problems = append(problems, "history.limit must be at least 1")
	}
	if c.Advertisement.Interval < 0 {
		problems = append(problems, "advertisement.interval must be positive")
	}
	if _, err := decimal.NewFromString(c.Advertisement.HourlyRate); err != nil {
		problems = append(problems, fmt.Sprintf("advertisement.hourly_rate %q is not a decimal", c.Advertisement.HourlyRate))
	}
	if c.Control.ShutdownGrace < 0 {
		problems = append(problems, "control.shutdown_grace must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// SaveConfig saves the current configuration to the specified path.
// NOTE: This will overwrite the existing config file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("Configuration saved", zap.String("path", path))
	}
	return nil
}
