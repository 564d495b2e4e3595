package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric is one sampled resource. When sampling failed, Unavailable is set and
// Error holds the reason; the numeric fields are then meaningless.
type Metric struct {
	Percent        float64 `json:"percent"`
	AvailableBytes uint64  `json:"available_bytes,omitempty"`
	TotalBytes     uint64  `json:"total_bytes,omitempty"`
	Path           string  `json:"path,omitempty"`
	Unavailable    bool    `json:"unavailable"`
	Error          string  `json:"error,omitempty"`
}

// UnavailableMetric marks a metric whose sampling failed.
func UnavailableMetric(err error) Metric {
	m := Metric{Unavailable: true}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// ResourceSnapshot is a point-in-time view of the local host.
type ResourceSnapshot struct {
	NodeID        string    `json:"node_id"`
	Hostname      string    `json:"hostname,omitempty"`
	CPU           Metric    `json:"cpu"`
	Memory        Metric    `json:"memory"`
	Disk          Metric    `json:"disk"`
	UptimeSeconds uint64    `json:"uptime_seconds,omitempty"`
	CapturedAt    time.Time `json:"timestamp"`
}

// Advertisement is published periodically on the advertisement topic.
type Advertisement struct {
	ResourceSnapshot
	Workers       int             `json:"workers"`
	ActiveWorkers int             `json:"active_workers"`
	QueueDepth    int             `json:"queue_depth"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	TaskTopic     string          `json:"task_topic"`
	Version       string          `json:"version"`
}

// AgentStatus is returned by the control surface.
type AgentStatus struct {
	NodeID        string             `json:"node_id"`
	Version       string             `json:"version"`
	Resources     ResourceSnapshot   `json:"resources"`
	QueueDepth    int                `json:"queue_depth"`
	QueueCapacity int                `json:"queue_capacity"`
	ActiveWorkers int                `json:"active_workers"`
	Workers       int                `json:"workers"`
	TaskCounts    map[TaskStatus]int `json:"task_counts"`
	Stopping      bool               `json:"stopping"`
	StartedAt     time.Time          `json:"started_at"`
	UptimeSeconds float64            `json:"uptime_seconds"`
}
