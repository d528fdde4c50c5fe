package model

import "time"

// AlertType names a queue health condition.
type AlertType string

const (
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertStuckJobs       AlertType = "stuck_jobs"
	AlertBacklog         AlertType = "backlog"
	AlertWorkerError     AlertType = "worker_error"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an actionable queue health problem, delivered to admins only.
type Alert struct {
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	FailureRate float64   `json:"failure_rate,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Total       int       `json:"total,omitempty"`
	StuckJobIDs []string  `json:"stuck_job_ids,omitempty"`
	Waiting     int       `json:"waiting,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// QueueStats is the live dashboard view of one poll.
type QueueStats struct {
	Waiting             int       `json:"waiting"`
	Active              int       `json:"active"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	Total               int       `json:"total"`
	FailureRate         float64   `json:"failure_rate"`
	ThroughputPerMinute float64   `json:"throughput_per_minute"`
	AvgWaitMs           int64     `json:"avg_wait_ms"`
	ActiveWorkers       int       `json:"active_workers"`
	Backlog             int       `json:"backlog"`
	WindowSeconds       int       `json:"window_seconds"`
	At                  time.Time `json:"at"`
}
