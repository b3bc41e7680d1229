package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pool and action counters
type Metrics struct {
	// Task metrics
	TasksSubmitted  atomic.Int64
	TasksCompleted  atomic.Int64
	TasksFailed     atomic.Int64
	TasksInProgress atomic.Int64
	TasksQueued     atomic.Int64

	// Queue metrics
	QueueLatency atomic.Int64 // in nanoseconds

	// Worker metrics
	ActiveWorkers atomic.Int64
	IdleWorkers   atomic.Int64

	// Performance metrics
	TotalTaskTime atomic.Int64 // in nanoseconds
	TaskCount     atomic.Int64

	// Lock denials that sent an action back to WAITING
	LockDenials atomic.Int64

	// Actions reclaimed from dead workers
	Reclaimed atomic.Int64

	// Final action outcomes by verb and status
	actionOutcomes *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		actionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of finished actions by verb and final status",
			},
			[]string{"action", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Time from claim to final status in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// RecordTaskSubmission records a task submission
func (m *Metrics) RecordTaskSubmission() {
	m.TasksSubmitted.Add(1)
	m.TasksQueued.Add(1)
}

// RecordTaskStart records the start of a task
func (m *Metrics) RecordTaskStart(latency time.Duration) {
	m.TasksQueued.Add(-1)
	m.TasksInProgress.Add(1)
	m.QueueLatency.Store(latency.Nanoseconds())
}

// RecordTaskCompletion records the completion of a task
func (m *Metrics) RecordTaskCompletion(duration time.Duration) {
	m.TasksInProgress.Add(-1)
	m.TasksCompleted.Add(1)
	m.TotalTaskTime.Add(duration.Nanoseconds())
	m.TaskCount.Add(1)
}

// RecordTaskFailure records a task failure
func (m *Metrics) RecordTaskFailure(duration time.Duration) {
	m.TasksInProgress.Add(-1)
	m.TasksFailed.Add(1)
	m.TotalTaskTime.Add(duration.Nanoseconds())
	m.TaskCount.Add(1)
}

// RecordActionOutcome counts an action reaching a terminal status.
func (m *Metrics) RecordActionOutcome(action, status string, duration time.Duration) {
	m.actionOutcomes.WithLabelValues(action, status).Inc()
	if duration > 0 {
		m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// UpdateWorkerMetrics updates worker-related metrics
func (m *Metrics) UpdateWorkerMetrics(active, idle int64) {
	m.ActiveWorkers.Store(active)
	m.IdleWorkers.Store(idle)
}

// AverageTaskTime returns the mean task execution time.
func (m *Metrics) AverageTaskTime() time.Duration {
	n := m.TaskCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.TotalTaskTime.Load() / n)
}

// GetWorkerUtilization returns the worker utilization as a percentage
func (m *Metrics) GetWorkerUtilization() float64 {
	active, idle := m.ActiveWorkers.Load(), m.IdleWorkers.Load()
	if active+idle == 0 {
		return 0
	}
	return float64(active) / float64(active+idle) * 100
}
