package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "corral"

var (
	descTasks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "tasks_total"),
		"Total number of pool tasks by outcome",
		[]string{"outcome"}, nil,
	)
	descTasksInProgress = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "tasks_in_progress"),
		"Tasks currently executing",
		nil, nil,
	)
	descTasksQueued = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "tasks_queued"),
		"Tasks waiting in the queue, including delayed ones",
		nil, nil,
	)
	descQueueLatency = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "queue_latency_seconds"),
		"Queue wait of the most recently started task",
		nil, nil,
	)
	descWorkers = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "worker", "workers"),
		"Workers by state",
		[]string{"state"}, nil,
	)
	descLockDenials = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "lock_denials_total"),
		"Lock denials that requeued an action",
		nil, nil,
	)
	descReclaimed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "engine", "reclaimed_actions_total"),
		"Actions reclaimed from dead workers",
		nil, nil,
	)
)

// Collector exposes a Metrics snapshot to Prometheus.
type Collector struct {
	metrics *Metrics
}

// NewCollector creates a collector over m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{metrics: m}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTasks
	ch <- descTasksInProgress
	ch <- descTasksQueued
	ch <- descQueueLatency
	ch <- descWorkers
	ch <- descLockDenials
	ch <- descReclaimed
	c.metrics.actionOutcomes.Describe(ch)
	c.metrics.actionDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	ch <- prometheus.MustNewConstMetric(descTasks, prometheus.CounterValue, float64(m.TasksSubmitted.Load()), "submitted")
	ch <- prometheus.MustNewConstMetric(descTasks, prometheus.CounterValue, float64(m.TasksCompleted.Load()), "completed")
	ch <- prometheus.MustNewConstMetric(descTasks, prometheus.CounterValue, float64(m.TasksFailed.Load()), "failed")
	ch <- prometheus.MustNewConstMetric(descTasksInProgress, prometheus.GaugeValue, float64(m.TasksInProgress.Load()))
	ch <- prometheus.MustNewConstMetric(descTasksQueued, prometheus.GaugeValue, float64(m.TasksQueued.Load()))
	ch <- prometheus.MustNewConstMetric(descQueueLatency, prometheus.GaugeValue, float64(m.QueueLatency.Load())/1e9)
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(m.ActiveWorkers.Load()), "active")
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(m.IdleWorkers.Load()), "idle")
	ch <- prometheus.MustNewConstMetric(descLockDenials, prometheus.CounterValue, float64(m.LockDenials.Load()))
	ch <- prometheus.MustNewConstMetric(descReclaimed, prometheus.CounterValue, float64(m.Reclaimed.Load()))
	m.actionOutcomes.Collect(ch)
	m.actionDuration.Collect(ch)
}

// NewRegistry returns a registry holding the collector for m plus the
// standard process and Go collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns the Prometheus HTTP handler for reg
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
