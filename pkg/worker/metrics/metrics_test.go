package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordTaskSubmission()
	assert.Equal(t, int64(1), m.TasksSubmitted.Load())
	assert.Equal(t, int64(1), m.TasksQueued.Load())

	m.RecordTaskStart(time.Millisecond)
	assert.Equal(t, int64(0), m.TasksQueued.Load())
	assert.Equal(t, int64(1), m.TasksInProgress.Load())
	assert.Equal(t, time.Millisecond.Nanoseconds(), m.QueueLatency.Load())

	m.RecordTaskCompletion(time.Second)
	assert.Equal(t, int64(0), m.TasksInProgress.Load())
	assert.Equal(t, int64(1), m.TasksCompleted.Load())
	assert.Equal(t, time.Second, m.AverageTaskTime())

	m.RecordTaskStart(0)
	m.RecordTaskFailure(3 * time.Second)
	assert.Equal(t, int64(1), m.TasksFailed.Load())
	assert.Equal(t, 2*time.Second, m.AverageTaskTime())

	m.UpdateWorkerMetrics(1, 3)
	assert.InDelta(t, 25.0, m.GetWorkerUtilization(), 0.001)
}

func TestCollector(t *testing.T) {
	m := NewMetrics()
	m.RecordTaskSubmission()
	m.LockDenials.Add(2)
	m.RecordActionOutcome("CLUSTER_SCALE_OUT", "SUCCEEDED", time.Second)
	m.RecordActionOutcome("CLUSTER_SCALE_OUT", "FAILED", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.actionOutcomes.WithLabelValues("CLUSTER_SCALE_OUT", "SUCCEEDED"))+
		testutil.ToFloat64(m.actionOutcomes.WithLabelValues("CLUSTER_SCALE_OUT", "FAILED")))

	reg := NewRegistry(m)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `corral_worker_tasks_total{outcome="submitted"} 1`))
	assert.True(t, strings.Contains(body, "corral_engine_lock_denials_total 2"))
	assert.True(t, strings.Contains(body, `corral_actions_total{action="CLUSTER_SCALE_OUT",status="SUCCEEDED"} 1`))
}
