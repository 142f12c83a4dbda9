// Package metrics exposes the Prometheus counters and histograms emitted
// by the orchestrator and executor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowcore",
		Name:      "execution_total",
		Help:      "Total number of workflow executions by terminal status.",
	}, []string{"workflow", "status"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflowcore",
		Name:      "execution_duration_seconds",
		Help:      "Workflow execution duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"workflow", "status"})

	stepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowcore",
		Name:      "step_total",
		Help:      "Total number of step executions by terminal status.",
	}, []string{"task_ref", "status"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflowcore",
		Name:      "step_duration_seconds",
		Help:      "Step HTTP dispatch duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"task_ref", "status"})

	retryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflowcore",
		Name:      "retry_total",
		Help:      "Total number of task retries issued.",
	}, []string{"task_ref"})
)

// ObserveExecution records one workflow run's terminal status and
// duration.
func ObserveExecution(workflowName, status string, d time.Duration) {
	executionTotal.WithLabelValues(workflowName, status).Inc()
	executionDuration.WithLabelValues(workflowName, status).Observe(d.Seconds())
}

// ObserveStep records one step's terminal status, duration, and retry
// count.
func ObserveStep(taskRef, status string, d time.Duration, retryCount int) {
	stepTotal.WithLabelValues(taskRef, status).Inc()
	stepDuration.WithLabelValues(taskRef, status).Observe(d.Seconds())
	if retryCount > 0 {
		retryTotal.WithLabelValues(taskRef).Add(float64(retryCount))
	}
}
