// Package metrics exposes Prometheus collectors for the approval engine.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stepsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operion_approval_steps_started_total",
			Help: "Total number of approval steps entered, by mode and whether tasks were created",
		},
		[]string{"mode", "fast_path"},
	)

	verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operion_approval_verdicts_total",
			Help: "Total number of settled approval jobs by mode and status",
		},
		[]string{"mode", "status"},
	)

	submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operion_approval_task_submissions_total",
			Help: "Total number of task submissions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	timeoutActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operion_approval_timeout_actions_total",
			Help: "Total number of overdue tasks handled by the timeout sweep, by action",
		},
		[]string{"action"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "operion_approval_sweep_duration_seconds",
			Help:    "Duration of timeout sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operion_approval_notifications_total",
			Help: "Total number of notification dispatches by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// RecordStepStarted records a step entry. fastPath is true when no approver remained.
func RecordStepStarted(mode string, fastPath bool) {
	stepsStarted.WithLabelValues(mode, strconv.FormatBool(fastPath)).Inc()
}

// RecordVerdict records a job settlement.
func RecordVerdict(mode, status string) {
	verdicts.WithLabelValues(mode, status).Inc()
}

// RecordSubmission records a task submission attempt.
func RecordSubmission(action string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	submissions.WithLabelValues(action, outcome).Inc()
}

// RecordTimeoutAction records the policy applied to one overdue task.
func RecordTimeoutAction(action string) {
	timeoutActions.WithLabelValues(action).Inc()
}

// ObserveSweep records how long a sweep took.
func ObserveSweep(durationSeconds float64) {
	sweepDuration.Observe(durationSeconds)
}

// RecordNotification records a notification dispatch result.
func RecordNotification(kind string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}

	notifications.WithLabelValues(kind, result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
