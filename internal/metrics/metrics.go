// Package metrics exposes prometheus collectors for reconciliation runs and controller calls.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK          = "ok"
	resultFailed      = "failed"
	resultAborted     = "aborted"
	resultSuccess     = "success"
	resultFailure     = "failure"
	statusNetworkFail = "network_error"
)

// Reconciliation and controller collectors
var (
	// Reconciliation

	ReconcileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicelink_reconcile_outcomes_total",
			Help: "Total number of reconciled items by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicelink_reconcile_runs_total",
			Help: "Total number of reconciliation runs by result",
		},
		[]string{"result"},
	)

	ReconcileRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devicelink_reconcile_run_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Controller

	ControllerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicelink_controller_requests_total",
			Help: "Total number of signed controller requests by endpoint and HTTP status",
		},
		[]string{"endpoint", "status"},
	)

	ControllerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devicelink_controller_request_duration_seconds",
			Help:    "Controller request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 15},
		},
		[]string{"endpoint"},
	)

	ControllerAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devicelink_controller_auth_attempts_total",
			Help: "Total number of controller authentication attempts by strategy and result",
		},
		[]string{"strategy", "result"},
	)
)

// Recorder feeds the collectors. It serves as both a controller request observer
// and a reconciliation operation logger.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() Recorder {
	return Recorder{}
}

func (Recorder) ObserveRequest(endpoint string, statusCode int, elapsed time.Duration, err error) {
	status := strconv.Itoa(statusCode)
	if statusCode == 0 && err != nil {
		status = statusNetworkFail
	}
	ControllerRequestsTotal.WithLabelValues(endpoint, status).Inc()
	ControllerRequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (Recorder) ObserveAuthAttempt(strategy string, ok bool) {
	result := resultFailure
	if ok {
		result = resultSuccess
	}
	ControllerAuthAttemptsTotal.WithLabelValues(strategy, result).Inc()
}

func (Recorder) LogOperation(_ context.Context, entry devicelink.OperationLog) {
	switch entry.Operation {
	case devicelink.OperationReconcileItem:
		ReconcileOutcomesTotal.WithLabelValues(string(entry.Outcome)).Inc()
	case devicelink.OperationReconcileRun:
		ReconcileRunsTotal.WithLabelValues(runResult(entry)).Inc()
		if entry.Summary != nil {
			ReconcileRunDuration.Observe(entry.Summary.Duration.Seconds())
		}
	}
}

func runResult(entry devicelink.OperationLog) string {
	switch {
	case entry.Error != nil:
		return resultAborted
	case entry.Summary != nil && entry.Summary.Failed():
		return resultFailed
	}
	return resultOK
}
