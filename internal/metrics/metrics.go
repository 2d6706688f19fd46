// Package metrics exposes engine, dispatcher and HTTP measurements as
// Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/openrooms/pkg/schema"
)

// Label values for node results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds every collector. The zero value is not usable; call New.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsActive    prometheus.Gauge
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec

	jobsDispatched prometheus.Counter
	jobsRequeued   prometheus.Counter
	jobsDropped    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrooms_room_runs_started_total",
			Help: "Total number of room runs that acquired the lock and started.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openrooms_room_runs_active",
			Help: "Number of room runs currently executing.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_room_runs_finished_total",
			Help: "Total number of finished room runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openrooms_room_run_duration_seconds",
			Help:    "Room run wall-clock duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_node_executions_total",
			Help: "Total number of node executions by type and result.",
		}, []string{"node_type", "result"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openrooms_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node_type"}),
		nodeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_node_retries_total",
			Help: "Total number of node retries by type.",
		}, []string{"node_type"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_lock_conflicts_total",
			Help: "Total number of runs refused or stopped by a concurrency conflict.",
		}, []string{"reason"}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrooms_dispatch_jobs_total",
			Help: "Total number of room jobs handed to the worker pool.",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openrooms_dispatch_requeued_total",
			Help: "Total number of room jobs requeued after a concurrency conflict.",
		}),
		jobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_dispatch_dropped_total",
			Help: "Total number of room jobs dropped by reason.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openrooms_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openrooms_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.runsStarted, m.runsActive, m.runsFinished, m.runDuration,
		m.nodesExecuted, m.nodeDuration, m.nodeRetries, m.lockConflicts,
		m.jobsDispatched, m.jobsRequeued, m.jobsDropped,
		m.httpRequests, m.httpDuration,
	)

	// Pre-initialize label combinations so they appear at zero from startup.
	for _, s := range []schema.RoomStatus{
		schema.RoomStatusCompleted, schema.RoomStatusFailed,
		schema.RoomStatusPaused, schema.RoomStatusCancelled,
	} {
		m.runsFinished.WithLabelValues(string(s))
	}
	for _, r := range []string{schema.ReasonLockHeld, schema.ReasonStatusConflict, schema.ReasonLockLost} {
		m.lockConflicts.WithLabelValues(r)
	}
	return m
}

// RunStarted counts a run that acquired its room lock.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
	m.runsActive.Inc()
}

// RunFinished records a run's outcome and duration.
func (m *Metrics) RunFinished(outcome schema.RoomStatus, d time.Duration) {
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(string(outcome)).Inc()
	m.runDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// NodeExecuted records one executor invocation.
func (m *Metrics) NodeExecuted(nodeType schema.NodeType, success bool, d time.Duration) {
	result := resultSuccess
	if !success {
		result = resultFailure
	}
	m.nodesExecuted.WithLabelValues(string(nodeType), result).Inc()
	m.nodeDuration.WithLabelValues(string(nodeType)).Observe(d.Seconds())
}

// NodeRetried counts a scheduled retry.
func (m *Metrics) NodeRetried(nodeType schema.NodeType) {
	m.nodeRetries.WithLabelValues(string(nodeType)).Inc()
}

// LockConflict counts a concurrency conflict by reason.
func (m *Metrics) LockConflict(reason string) {
	m.lockConflicts.WithLabelValues(reason).Inc()
}

// JobDispatched counts a job handed to the pool.
func (m *Metrics) JobDispatched() {
	m.jobsDispatched.Inc()
}

// JobRequeued counts a job put back after a conflict.
func (m *Metrics) JobRequeued() {
	m.jobsRequeued.Inc()
}

// JobDropped counts a job abandoned for reason.
func (m *Metrics) JobDropped(reason string) {
	m.jobsDropped.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one HTTP request. path must be a route pattern, never
// the raw URL, to keep cardinality bounded.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
