// Package metrics provides Prometheus metrics for the mirror.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "github_mirror"

// Metrics holds every collector the mirror records to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SyncRunsTotal       *prometheus.CounterVec
	SyncRunDuration     *prometheus.HistogramVec
	SyncRecordsTotal    *prometheus.CounterVec
	UpstreamRequests    *prometheus.CounterVec
	UpstreamDuration    *prometheus.HistogramVec
	FanOutTruncations   *prometheus.CounterVec
	StoreDuplicateRetry *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to read values directly.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Total number of sync runs by entity kind and result",
			},
			[]string{"kind", "result"},
		),
		SyncRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Duration of sync runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		SyncRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Total number of reconciled records by entity kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "requests_total",
				Help:      "Total number of GitHub API requests by operation and status code",
			},
			[]string{"operation", "status_code"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "Duration of GitHub API requests in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		FanOutTruncations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "truncations_total",
				Help:      "Total number of sync runs stopped early by a page or fan-out cap",
			},
			[]string{"kind"},
		),
		StoreDuplicateRetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "duplicate_retries_total",
				Help:      "Total number of creates that lost a uniqueness race and fell back to update",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.SyncRunsTotal,
			m.SyncRunDuration,
			m.SyncRecordsTotal,
			m.UpstreamRequests,
			m.UpstreamDuration,
			m.FanOutTruncations,
			m.StoreDuplicateRetry,
		)
	}

	return m
}

// ObserveRun records the outcome and duration of one sync run
func (m *Metrics) ObserveRun(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.SyncRunsTotal.WithLabelValues(kind, result).Inc()
	m.SyncRunDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// RecordOutcome counts one reconciled record ("created", "updated" or "skipped")
func (m *Metrics) RecordOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.SyncRecordsTotal.WithLabelValues(kind, outcome).Inc()
}

// Truncated counts a run that stopped at a configured cap
func (m *Metrics) Truncated(kind string) {
	if m == nil {
		return
	}
	m.FanOutTruncations.WithLabelValues(kind).Inc()
}

// DuplicateRetry counts a create that fell back to update
func (m *Metrics) DuplicateRetry(kind string) {
	if m == nil {
		return
	}
	m.StoreDuplicateRetry.WithLabelValues(kind).Inc()
}

// ObserveRequest records one upstream request. status is 0 when no
// response was received.
func (m *Metrics) ObserveRequest(operation string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(operation).Observe(took.Seconds())
}
