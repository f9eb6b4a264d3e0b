// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method then does nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	IngestEvents   *prometheus.CounterVec
	RollupRuns     *prometheus.CounterVec
	RollupDuration *prometheus.HistogramVec
	RollupRows     *prometheus.GaugeVec
	CacheRequests  *prometheus.CounterVec
	JobSkips       *prometheus.CounterVec
	JobPanics      *prometheus.CounterVec
}

// New registers the collectors on reg. Use prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		IngestEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_ingest_events_total",
			Help: "Events received by ingest, by outcome",
		}, []string{"status"}), // status: accepted, rejected
		RollupRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_rollup_runs_total",
			Help: "Aggregation steps executed",
		}, []string{"resolution", "status"}), // status: success, failure
		RollupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_rollup_duration_seconds",
			Help:    "Time spent in one aggregation step",
			Buckets: prometheus.DefBuckets,
		}, []string{"resolution"}),
		RollupRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_rollup_rows",
			Help: "Rows written by the last aggregation step",
		}, []string{"resolution"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cache_requests_total",
			Help: "Query cache lookups, by result",
		}, []string{"result"}), // result: hit, miss, error
		JobSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_job_skips_total",
			Help: "Scheduled ticks skipped because the previous one was still running",
		}, []string{"job"}),
		JobPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_job_panics_total",
			Help: "Scheduled ticks that panicked",
		}, []string{"job"}),
	}
}

func (m *Metrics) IngestAccepted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestEvents.WithLabelValues("accepted").Add(float64(n))
}

func (m *Metrics) IngestRejected(n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestEvents.WithLabelValues("rejected").Add(float64(n))
}

// ObserveRollup records one aggregation step.
func (m *Metrics) ObserveRollup(resolution string, started time.Time, rows int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.RollupRuns.WithLabelValues(resolution, status).Inc()
	m.RollupDuration.WithLabelValues(resolution).Observe(time.Since(started).Seconds())
	if err == nil {
		m.RollupRows.WithLabelValues(resolution).Set(float64(rows))
	}
}

func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.JobSkips.WithLabelValues(job).Inc()
}

func (m *Metrics) JobPanicked(job string) {
	if m == nil {
		return
	}
	m.JobPanics.WithLabelValues(job).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
