// Package metrics provides Prometheus metrics for customs-kb
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors, registered on a private registry
// so several instances can coexist in one process (tests, CLI + server).
type Metrics struct {
	registry *prometheus.Registry

	// Query metrics
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	InconsistentHits  prometheus.Counter
	StaleHits         prometheus.Counter
	FilterRetryRounds prometheus.Counter

	// Ingestion metrics
	RecordsTotal     *prometheus.CounterVec
	IngestRetries    prometheus.Counter
	EmbeddingBatches prometheus.Counter
	RunsTotal        *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customskb_queries_total",
			Help: "Total number of queries by engine and status",
		},
		[]string{"engine", "status"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "customskb_query_duration_seconds",
			Help:    "Duration of queries in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"engine"},
	)

	m.InconsistentHits = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "customskb_inconsistent_hits_total",
			Help: "Vector hits dropped because their document is missing from the relational store",
		},
	)

	m.StaleHits = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "customskb_stale_hits_total",
			Help: "Vector hits dropped because they belong to a superseded chunk generation",
		},
	)

	m.FilterRetryRounds = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "customskb_filter_retry_rounds_total",
			Help: "Extra index queries issued to fill a post-filtered result",
		},
	)

	m.RecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customskb_ingested_records_total",
			Help: "Ingested records by source and status",
		},
		[]string{"source", "status"},
	)

	m.IngestRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "customskb_ingest_retries_total",
			Help: "Retries of transient ingestion failures",
		},
	)

	m.EmbeddingBatches = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "customskb_embedding_batches_total",
			Help: "Embedding provider batch calls",
		},
	)

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customskb_ingestion_runs_total",
			Help: "Finished ingestion runs by source and status",
		},
		[]string{"source", "status"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "customskb_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "customskb_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordQuery records one query with its status
func (m *Metrics) RecordQuery(engine string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.QueriesTotal.WithLabelValues(engine, status).Inc()
	m.QueryDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordRecord records the outcome of one ingested record.
func (m *Metrics) RecordRecord(source string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.RecordsTotal.WithLabelValues(source, status).Inc()
}

// RecordRun records a finished ingestion run.
func (m *Metrics) RecordRun(source, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(source, status).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// IncInconsistent counts one dropped hit with a missing document.
func (m *Metrics) IncInconsistent() {
	if m != nil {
		m.InconsistentHits.Inc()
	}
}

// IncStale counts one dropped hit from a superseded generation.
func (m *Metrics) IncStale() {
	if m != nil {
		m.StaleHits.Inc()
	}
}

// IncFilterRetry counts one extra post-filter round.
func (m *Metrics) IncFilterRetry() {
	if m != nil {
		m.FilterRetryRounds.Inc()
	}
}

// IncIngestRetry counts one retried transient failure.
func (m *Metrics) IncIngestRetry() {
	if m != nil {
		m.IngestRetries.Inc()
	}
}

// IncEmbeddingBatch counts one embedding provider call.
func (m *Metrics) IncEmbeddingBatch() {
	if m != nil {
		m.EmbeddingBatches.Inc()
	}
}
