package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	RecordsFetchedTotal prometheus.Counter
	RetriesTotal        prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	PagesTotal          *prometheus.CounterVec
	UpsertsTotal        *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"store", "phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	recordsFetched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_records_fetched_total",
			Help: "Total number of product records read from store APIs.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of page fetch retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Pages by outcome (ok, empty, failed).",
		},
		[]string{"store", "outcome"},
	)
	upserts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_upserts_total",
			Help: "Product upserts by outcome (created, updated, skipped, error).",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(requests, requestDuration, recordsFetched, retries, errorsTotal, pages, upserts)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		RecordsFetchedTotal: recordsFetched,
		RetriesTotal:        retries,
		ErrorsTotal:         errorsTotal,
		PagesTotal:          pages,
		UpsertsTotal:        upserts,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(store, phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(store, phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// AddRecords adds to the records fetched counter.
func (m *Metrics) AddRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsFetchedTotal.Add(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPage counts a finished page fetch.
func (m *Metrics) IncPage(store, outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(store, outcome).Inc()
}

// ObserveUpsert counts one storage outcome.
func (m *Metrics) ObserveUpsert(outcome string) {
	if m == nil {
		return
	}
	m.UpsertsTotal.WithLabelValues(outcome).Inc()
}
