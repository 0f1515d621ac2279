// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Pipeline metrics
	PipelinesTotal  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	QueuedPipelines prometheus.Gauge

	// Download metrics
	DownloadsTotal    *prometheus.CounterVec
	DownloadBytes     prometheus.Counter
	DownloadRetries   prometheus.Counter
	InFlightDownloads prometheus.Gauge

	// Conversion metrics
	ConvertedRows *prometheus.HistogramVec

	// Catalog and ledger
	CatalogDescriptors *prometheus.GaugeVec
	LedgerErrors       prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the global metrics against reg (the default registerer
// when nil). Call this once at startup.
func Init(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "ksj_ingest"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		PipelinesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_total",
				Help:      "Total number of (dataset, variant) pipelines by outcome",
			},
			[]string{"outcome"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"stage"},
		),
		QueuedPipelines: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_pipelines",
				Help:      "Pipelines downloaded and waiting for a processing worker",
			},
		),
		DownloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of download tasks by result",
			},
			[]string{"result"},
		),
		DownloadBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes received from archive servers",
			},
		),
		DownloadRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_retries_total",
				Help:      "Total number of download retry attempts",
			},
		),
		InFlightDownloads: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_downloads",
				Help:      "Number of downloads currently transferring",
			},
		),
		ConvertedRows: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "converted_rows",
				Help:      "Number of rows per converted layer",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10), // 10 to ~2.6M
			},
			[]string{"sink"},
		),
		CatalogDescriptors: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_descriptors",
				Help:      "Descriptors in the last resolved catalog snapshot",
			},
			[]string{"state"},
		),
		LedgerErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of failed ledger writes",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncPipeline counts a finished pipeline.
func (m *Metrics) IncPipeline(outcome string) {
	m.PipelinesTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// IncDownload counts a finished download task.
func (m *Metrics) IncDownload(result string) {
	m.DownloadsTotal.WithLabelValues(result).Inc()
}

// AddDownloadBytes adds received bytes.
func (m *Metrics) AddDownloadBytes(n int64) {
	m.DownloadBytes.Add(float64(n))
}

// ObserveConvertedRows records the row count of a converted layer.
func (m *Metrics) ObserveConvertedRows(sink string, rows int) {
	m.ConvertedRows.WithLabelValues(sink).Observe(float64(rows))
}

// SetCatalog records the size of a resolved snapshot.
func (m *Metrics) SetCatalog(resolved, malformed, unavailable int) {
	m.CatalogDescriptors.WithLabelValues("resolved").Set(float64(resolved))
	m.CatalogDescriptors.WithLabelValues("malformed").Set(float64(malformed))
	m.CatalogDescriptors.WithLabelValues("unavailable").Set(float64(unavailable))
}
