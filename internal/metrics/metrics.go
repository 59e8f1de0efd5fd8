// Package metrics registers the importer's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ImportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gndimport_imports_total",
		Help: "Finished imports by outcome (completed, failed)",
	}, []string{"outcome"})
	ImportDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gndimport_import_duration_seconds",
		Help:    "Wall time of a whole import",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	RowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gndimport_rows_total",
		Help: "CSV data rows by result (inserted, dropped, failed)",
	}, []string{"result"})
	BytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gndimport_bytes_total",
		Help: "Upload bytes consumed by the CSV parser",
	})
	InsertsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gndimport_inserts_in_flight",
		Help: "Feature inserts currently waiting on the store",
	})
	InsertDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gndimport_insert_duration_ms",
		Help:    "Feature store insert latency in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"store"})
	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gndimport_events_published_total",
		Help: "Import events sent to the broker by status (ok, error)",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(ImportsTotal)
	prometheus.MustRegister(ImportDurationSeconds)
	prometheus.MustRegister(RowsTotal)
	prometheus.MustRegister(BytesTotal)
	prometheus.MustRegister(InsertsInFlight)
	prometheus.MustRegister(InsertDurationMs)
	prometheus.MustRegister(EventsPublishedTotal)
}

// Handler exposes the default registry for scraping at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
