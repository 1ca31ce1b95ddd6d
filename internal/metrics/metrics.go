// Package metrics defines the Prometheus collectors for queries, sync runs
// and change capture, plus the HTTP middleware.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compsync"

// Query and sync metrics.
var (
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Federated queries by operation and answering store",
		},
		[]string{"operation", "store"},
	)

	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Queries answered by the relational store after the search store was skipped",
		},
		[]string{"operation", "reason"}, // reason: "error" / "empty" / "disabled"
	)

	SyncWindowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_windows_total",
			Help:      "Bulk sync windows by outcome",
		},
		[]string{"outcome"},
	)

	SyncDocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_documents_total",
			Help:      "Documents written by bulk sync by outcome",
		},
		[]string{"outcome"},
	)

	SyncRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_retries_total",
			Help:      "Bulk write attempts repeated after a transport failure",
		},
	)

	SyncRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Bulk sync run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	ChangeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events applied to the search store by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueriesTotal,
			FallbacksTotal,
			SyncWindowsTotal,
			SyncDocumentsTotal,
			SyncRetriesTotal,
			SyncRunDuration,
			ChangeEventsTotal,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}
