// Package metrics registers the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "statements"

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Background jobs processed, by type and outcome.",
	}, []string{"job_type", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Handler run time per job type.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_type"})

	JobsCleanedUp = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "cleaned_up_total",
		Help:      "Terminal jobs deleted by retention cleanup.",
	})

	LookupCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lookup_cache",
		Name:      "hits_total",
		Help:      "Rule lookups answered from the in-process cache.",
	})

	LookupCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lookup_cache",
		Name:      "misses_total",
		Help:      "Rule lookups that went to the rule store.",
	})

	ImportedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "import",
		Name:      "transactions_total",
		Help:      "Statement rows persisted or skipped as duplicates.",
	}, []string{"result"})

	SchemaDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "import",
		Name:      "schema_detections_total",
		Help:      "Schema analyses, by source (cache or detector).",
	}, []string{"source"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
