// Package metrics owns the gateway's Prometheus collectors. The registry is
// constructed once in main and handed to each component, so tests can assert
// on isolated counters instead of a process-wide default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway emits, registered on a single
// injectable registry.
type Metrics struct {
	registry *prometheus.Registry

	PipelineDuration   prometheus.Histogram
	DependencyFailures *prometheus.CounterVec
	SinkFailures       *prometheus.CounterVec
	SinkSaves          *prometheus.CounterVec
	ConversionErrors   *prometheus.CounterVec
	BundlesProcessed   prometheus.Counter
	BundlesFailed      prometheus.Counter
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhirgateway_pipeline_duration_seconds",
			Help:    "Total resource pipeline processing duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		DependencyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirgateway_dependency_failures_total",
			Help: "Failed attempts against a downstream dependency.",
		}, []string{"dependency"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirgateway_sink_failures_total",
			Help: "Bundle saves that failed per persistence sink.",
		}, []string{"sink"}),
		SinkSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirgateway_sink_saves_total",
			Help: "Bundle saves that succeeded per persistence sink.",
		}, []string{"sink"}),
		ConversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirgateway_loinc_conversion_errors_total",
			Help: "LOINC harmonization failures by unit code.",
		}, []string{"unitcode"}),
		BundlesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhirgateway_bundles_processed_total",
			Help: "Bundles that completed the pipeline.",
		}),
		BundlesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhirgateway_bundles_failed_total",
			Help: "Bundles that failed the pipeline.",
		}),
	}

	reg.MustRegister(
		m.PipelineDuration,
		m.DependencyFailures,
		m.SinkFailures,
		m.SinkSaves,
		m.ConversionErrors,
		m.BundlesProcessed,
		m.BundlesFailed,
	)

	return m
}

// Registry returns the underlying registry for exposition via promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
