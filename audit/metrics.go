// Package audit implements Metrics & Audit (C8): append-only execution
// records persisted through the storage Engine, Prometheus counters and
// histograms for operational visibility, and the storage layer's
// integrity-alert escalation hook.
package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds this runtime's Prometheus collectors, separate from the
// default global registry so a host embedding this module controls when
// and how it's exposed.
var Registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidential_runtime",
			Subsystem: "execution",
			Name:      "requests_total",
			Help:      "Total number of executed requests, by outcome.",
		},
		[]string{"status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "confidential_runtime",
			Subsystem: "execution",
			Name:      "wall_duration_seconds",
			Help:      "Wall-clock duration of executed requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"status"},
	)

	gasUsedHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "confidential_runtime",
			Subsystem: "execution",
			Name:      "gas_used",
			Help:      "Gas units consumed per executed request.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		},
		[]string{"status"},
	)

	failuresByKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidential_runtime",
			Subsystem: "execution",
			Name:      "failures_total",
			Help:      "Total number of failed requests, by error kind.",
		},
		[]string{"kind"},
	)

	integrityAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidential_runtime",
			Subsystem: "storage",
			Name:      "integrity_alerts_total",
			Help:      "Total number of repeated-IntegrityError escalations raised by the storage engine.",
		},
		[]string{"key"},
	)

	// bindingCallsTotal and bindingGasTotal back Supplemented Feature #5:
	// additive host-binding profiling, active only for requests that set
	// EnableProfiling, and never consulted for gas accounting or results.
	bindingCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidential_runtime",
			Subsystem: "profiling",
			Name:      "binding_calls_total",
			Help:      "Total number of host-binding calls observed, by binding name (profiling requests only).",
		},
		[]string{"binding"},
	)

	bindingGasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "confidential_runtime",
			Subsystem: "profiling",
			Name:      "binding_gas_total",
			Help:      "Total gas spent per host-binding name (profiling requests only).",
		},
		[]string{"binding"},
	)
)

func init() {
	Registry.MustRegister(
		executionsTotal,
		executionDuration,
		gasUsedHistogram,
		failuresByKind,
		integrityAlertsTotal,
		bindingCallsTotal,
		bindingGasTotal,
		prometheus.NewGoCollector(),
	)
}
