// Package metrics defines and registers all Prometheus metrics for the
// Clara engine. Consumers obtain a *Metrics instance via NewMetrics() and
// use the exported fields to record observations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "clara"
)

// Metrics holds all Prometheus metric collectors for the engine.
type Metrics struct {
	// JobsTotal counts completed work items, partitioned by outcome
	// (published, failed, deferred).
	JobsTotal *prometheus.CounterVec

	// JobFailuresTotal counts failed work items, partitioned by error kind.
	JobFailuresTotal *prometheus.CounterVec

	// LLMRequestsTotal counts LLM API calls, partitioned by driver and
	// status (success/failure).
	LLMRequestsTotal *prometheus.CounterVec

	// LLMTokensUsedTotal counts tokens consumed, partitioned by driver and
	// direction (input/output).
	LLMTokensUsedTotal *prometheus.CounterVec

	// LLMLatency observes LLM response latency in seconds.
	LLMLatency prometheus.Histogram

	// CacheLookupsTotal counts semantic cache lookups, partitioned by
	// result (exact_hit, semantic_hit, miss).
	CacheLookupsTotal *prometheus.CounterVec

	// CacheEntries reports the current number of cache entries.
	CacheEntries prometheus.Gauge

	// PublishesTotal counts posting backend calls, partitioned by driver
	// and status (success/failure).
	PublishesTotal *prometheus.CounterVec

	// AdmissionDeferralsTotal counts admission rejections, partitioned by
	// site (llm, publish).
	AdmissionDeferralsTotal *prometheus.CounterVec

	// BucketRemaining reports the last observed token balance per bucket key.
	BucketRemaining *prometheus.GaugeVec

	// WorkersBusy reports the number of workers currently running a job.
	WorkersBusy prometheus.Gauge

	// WorkersTotal reports the size of the worker pool.
	WorkersTotal prometheus.Gauge

	// ActiveTenants reports the number of active tenants in the registry.
	ActiveTenants prometheus.Gauge

	// SchedulerDispatchesTotal counts work items handed to the pool.
	SchedulerDispatchesTotal prometheus.Counter
}

// NewMetrics creates a new Metrics instance and registers all collectors with
// the provided prometheus.Registerer. Use prometheus.DefaultRegisterer for
// the standard global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of completed work items.",
			},
			[]string{"outcome"},
		),

		JobFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_failures_total",
				Help:      "Total number of failed work items.",
			},
			[]string{"kind"},
		),

		LLMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of LLM API calls.",
			},
			[]string{"driver", "status"},
		),

		LLMTokensUsedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_used_total",
				Help:      "Total tokens consumed by the LLM driver.",
			},
			[]string{"driver", "direction"},
		),

		LLMLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_latency_seconds",
				Help:      "LLM response latency in seconds.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),

		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of semantic cache lookups.",
			},
			[]string{"result"},
		),

		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of semantic cache entries.",
			},
		),

		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publishes_total",
				Help:      "Total number of posting backend calls.",
			},
			[]string{"driver", "status"},
		),

		AdmissionDeferralsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_deferrals_total",
				Help:      "Total number of rate-limit admission rejections.",
			},
			[]string{"site"},
		),

		BucketRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bucket_remaining",
				Help:      "Last observed token balance per bucket key.",
			},
			[]string{"key"},
		),

		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Number of workers currently running a job.",
			},
		),

		WorkersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_total",
				Help:      "Size of the worker pool.",
			},
		),

		ActiveTenants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tenants",
				Help:      "Number of active tenants in the registry.",
			},
		),

		SchedulerDispatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_dispatches_total",
				Help:      "Total number of work items handed to the worker pool.",
			},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobFailuresTotal,
		m.LLMRequestsTotal,
		m.LLMTokensUsedTotal,
		m.LLMLatency,
		m.CacheLookupsTotal,
		m.CacheEntries,
		m.PublishesTotal,
		m.AdmissionDeferralsTotal,
		m.BucketRemaining,
		m.WorkersBusy,
		m.WorkersTotal,
		m.ActiveTenants,
		m.SchedulerDispatchesTotal,
	)

	return m
}
