package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Touch every collector so Gather reports them.
	m.JobsTotal.WithLabelValues("published").Inc()
	m.JobFailuresTotal.WithLabelValues("transient").Inc()
	m.LLMRequestsTotal.WithLabelValues("openai", "success").Inc()
	m.LLMTokensUsedTotal.WithLabelValues("openai", "input").Add(42)
	m.LLMLatency.Observe(1.5)
	m.CacheLookupsTotal.WithLabelValues("exact_hit").Inc()
	m.CacheEntries.Set(10)
	m.PublishesTotal.WithLabelValues("http-posting", "success").Inc()
	m.AdmissionDeferralsTotal.WithLabelValues("llm").Inc()
	m.BucketRemaining.WithLabelValues("llm:day:global").Set(900)
	m.WorkersBusy.Set(2)
	m.WorkersTotal.Set(8)
	m.ActiveTenants.Set(3)
	m.SchedulerDispatchesTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]bool{
		"clara_jobs_total":                 false,
		"clara_job_failures_total":         false,
		"clara_llm_requests_total":         false,
		"clara_llm_tokens_used_total":      false,
		"clara_llm_latency_seconds":        false,
		"clara_cache_lookups_total":        false,
		"clara_cache_entries":              false,
		"clara_publishes_total":            false,
		"clara_admission_deferrals_total":  false,
		"clara_bucket_remaining":           false,
		"clara_workers_busy":               false,
		"clara_workers_total":              false,
		"clara_active_tenants":             false,
		"clara_scheduler_dispatches_total": false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestNewMetricsDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected MustRegister to panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}
