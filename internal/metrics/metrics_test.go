package metrics

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/sample"
	"github.com/getsentry/sampletree/internal/testutil"
)

// counters flattens the gathered counters as name{label values} -> value.
func counters(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("we should be able to gather: %v", err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		if f.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += fmt.Sprintf(",%s=%s", l.GetName(), l.GetValue())
			}
			values[key] = m.GetCounter().GetValue()
		}
	}
	return values
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AggregationFailed(fmt.Errorf("aggregate: %w: unknown trace", errorutil.ErrProtocol))
	m.AggregationFailed(fmt.Errorf("something else"))
	m.SampleErrored(sample.ErrorGCActive)
	m.SampleErrored(sample.ErrorGCActive)
	m.SampleErrored(sample.ErrorSafepoint)
	m.SamplesIngested(10)
	m.WindowsPersisted(2)

	hook := m.Cache("tracedata")
	hook.CacheHit()
	hook.CacheMiss()
	hook.CacheMiss()
	hook.CacheTimeout()
	hook.CacheLoadFailed()
	hook.CacheEvicted()

	want := map[string]float64{
		"sampletree_aggregation_failures_total,reason=protocol":           1,
		"sampletree_aggregation_failures_total,reason=other":              1,
		"sampletree_errored_samples_total,code=gc_active":                 2,
		"sampletree_errored_samples_total,code=safepoint":                 1,
		"sampletree_ingested_samples_total":                               10,
		"sampletree_windows_persisted_total":                              2,
		"sampletree_cache_requests_total,cache=tracedata,outcome=hit":     1,
		"sampletree_cache_requests_total,cache=tracedata,outcome=miss":    2,
		"sampletree_cache_requests_total,cache=tracedata,outcome=timeout": 1,
		"sampletree_cache_load_failures_total,cache=tracedata":            1,
		"sampletree_cache_evictions_total,cache=tracedata":                1,
	}
	if diff := testutil.Diff(counters(t, reg), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
