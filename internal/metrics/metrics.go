// Package metrics exposes aggregation and cache outcomes to prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getsentry/sampletree/internal/artifactcache"
	"github.com/getsentry/sampletree/internal/errorutil"
	"github.com/getsentry/sampletree/internal/sample"
)

const namespace = "sampletree"

type (
	Metrics struct {
		aggregationFailures *prometheus.CounterVec
		erroredSamples      *prometheus.CounterVec
		cacheRequests       *prometheus.CounterVec
		cacheLoadFailures   *prometheus.CounterVec
		cacheEvictions      *prometheus.CounterVec
		windowsPersisted    prometheus.Counter
		ingestedSamples     prometheus.Counter
	}

	cacheHook struct {
		m     *Metrics
		cache string
	}
)

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		aggregationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_failures_total",
			Help:      "Sample batches rejected as a whole.",
		}, []string{"reason"}),
		erroredSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errored_samples_total",
			Help:      "Samples the sampler could not walk, by error code.",
		}, []string{"code"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by outcome.",
		}, []string{"cache", "outcome"}),
		cacheLoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_load_failures_total",
			Help:      "Failed artifact loads.",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Values evicted from a cache.",
		}, []string{"cache"}),
		windowsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_persisted_total",
			Help:      "Process windows written to the store.",
		}),
		ingestedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_samples_total",
			Help:      "Samples received, errored ones included.",
		}),
	}
	reg.MustRegister(
		m.aggregationFailures,
		m.erroredSamples,
		m.cacheRequests,
		m.cacheLoadFailures,
		m.cacheEvictions,
		m.windowsPersisted,
		m.ingestedSamples,
	)
	return m
}

// AggregationFailed implements aggregate.MetricsHook.
func (m *Metrics) AggregationFailed(err error) {
	reason := "other"
	if errors.Is(err, errorutil.ErrProtocol) {
		reason = "protocol"
	}
	m.aggregationFailures.WithLabelValues(reason).Inc()
}

// SampleErrored implements aggregate.MetricsHook.
func (m *Metrics) SampleErrored(code sample.ErrorCode) {
	m.erroredSamples.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) WindowsPersisted(n int) {
	m.windowsPersisted.Add(float64(n))
}

func (m *Metrics) SamplesIngested(n int) {
	m.ingestedSamples.Add(float64(n))
}

// Cache returns the hook recording the outcomes of the named cache.
func (m *Metrics) Cache(name string) artifactcache.StatsHook {
	return cacheHook{m: m, cache: name}
}

func (h cacheHook) CacheHit() {
	h.m.cacheRequests.WithLabelValues(h.cache, "hit").Inc()
}

func (h cacheHook) CacheMiss() {
	h.m.cacheRequests.WithLabelValues(h.cache, "miss").Inc()
}

func (h cacheHook) CacheTimeout() {
	h.m.cacheRequests.WithLabelValues(h.cache, "timeout").Inc()
}

func (h cacheHook) CacheLoadFailed() {
	h.m.cacheLoadFailures.WithLabelValues(h.cache).Inc()
}

func (h cacheHook) CacheEvicted() {
	h.m.cacheEvictions.WithLabelValues(h.cache).Inc()
}
