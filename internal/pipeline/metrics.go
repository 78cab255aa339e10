package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics live on a per-pipeline registry so tests and multiple pipelines
// in one process never collide on the default registerer.
type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	networkCalls *prometheus.CounterVec
	retries      prometheus.Counter
	failures     prometheus.Counter
	published    *prometheus.CounterVec
	cacheEntries prometheus.Gauge
	callDuration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "statecore_pipeline_requests_total",
			Help: "Fetch calls by outcome (hit, miss, deduped)",
		}, []string{"result"}),
		networkCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "statecore_pipeline_network_calls_total",
			Help: "Transport round trips by kind (single, batch)",
		}, []string{"kind"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "statecore_pipeline_retries_total",
			Help: "Requests scheduled for another attempt",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "statecore_pipeline_failures_total",
			Help: "Requests rejected after their final attempt",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "statecore_pipeline_published_total",
			Help: "Events published by source",
		}, []string{"source"}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "statecore_pipeline_cache_entries",
			Help: "Live entries in the response cache",
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statecore_pipeline_call_duration_seconds",
			Help:    "Transport round trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}
