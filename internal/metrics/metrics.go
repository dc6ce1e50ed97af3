package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasflow_provider_calls_total",
			Help: "Total upstream data provider calls",
		},
		[]string{"source", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gasflow_provider_latency_seconds",
			Help:    "Upstream data provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	CyclesCached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasflow_cycles_cached_total",
			Help: "Total forecast cycles fetched and cached by backfill",
		},
		[]string{"model"},
	)

	BackfillFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasflow_backfill_failures_total",
			Help: "Total forecast cycles that failed to fetch during backfill",
		},
		[]string{"model", "reason"},
	)

	ObservationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gasflow_observations_ingested_total",
			Help: "Total weekly storage and degree day observations ingested",
		},
		[]string{"source"},
	)
)
