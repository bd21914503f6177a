// Package metrics exposes Prometheus collectors for the dispatch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksClaimed counts tasks moved from pending to processing.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_tasks_claimed_total",
		Help: "Total number of tasks claimed by workers.",
	})

	// TasksFinalized counts terminal transitions by outcome.
	TasksFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchd_tasks_finalized_total",
		Help: "Total number of tasks finalized, labeled by terminal status.",
	}, []string{"status"})

	// EmptyPolls counts claim attempts that found no pending work.
	EmptyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_empty_polls_total",
		Help: "Total number of claim attempts that returned no task.",
	})

	// DispatchDuration observes outbound call latency by downstream service.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatchd_dispatch_duration_seconds",
		Help:    "Latency of outbound dispatch calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	// StaleRequeued counts processing tasks the reaper reset to pending.
	StaleRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchd_stale_requeued_total",
		Help: "Total number of stale processing tasks requeued.",
	})
)
