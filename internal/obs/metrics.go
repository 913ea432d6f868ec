// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_created_total",
		Help: "Total number of collection tasks created",
	})
	TasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_started_total",
		Help: "Total number of tasks picked up by a worker",
	})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Total number of successfully completed tasks",
	})
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_failed_total",
		Help: "Total number of tasks that ended in the failed state",
	})
	TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_retried_total",
		Help: "Total number of task retry attempts",
	})
	TasksDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_dead_letter_total",
		Help: "Total number of tasks moved to the dead letter list",
	})
	TaskProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "task_processing_duration_seconds",
		Help:    "Histogram of end-to-end task processing durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of jobs waiting in a queue state",
	}, []string{"state"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReclaimerRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reclaimer_recovered_total",
		Help: "Total number of jobs re-queued after their lease expired",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total upstream API requests by method and outcome",
	}, []string{"method", "outcome"})
	UpstreamRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Histogram of upstream API call durations",
		Buckets: prometheus.DefBuckets,
	})
	UpstreamRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upstream_rate_limited_total",
		Help: "Total number of upstream calls that hit a rate-limit response",
	})
	PostsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posts_ingested_total",
		Help: "Total number of posts upserted into the store",
	})
	CommentsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "comments_ingested_total",
		Help: "Total number of comments upserted into the store",
	})
)

func init() {
	prometheus.MustRegister(
		TasksCreated, TasksStarted, TasksCompleted, TasksFailed, TasksRetried, TasksDeadLetter,
		TaskProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
		ReclaimerRecovered, WorkerActive, UpstreamRequests, UpstreamRequestDuration,
		UpstreamRateLimited, PostsIngested, CommentsIngested,
	)
}
