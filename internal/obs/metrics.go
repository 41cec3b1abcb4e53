// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_jobs_submitted_total",
		Help: "Total number of conversion jobs submitted",
	})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_jobs_dispatched_total",
		Help: "Total number of jobs claimed by an orchestrator worker slot",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_jobs_completed_total",
		Help: "Total number of successfully completed conversion jobs",
	})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_jobs_failed_total",
		Help: "Total number of failed conversion jobs, labeled by error kind",
	}, []string{"kind"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_jobs_retried_total",
		Help: "Total number of conversion job retries, labeled by stage",
	}, []string{"stage"})
	JobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_jobs_rejected_total",
		Help: "Total number of jobs rejected at admission (hard cap reached)",
	})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversion_stage_duration_seconds",
		Help:    "Histogram of per-stage conversion durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conversion_queue_depth",
		Help: "Current depth of the pending/processing dispatch lists",
	}, []string{"list"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "processor_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "processor_circuit_breaker_trips_total",
		Help: "Count of times the processor circuit breaker transitioned to Open",
	})
	MonitorRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_recovered_jobs_total",
		Help: "Total number of stuck jobs recovered by the monitor",
	})
	MonitorExpiredDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_expired_jobs_deleted_total",
		Help: "Total number of expired job records deleted by the monitor",
	})
	WorkerSlotsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_worker_slots_active",
		Help: "Number of conversion worker slots currently busy",
	})
	PushChannelConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_channel_connections",
		Help: "Number of currently connected push channel clients",
	})
	PushChannelDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_channel_dropped_messages_total",
		Help: "Total number of outbound push messages dropped due to backpressure",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsDispatched, JobsCompleted, JobsFailed, JobsRetried, JobsRejected,
		StageDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
		MonitorRecovered, MonitorExpiredDeleted, WorkerSlotsActive,
		PushChannelConnections, PushChannelDropped,
	)
}
