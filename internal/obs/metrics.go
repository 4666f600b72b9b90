// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_submitted_total",
		Help: "Total number of jobs accepted by SubmitJob",
	})
	JobsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_jobs_rejected_total",
		Help: "Total number of jobs rejected at submission, by reason",
	}, []string{"reason"})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_dispatched_total",
		Help: "Total number of jobs handed to a worker via AssignNextJob",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_completed_total",
		Help: "Total number of jobs reported COMPLETED",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_failed_total",
		Help: "Total number of jobs reported FAILED",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_cancelled_total",
		Help: "Total number of jobs moved to CANCELLED",
	})
	JobsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_jobs_timeout_total",
		Help: "Total number of jobs moved to TIMEOUT, by the sweeper or a worker report",
	})
	TransitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_lifecycle_transition_seconds",
		Help:    "Histogram of lifecycle coordinator transition latency",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Current number of queued jobs, by backend",
	}, []string{"backend"})
	QueueBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_queue_bytes",
		Help: "Current shared byte occupancy across all backend queues",
	})
	ActiveJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_active_jobs",
		Help: "Current admission-controller active job count, by role",
	}, []string{"role"})
	SweeperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_sweeper_timeouts_total",
		Help: "Total number of RUNNING jobs transitioned to TIMEOUT by the sweeper",
	})
	ConcurrentModifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_concurrent_modifications_total",
		Help: "Total number of record-store CAS misses that triggered the single retry",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsRejected, JobsDispatched, JobsCompleted, JobsFailed,
		JobsCancelled, JobsTimedOut, TransitionDuration, QueueDepth, QueueBytes,
		ActiveJobs, SweeperRecovered, ConcurrentModifications,
	)
}
