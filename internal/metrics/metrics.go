package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prodcast"

// Execution metrics
var (
	// AttemptsTotal tracks execution attempts by job kind and outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of execution attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AttemptDuration tracks how long one automation call takes
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Automation call duration in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"kind"},
	)

	// AutomationSessionsActive tracks open tool sessions
	AutomationSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "automation_sessions_active",
			Help:      "Number of automation sessions currently open",
		},
	)

	// WorkflowRunsTotal tracks finished workflow runs by status
	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of finished workflow runs by status",
		},
		[]string{"status"},
	)
)

// Exclusivity metrics
var (
	// LeaseBusyTotal tracks requests rejected because their key was leased
	LeaseBusyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_busy_total",
			Help:      "Total number of acquisitions rejected as busy",
		},
		[]string{"kind"},
	)

	// LeaseExpiredTotal tracks force-expired leases by where they were detected
	LeaseExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of leases found expired",
		},
		[]string{"reason"},
	)
)

// Persistence metrics
var (
	// PersistTotal tracks result writes by result (applied, superseded, error)
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Total number of result persistence calls by result",
		},
		[]string{"result"},
	)

	// StoreAvailable is 1 while the store gate admits new work
	StoreAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_available",
			Help:      "Whether new acquisitions are admitted (1) or rejected (0)",
		},
	)

	// ScheduledRunsTotal tracks workflow schedule firings
	ScheduledRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Total number of schedule firings by status",
		},
		[]string{"status"},
	)
)
