// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP API requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// TasksAssignedTotal counts ventilator hand-outs per service.
	TasksAssignedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_assigned_total",
			Help: "Total number of tasks handed out to workers.",
		},
		[]string{"service"},
	)

	// ReportsTotal counts sink reports by outcome (accepted/rejected) and status.
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_reports_total",
			Help: "Total number of completion reports received.",
		},
		[]string{"outcome", "status"},
	)

	// TasksReclaimedTotal counts tasks moved off stalled workers.
	TasksReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_reclaimed_total",
			Help: "Total number of assigned tasks reclaimed by the manager.",
		},
		[]string{"reason"},
	)

	// TasksRerunTotal counts tasks reset by mark/rerun.
	TasksRerunTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_rerun_total",
			Help: "Total number of tasks reset to queued by operator reruns.",
		},
	)

	// HistoricalRunsTotal counts completion snapshots written.
	HistoricalRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_historical_runs_total",
			Help: "Total number of historical run snapshots written.",
		},
	)

	// StoreRetriesTotal counts retried transient store failures per operation.
	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_store_retries_total",
			Help: "Total number of retried transient task store errors.",
		},
		[]string{"op"},
	)

	// LiveWorkers tracks registered worker sessions per service.
	LiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_live_workers",
			Help: "Number of live worker sessions.",
		},
		[]string{"service"},
	)

	// IsLeader marks whether this node is the active dispatcher. 1 if active, 0 otherwise.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the active dispatcher. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
