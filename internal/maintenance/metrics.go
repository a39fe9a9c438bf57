package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletalk_retention_runs_total",
			Help: "Total number of retention runs by status.",
		},
		[]string{"status"},
	)
	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_sessions_expired_total",
			Help: "Total number of idle sessions discarded by retention runs.",
		},
	)
	workspaceDirsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletalk_workspace_dirs_removed_total",
			Help: "Total number of orphaned session workspaces removed by retention runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		sessionsExpiredTotal,
		workspaceDirsRemovedTotal,
	)
}
