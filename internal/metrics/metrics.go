// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_sync_count_total",
			Help: "Total number of sync attempts",
		},
	)

	syncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_sync_failed_total",
			Help: "Total number of failed sync attempts",
		},
		[]string{"workspace", "kind"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teamsync_sync_duration_seconds",
			Help:    "Sync attempt duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"workspace"},
	)

	lastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "teamsync_last_sync_end_timestamp",
			Help: "Unix timestamp of when the last sync attempt ended",
		},
		[]string{"workspace"},
	)

	mergeBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_merge_blocked_total",
			Help: "Environment merges blocked by the total-loss guard",
		},
		[]string{"workspace"},
	)

	mergeBackups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_merge_backup_total",
			Help: "Environment backups taken before a lossy merge",
		},
		[]string{"workspace"},
	)

	conflictsManual = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_conflict_manual_total",
			Help: "Conflicts left for manual resolution",
		},
		[]string{"workspace"},
	)

	probeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_reachability_probe_total",
			Help: "Reachability probes against Git remotes",
		},
		[]string{"outcome"},
	)
)

func SyncSucceeded(workspace string, startTime time.Time) {
	syncCount.Inc()
	syncDuration.WithLabelValues(workspace).Observe(time.Since(startTime).Seconds())
	lastSyncEnd.WithLabelValues(workspace).SetToCurrentTime()
}

func SyncFailed(workspace, kind string) {
	syncCount.Inc()
	syncFailed.WithLabelValues(workspace, kind).Inc()
	lastSyncEnd.WithLabelValues(workspace).SetToCurrentTime()
}

func MergeBlocked(workspace string) {
	mergeBlocked.WithLabelValues(workspace).Inc()
}

func MergeBackup(workspace string) {
	mergeBackups.WithLabelValues(workspace).Inc()
}

func ConflictManual(workspace string) {
	conflictsManual.WithLabelValues(workspace).Inc()
}

func ProbeResult(reachable bool) {
	outcome := "unreachable"
	if reachable {
		outcome = "reachable"
	}
	probeCount.WithLabelValues(outcome).Inc()
}
