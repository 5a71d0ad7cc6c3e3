// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by the collectors below.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for the state machine, sessions and checkpoints. They register
// with the default Prometheus registry.
var (
	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfkv_state_transitions_total",
		Help: "Cumulative number of global state transitions, by the phase entered.",
	}, []string{"phase"})
	SystemVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfkv_system_version",
		Help: "Current global version of the store.",
	})
	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfkv_checkpoints_total",
		Help: "Cumulative number of checkpoints, by kind and outcome.",
	}, []string{"kind", "status"})
	CheckpointBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lfkv_checkpoint_bytes_total",
		Help: "Cumulative number of metadata and delta log bytes committed by checkpoints.",
	})
	PendingOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfkv_pending_operations",
		Help: "Number of operations waiting on a device read.",
	})
	RetriedOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfkv_retried_operations_total",
		Help: "Cumulative number of operations deferred for retry, by reason.",
	}, []string{"reason"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lfkv_active_sessions",
		Help: "Number of open client sessions.",
	})
	ContinuedSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfkv_continued_sessions_total",
		Help: "Cumulative number of session continuation attempts, by outcome.",
	}, []string{"status"})
	CompactedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lfkv_compacted_records_total",
		Help: "Cumulative number of live records copied to the tail by compaction.",
	})
)
