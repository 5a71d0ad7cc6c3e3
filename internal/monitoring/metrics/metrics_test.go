// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func waitFor(t *testing.T, m *Metrics, cond func(MetricsSnapshot) bool) MetricsSnapshot {
	t.Helper()
	var stats MetricsSnapshot
	require.Eventually(t, func() bool {
		stats = m.GetStats()
		return cond(stats)
	}, time.Second, time.Millisecond)
	return stats
}

func TestNewMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	require.NotNil(t, metrics)
	metrics.Close()
	metrics.Close()
}

func TestNewMetricsWithConfig(t *testing.T) {
	config := DefaultMetricsConfig()
	config.BufferSize = 5000
	config.LatencyBuffers[OpRead] = 2

	metrics := NewMetricsWithConfig(config)
	defer metrics.Close()

	for _, d := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond} {
		metrics.RecordRead(d)
	}
	stats := waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Operations.Read == 3 })

	// The ring buffer keeps only the last two.
	require.Equal(t, uint64(2), stats.Latency.Read.Count)
	require.Equal(t, 2*time.Millisecond, stats.Latency.Read.Min)
	require.Equal(t, 5000, stats.Configuration.BufferSize)
}

func TestRecordOperations(t *testing.T) {
	cases := []struct {
		name     string
		record   func(*Metrics, time.Duration)
		count    func(MetricsSnapshot) uint64
		latency  func(MetricsSnapshot) LatencyStats
		duration time.Duration
	}{
		{"read", (*Metrics).RecordRead,
			func(s MetricsSnapshot) uint64 { return s.Operations.Read },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.Read }, 100 * time.Microsecond},
		{"upsert", (*Metrics).RecordUpsert,
			func(s MetricsSnapshot) uint64 { return s.Operations.Upsert },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.Upsert }, 200 * time.Microsecond},
		{"rmw", (*Metrics).RecordRMW,
			func(s MetricsSnapshot) uint64 { return s.Operations.RMW },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.RMW }, 250 * time.Microsecond},
		{"delete", (*Metrics).RecordDelete,
			func(s MetricsSnapshot) uint64 { return s.Operations.Delete },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.Delete }, 150 * time.Microsecond},
		{"complete pending", (*Metrics).RecordCompletePending,
			func(s MetricsSnapshot) uint64 { return s.Operations.CompletePending },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.CompletePending }, time.Millisecond},
		{"checkpoint", (*Metrics).RecordCheckpoint,
			func(s MetricsSnapshot) uint64 { return s.Operations.Checkpoint },
			func(s MetricsSnapshot) LatencyStats { return s.Latency.Checkpoint }, 5 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetrics()
			defer metrics.Close()

			tc.record(metrics, tc.duration)
			stats := waitFor(t, metrics, func(s MetricsSnapshot) bool { return tc.count(s) == 1 })

			l := tc.latency(stats)
			require.Equal(t, tc.duration, l.Mean)
			require.Equal(t, tc.duration, l.P99)
		})
	}
}

func TestRecordError(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordError(OpRead)
	metrics.RecordError(OpUpsert)
	metrics.RecordError(OpUpsert)
	metrics.RecordError(OpRMW)
	metrics.RecordError(OpDelete)
	metrics.RecordError("recover")

	stats := waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Errors.Other == 1 })
	require.Equal(t, ErrorCounts{Read: 1, Upsert: 2, RMW: 1, Delete: 1, Other: 1}, stats.Errors)
	// Errors are not operations.
	require.Zero(t, stats.Operations.Upsert)
}

func TestConcurrentRecording(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	const goroutines, perGoroutine = 8, 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				metrics.RecordRead(time.Microsecond)
				metrics.RecordUpsert(time.Microsecond)
			}
		}()
	}
	wg.Wait()

	waitFor(t, metrics, func(s MetricsSnapshot) bool {
		return s.Operations.Read+s.Dropped >= goroutines*perGoroutine &&
			s.Operations.Read+s.Operations.Upsert+s.Dropped == 2*goroutines*perGoroutine
	})
}

func TestDroppedEvents(t *testing.T) {
	metrics := NewBufferedMetrics(0)
	defer metrics.Close()

	// With no buffer an event is only taken when the processor is parked
	// on the channel, so a burst drops at least some.
	for i := 0; i < 1000; i++ {
		metrics.RecordDelete(time.Microsecond)
	}
	stats := waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Operations.Delete+s.Dropped == 1000 })
	require.NotZero(t, stats.Dropped)
}

func TestDurationRingBuffer(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		rb := NewDurationRingBuffer(4)
		require.Zero(t, rb.GetAverage())
		require.Equal(t, LatencyStats{}, rb.GetStats())
	})

	t.Run("wraps", func(t *testing.T) {
		rb := NewDurationRingBuffer(3)
		for i := 1; i <= 5; i++ {
			rb.Push(time.Duration(i))
		}
		require.Equal(t, time.Duration(4), rb.GetAverage())

		st := rb.GetStats()
		require.Equal(t, uint64(3), st.Count)
		require.Equal(t, time.Duration(3), st.Min)
		require.Equal(t, time.Duration(5), st.Max)
		require.Equal(t, time.Duration(4), st.P50)
	})

	t.Run("zero capacity", func(t *testing.T) {
		rb := NewDurationRingBuffer(0)
		rb.Push(7)
		rb.Push(9)
		require.Equal(t, time.Duration(9), rb.GetAverage())
	})

	t.Run("percentiles", func(t *testing.T) {
		rb := NewDurationRingBuffer(1000)
		for i := 1; i <= 1000; i++ {
			rb.Push(time.Duration(i))
		}
		st := rb.GetStats()
		require.Equal(t, time.Duration(500), st.P50)
		require.Equal(t, time.Duration(950), st.P95)
		require.Equal(t, time.Duration(990), st.P99)
		require.Equal(t, time.Duration(999), st.P999)
	})
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordRMW(time.Millisecond)
	waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Operations.RMW == 1 })

	var decoded MetricsSnapshot
	require.NoError(t, json.Unmarshal(metrics.ExportJSON(), &decoded))
	require.Equal(t, uint64(1), decoded.Operations.RMW)
	require.Equal(t, time.Millisecond, decoded.Latency.RMW.Mean)
}

func TestExportPrometheus(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordUpsert(time.Microsecond)
	metrics.RecordError(OpRead)
	waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Operations.Upsert == 1 && s.Errors.Read == 1 })

	out := metrics.ExportPrometheus()
	require.Contains(t, out, "# TYPE lfkv_store_operations_total counter")
	require.Contains(t, out, `lfkv_store_operations_total{operation="upsert"} 1`)
	require.Contains(t, out, `lfkv_store_latency_nanoseconds{operation="upsert"} 1000`)
	require.Contains(t, out, `lfkv_store_errors_total{operation="read"} 1`)
}

func TestCollector(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordRead(time.Microsecond)
	metrics.RecordRead(time.Microsecond)
	waitFor(t, metrics, func(s MetricsSnapshot) bool { return s.Operations.Read == 2 })

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(metrics))

	// One counter pair and three quantiles per operation.
	require.Equal(t, len(operations)*5, testutil.CollectAndCount(metrics))

	expected := `
# HELP lfkv_store_operations_total Cumulative number of store operations, by operation.
# TYPE lfkv_store_operations_total counter
lfkv_store_operations_total{operation="checkpoint"} 0
lfkv_store_operations_total{operation="complete_pending"} 0
lfkv_store_operations_total{operation="delete"} 0
lfkv_store_operations_total{operation="read"} 2
lfkv_store_operations_total{operation="rmw"} 0
lfkv_store_operations_total{operation="upsert"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lfkv_store_operations_total"))
}
