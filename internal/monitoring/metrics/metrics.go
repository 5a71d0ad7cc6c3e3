// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring for the store.
//
// Two layers live here. The package-level Prometheus collectors in
// collectors.go count state machine transitions, checkpoints and session
// events for the whole process. Metrics, in this file, is per store: it
// records the count and latency of every session operation through a
// buffered channel drained by a background goroutine, and keeps recent
// latencies in ring buffers for percentile reporting.
//
// # Key Features
//
//   - Non-blocking recording from sessions through a buffered channel
//   - Operation counts for Read, Upsert, RMW, Delete, CompletePending and checkpoints
//   - Latency percentiles from bounded ring buffers
//   - Per-operation error counts
//   - Export as JSON, Prometheus text, or as a prometheus.Collector
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	start := time.Now()
//	// ... perform operation ...
//	m.RecordRead(time.Since(start))
//
//	stats := m.GetStats()
//	fmt.Printf("reads: %d, p99: %s\n", stats.Operations.Read, stats.Latency.Read.P99)
//
//	prometheus.MustRegister(m)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires cleanup with Close().
//   - **Event Loss**: If the buffer is full, events are dropped rather than blocking the session.
//   - **Stats Latency**: Stats trail recording slightly because events are processed asynchronously.
//
// # Best Practices
//
//   - Always call Close() when done with metrics
//   - Size the buffer for the peak operation rate of all sessions together
//   - Register the store's Metrics with a Prometheus registry instead of polling GetStats
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used as event types and labels.
const (
	OpRead            = "read"
	OpUpsert          = "upsert"
	OpRMW             = "rmw"
	OpDelete          = "delete"
	OpCompletePending = "complete_pending"
	OpCheckpoint      = "checkpoint"
)

var operations = []string{OpRead, OpUpsert, OpRMW, OpDelete, OpCompletePending, OpCheckpoint}

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// OperationCounts tracks counts for all operation types
type OperationCounts struct {
	Read            uint64 `json:"read"`
	Upsert          uint64 `json:"upsert"`
	RMW             uint64 `json:"rmw"`
	Delete          uint64 `json:"delete"`
	CompletePending uint64 `json:"complete_pending"`
	Checkpoint      uint64 `json:"checkpoint"`
}

// ErrorCounts tracks error counts for the session operations
type ErrorCounts struct {
	Read   uint64 `json:"read"`
	Upsert uint64 `json:"upsert"`
	RMW    uint64 `json:"rmw"`
	Delete uint64 `json:"delete"`
	Other  uint64 `json:"other"`
}

// LatencyMetrics tracks latency data for all operations
type LatencyMetrics struct {
	Read            LatencyStats `json:"read"`
	Upsert          LatencyStats `json:"upsert"`
	RMW             LatencyStats `json:"rmw"`
	Delete          LatencyStats `json:"delete"`
	CompletePending LatencyStats `json:"complete_pending"`
	Checkpoint      LatencyStats `json:"checkpoint"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Operations    OperationCounts `json:"operations"`
	Errors        ErrorCounts     `json:"errors"`
	Latency       LatencyMetrics  `json:"latency"`
	Dropped       uint64          `json:"dropped"`
	Configuration MetricsConfig   `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Timestamp time.Time
	Error     bool
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		total += rb.buffer[(rb.head+i)%rb.size]
	}
	return total / time.Duration(rb.count)
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	if rb.count == 0 {
		rb.mu.RUnlock()
		return LatencyStats{}
	}
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	stats := LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(len(values))
	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	stats.P999 = percentile(values, 0.999)
	return stats
}

// percentile picks the pth percentile of sorted values.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`     // Size of event buffer
	LatencyBuffers map[string]int `json:"latency_buffers"` // Per-operation ring buffer sizes
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			OpRead:            1000,
			OpUpsert:          1000,
			OpRMW:             1000,
			OpDelete:          1000,
			OpCompletePending: 100,
			OpCheckpoint:      100,
		},
	}
}

// Metrics tracks the operations of one store
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu        sync.RWMutex
	counts    map[string]uint64
	errors    map[string]uint64
	latencies map[string]*DurationRingBuffer
	dropped   uint64

	opsDesc     *prometheus.Desc
	errorsDesc  *prometheus.Desc
	latencyDesc *prometheus.Desc
}

var _ prometheus.Collector = &Metrics{} // Metrics is-a prometheus.Collector.

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewBufferedMetrics creates a new metrics instance with configurable buffer size
func NewBufferedMetrics(bufferSize int) *Metrics {
	config := DefaultMetricsConfig()
	config.BufferSize = bufferSize
	return NewMetricsWithConfig(config)
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:    config,
		eventChan: make(chan MetricEvent, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		counts:    make(map[string]uint64),
		errors:    make(map[string]uint64),
		latencies: make(map[string]*DurationRingBuffer),

		opsDesc: prometheus.NewDesc("lfkv_store_operations_total",
			"Cumulative number of store operations, by operation.", []string{"operation"}, nil),
		errorsDesc: prometheus.NewDesc("lfkv_store_errors_total",
			"Cumulative number of failed store operations, by operation.", []string{"operation"}, nil),
		latencyDesc: prometheus.NewDesc("lfkv_store_latency_seconds",
			"Recent latency of store operations, by operation and quantile.", []string{"operation", "quantile"}, nil),
	}
	for _, op := range operations {
		m.latencies[op] = NewDurationRingBuffer(config.LatencyBuffers[op])
	}

	m.wg.Add(1)
	go m.processEvents()
	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Error {
		m.errors[event.Type]++
		return
	}
	m.counts[event.Type]++
	if rb, ok := m.latencies[event.Type]; ok {
		rb.Push(event.Duration)
	}
}

func (m *Metrics) send(event MetricEvent) {
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

func (m *Metrics) record(op string, d time.Duration) {
	m.send(MetricEvent{Type: op, Duration: d, Timestamp: time.Now()})
}

// RecordRead records a Read operation
func (m *Metrics) RecordRead(d time.Duration) { m.record(OpRead, d) }

// RecordUpsert records an Upsert operation
func (m *Metrics) RecordUpsert(d time.Duration) { m.record(OpUpsert, d) }

// RecordRMW records an RMW operation
func (m *Metrics) RecordRMW(d time.Duration) { m.record(OpRMW, d) }

// RecordDelete records a Delete operation
func (m *Metrics) RecordDelete(d time.Duration) { m.record(OpDelete, d) }

// RecordCompletePending records one call draining pending operations
func (m *Metrics) RecordCompletePending(d time.Duration) { m.record(OpCompletePending, d) }

// RecordCheckpoint records the wait for a checkpoint to complete
func (m *Metrics) RecordCheckpoint(d time.Duration) { m.record(OpCheckpoint, d) }

// RecordError records a failed operation
func (m *Metrics) RecordError(op string) {
	m.send(MetricEvent{Type: op, Timestamp: time.Now(), Error: true})
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var other uint64
	for op, n := range m.errors {
		switch op {
		case OpRead, OpUpsert, OpRMW, OpDelete:
		default:
			other += n
		}
	}
	return MetricsSnapshot{
		Operations: OperationCounts{
			Read:            m.counts[OpRead],
			Upsert:          m.counts[OpUpsert],
			RMW:             m.counts[OpRMW],
			Delete:          m.counts[OpDelete],
			CompletePending: m.counts[OpCompletePending],
			Checkpoint:      m.counts[OpCheckpoint],
		},
		Errors: ErrorCounts{
			Read:   m.errors[OpRead],
			Upsert: m.errors[OpUpsert],
			RMW:    m.errors[OpRMW],
			Delete: m.errors[OpDelete],
			Other:  other,
		},
		Latency: LatencyMetrics{
			Read:            m.latencies[OpRead].GetStats(),
			Upsert:          m.latencies[OpUpsert].GetStats(),
			RMW:             m.latencies[OpRMW].GetStats(),
			Delete:          m.latencies[OpDelete].GetStats(),
			CompletePending: m.latencies[OpCompletePending].GetStats(),
			Checkpoint:      m.latencies[OpCheckpoint].GetStats(),
		},
		Dropped:       m.dropped,
		Configuration: m.config,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.opsDesc
	ch <- m.errorsDesc
	ch <- m.latencyDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	counts := make(map[string]uint64, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	errs := make(map[string]uint64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}
	m.mu.RUnlock()

	for _, op := range operations {
		ch <- prometheus.MustNewConstMetric(m.opsDesc, prometheus.CounterValue, float64(counts[op]), op)
		ch <- prometheus.MustNewConstMetric(m.errorsDesc, prometheus.CounterValue, float64(errs[op]), op)

		st := m.latencies[op].GetStats()
		for _, q := range []struct {
			name string
			d    time.Duration
		}{{"0.5", st.P50}, {"0.95", st.P95}, {"0.99", st.P99}} {
			ch <- prometheus.MustNewConstMetric(m.latencyDesc, prometheus.GaugeValue, q.d.Seconds(), op, q.name)
		}
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	counts := map[string]uint64{
		OpRead: stats.Operations.Read, OpUpsert: stats.Operations.Upsert, OpRMW: stats.Operations.RMW,
		OpDelete: stats.Operations.Delete, OpCompletePending: stats.Operations.CompletePending,
		OpCheckpoint: stats.Operations.Checkpoint,
	}
	means := map[string]time.Duration{
		OpRead: stats.Latency.Read.Mean, OpUpsert: stats.Latency.Upsert.Mean, OpRMW: stats.Latency.RMW.Mean,
		OpDelete: stats.Latency.Delete.Mean, OpCompletePending: stats.Latency.CompletePending.Mean,
		OpCheckpoint: stats.Latency.Checkpoint.Mean,
	}
	errs := map[string]uint64{
		OpRead: stats.Errors.Read, OpUpsert: stats.Errors.Upsert, OpRMW: stats.Errors.RMW, OpDelete: stats.Errors.Delete,
	}

	b.WriteString("# HELP lfkv_store_operations_total Total number of operations\n")
	b.WriteString("# TYPE lfkv_store_operations_total counter\n")
	for _, op := range operations {
		fmt.Fprintf(&b, "lfkv_store_operations_total{operation=%q} %d\n", op, counts[op])
	}

	b.WriteString("# HELP lfkv_store_latency_nanoseconds Average latency for operations\n")
	b.WriteString("# TYPE lfkv_store_latency_nanoseconds gauge\n")
	for _, op := range operations {
		fmt.Fprintf(&b, "lfkv_store_latency_nanoseconds{operation=%q} %d\n", op, means[op].Nanoseconds())
	}

	b.WriteString("# HELP lfkv_store_errors_total Total number of errors\n")
	b.WriteString("# TYPE lfkv_store_errors_total counter\n")
	for _, op := range []string{OpRead, OpUpsert, OpRMW, OpDelete} {
		fmt.Fprintf(&b, "lfkv_store_errors_total{operation=%q} %d\n", op, errs[op])
	}
	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	jsonData, _ := json.MarshalIndent(m.GetStats(), "", "  ")
	return jsonData
}

// Close shuts down the metrics processor
func (m *Metrics) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}
