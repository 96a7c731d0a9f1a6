package nvmeof

import (
	"sync/atomic"
	"time"

	"github.com/truenas/nvmeof-client/internal/interfaces"
)

// LatencyBuckets defines the command-latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an NVMe-oF
// client session.
type Metrics struct {
	// Command counters, keyed by whether the completion reported success.
	CommandsOK     atomic.Uint64
	CommandsFailed atomic.Uint64

	// Byte counters, as reported through RecordBytesSent/RecordBytesReceived.
	// The Client reports Read/Write data payload lengths only, not capsule
	// or PDU header bytes.
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64

	// Reconnect counter, incremented each time the session re-establishes
	// the transport connection after a fault.
	Reconnects atomic.Uint64

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts). Each bucket[i]
	// contains the count of commands with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Session lifecycle.
	StartTime atomic.Int64 // Session start timestamp (UnixNano)
	StopTime  atomic.Int64 // Session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records a completed command's latency and status for the
// given opcode. The opcode itself is not broken out per-counter since a
// fabrics client issues dozens of distinct opcodes; callers that need
// per-opcode breakdowns should attach their own Observer.
func (m *Metrics) RecordCommand(opcode uint8, latencyNs uint64, success bool) {
	if success {
		m.CommandsOK.Add(1)
	} else {
		m.CommandsFailed.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordBytesSent records bytes written to the transport.
func (m *Metrics) RecordBytesSent(n uint64) {
	m.BytesSent.Add(n)
}

// RecordBytesReceived records bytes read from the transport.
func (m *Metrics) RecordBytesReceived(n uint64) {
	m.BytesReceived.Add(n)
}

// RecordReconnect records a transport reconnect.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Add(1)
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	CommandsOK     uint64
	CommandsFailed uint64
	BytesSent      uint64
	BytesReceived  uint64
	Reconnects     uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalCommands uint64
	ErrorRate     float64 // Percentage of failed commands
	CommandRate   float64 // Commands per second
	Throughput    float64 // Bytes per second (sent + received)
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsOK:     m.CommandsOK.Load(),
		CommandsFailed: m.CommandsFailed.Load(),
		BytesSent:      m.BytesSent.Load(),
		BytesReceived:  m.BytesReceived.Load(),
		Reconnects:     m.Reconnects.Load(),
	}

	snap.TotalCommands = snap.CommandsOK + snap.CommandsFailed

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.CommandRate = float64(snap.TotalCommands) / uptimeSeconds
		snap.Throughput = float64(snap.BytesSent+snap.BytesReceived) / uptimeSeconds
	}

	if snap.TotalCommands > 0 {
		snap.ErrorRate = float64(snap.CommandsFailed) / float64(snap.TotalCommands) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.CommandsOK.Store(0)
	m.CommandsFailed.Store(0)
	m.BytesSent.Store(0)
	m.BytesReceived.Store(0)
	m.Reconnects.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer is the pluggable metrics-collection interface used throughout
// the client. It is the same shape internal collaborators depend on.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint8, uint64, bool) {}
func (NoOpObserver) ObserveBytesSent(uint64)            {}
func (NoOpObserver) ObserveBytesReceived(uint64)        {}
func (NoOpObserver) ObserveReconnect()                  {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(opcode uint8, latencyNs uint64, statusOK bool) {
	o.metrics.RecordCommand(opcode, latencyNs, statusOK)
}

func (o *MetricsObserver) ObserveBytesSent(n uint64) {
	o.metrics.RecordBytesSent(n)
}

func (o *MetricsObserver) ObserveBytesReceived(n uint64) {
	o.metrics.RecordBytesReceived(n)
}

func (o *MetricsObserver) ObserveReconnect() {
	o.metrics.RecordReconnect()
}

// Compile-time interface check.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
