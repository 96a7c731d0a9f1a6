package nvmeof

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Expected 0 initial commands, got %d", snap.TotalCommands)
	}

	m.RecordCommand(0x02, 1000000, true)  // Read, 1ms, success
	m.RecordCommand(0x01, 2000000, true)  // Write, 2ms, success
	m.RecordCommand(0x02, 500000, false)  // Read, 0.5ms, error

	snap = m.Snapshot()

	if snap.CommandsOK != 2 {
		t.Errorf("Expected 2 successful commands, got %d", snap.CommandsOK)
	}
	if snap.CommandsFailed != 1 {
		t.Errorf("Expected 1 failed command, got %d", snap.CommandsFailed)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsBytesAndReconnects(t *testing.T) {
	m := NewMetrics()

	m.RecordBytesSent(1024)
	m.RecordBytesSent(512)
	m.RecordBytesReceived(4096)
	m.RecordReconnect()
	m.RecordReconnect()

	snap := m.Snapshot()
	if snap.BytesSent != 1536 {
		t.Errorf("Expected 1536 bytes sent, got %d", snap.BytesSent)
	}
	if snap.BytesReceived != 4096 {
		t.Errorf("Expected 4096 bytes received, got %d", snap.BytesReceived)
	}
	if snap.Reconnects != 2 {
		t.Errorf("Expected 2 reconnects, got %d", snap.Reconnects)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(0x02, 1000000, true) // 1ms
	m.RecordCommand(0x01, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000) // 1.5ms in nanoseconds
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(0x02, 1000000, true)
	m.RecordCommand(0x01, 2000000, true)
	m.RecordBytesSent(1024)

	snap := m.Snapshot()
	if snap.TotalCommands == 0 {
		t.Error("Expected some commands before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Expected 0 commands after reset, got %d", snap.TotalCommands)
	}
	if snap.BytesSent != 0 {
		t.Errorf("Expected 0 bytes sent after reset, got %d", snap.BytesSent)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveCommand(0x02, 1000000, true)
	observer.ObserveBytesSent(1024)
	observer.ObserveBytesReceived(1024)
	observer.ObserveReconnect()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveCommand(0x02, 1000000, true)
	metricsObserver.ObserveCommand(0x01, 2000000, true)
	metricsObserver.ObserveBytesSent(2048)
	metricsObserver.ObserveBytesReceived(4096)
	metricsObserver.ObserveReconnect()

	snap := m.Snapshot()
	if snap.CommandsOK != 2 {
		t.Errorf("Expected 2 commands from observer, got %d", snap.CommandsOK)
	}
	if snap.BytesSent != 2048 {
		t.Errorf("Expected 2048 bytes sent from observer, got %d", snap.BytesSent)
	}
	if snap.BytesReceived != 4096 {
		t.Errorf("Expected 4096 bytes received from observer, got %d", snap.BytesReceived)
	}
	if snap.Reconnects != 1 {
		t.Errorf("Expected 1 reconnect from observer, got %d", snap.Reconnects)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCommand(0x02, 1000000, true)
	m.RecordCommand(0x01, 2000000, true)
	m.RecordBytesSent(1024)
	m.RecordBytesReceived(2048)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.CommandRate < 1.9 || snap.CommandRate > 2.1 {
		t.Errorf("Expected CommandRate ~2.0, got %.2f", snap.CommandRate)
	}
	if snap.Throughput < 3000 || snap.Throughput > 3100 {
		t.Errorf("Expected Throughput ~3072, got %.2f", snap.Throughput)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordCommand(0x02, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordCommand(0x01, 5_000_000, true) // 5ms
	}
	m.RecordCommand(0x01, 50_000_000, true) // 50ms (the slowest command, above the P99)

	snap := m.Snapshot()

	if snap.TotalCommands != 100 {
		t.Errorf("Expected 100 total commands, got %d", snap.TotalCommands)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
