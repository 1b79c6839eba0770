package blkmig

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
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

// Metrics tracks performance and operational statistics for one
// migration attempt. The counters here are a superset of EngineState's
// bandwidth accumulator (spec §3): ReadSamples/ReadNanos feed
// ReadBandwidth the same way the engine's own
// (reads_count, total_read_nanos) pair does, but Metrics additionally
// tracks sends and destination-side writes for observability.
type Metrics struct {
	ReadOps  atomic.Uint64
	SendOps  atomic.Uint64
	WriteOps atomic.Uint64

	ReadBytes  atomic.Uint64
	SendBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	SendErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// ReadNanos/ReadSamples mirror EngineState's bandwidth accumulator
	// exactly: observed_read_bandwidth = (reads_count * BLOCK_SIZE) /
	// total_read_nanos.
	ReadNanos   atomic.Uint64
	ReadSamples atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new Metrics instance with StartTime set to now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordRead records one backing read (success or failure) and its
// elapsed time, feeding the bandwidth accumulator on success.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
		m.ReadNanos.Add(latencyNs)
		m.ReadSamples.Add(1)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSend records one chunk handed to the TaskQueue/Stream.
func (m *Metrics) RecordSend(bytes uint64, latencyNs uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.SendBytes.Add(bytes)
	} else {
		m.SendErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records one destination-side sector write.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records a queue-depth sample for averaging.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// ReadBandwidth returns observed_read_bandwidth = (reads * BlockSize) /
// total_read_nanos, or 0 if no reads have completed yet (spec §4.3:
// "If total_read_nanos == 0, the bandwidth is undefined").
func (m *Metrics) ReadBandwidth(blockSize int64) float64 {
	nanos := m.ReadNanos.Load()
	if nanos == 0 {
		return 0
	}
	samples := m.ReadSamples.Load()
	return float64(samples) * float64(blockSize) / float64(nanos)
}

// Stop marks the migration attempt as finished.
func (m *Metrics) Stop(now time.Time) {
	m.StopTime.Store(now.UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics safe to read
// without further synchronization.
type MetricsSnapshot struct {
	ReadOps, SendOps, WriteOps             uint64
	ReadBytes, SendBytes, WriteBytes        uint64
	ReadErrors, SendErrors, WriteErrors     uint64
	AvgQueueDepth                           float64
	MaxQueueDepth                           uint32
	AvgLatencyNs                            uint64
	UptimeNs                                uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns uint64
	LatencyHistogram                        [numLatencyBuckets]uint64
	TotalOps, TotalBytes                    uint64
	ErrorRate                               float64
}

// Snapshot creates a point-in-time snapshot of m.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps: m.ReadOps.Load(), SendOps: m.SendOps.Load(), WriteOps: m.WriteOps.Load(),
		ReadBytes: m.ReadBytes.Load(), SendBytes: m.SendBytes.Load(), WriteBytes: m.WriteBytes.Load(),
		ReadErrors: m.ReadErrors.Load(), SendErrors: m.SendErrors.Load(), WriteErrors: m.WriteErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.SendOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.SendBytes + snap.WriteBytes

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(now.UnixNano() - start)
	}

	totalErrors := snap.ReadErrors + snap.SendErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
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

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) via linear interpolation between histogram buckets.
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

// Observer allows pluggable metrics collection; see
// internal/interfaces.Observer for the contract shared across the
// core's internal packages. This local alias lets public API callers
// implement one interface regardless of import depth.
type Observer = interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveSend(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op Observer implementation that discards every
// observation; pass it via WithObserver to turn metrics off (NewEngine
// otherwise defaults to a MetricsObserver).
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveSend(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSend(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordSend(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
