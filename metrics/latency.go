package metrics

import (
	"sync/atomic"
)

// batchSizeScale fixes the EMA-scaled average batch size at three decimal
// digits of precision, avoiding floats on the recording path per the spec's
// "fixed-point to avoid floats in the hot path".
const batchSizeScale = 1000

// batchSizeAlpha is the EMA smoothing factor for average batch size.
const batchSizeAlpha = 0.1

// LatencyMetrics is the per-node metrics block: three rotating histograms
// (1/5/15 minute), atomic queue-depth counters, an EMA batch size, and
// speculation-acceptance counters. Every recording method is lock-free.
type LatencyMetrics struct {
	NodeID string

	win1m  *RotatingWindow
	win5m  *RotatingWindow
	win15m *RotatingWindow

	queueDepth    atomic.Int64
	maxQueueDepth atomic.Int64

	// batchSizeFixed holds the EMA of batch size scaled by batchSizeScale,
	// stored as a fixed-point integer updated via CAS.
	batchSizeFixed atomic.Int64

	invocationCount      atomic.Uint64
	speculativeAttempts  atomic.Uint64
	speculativeConfirmed atomic.Uint64

	lastResetUnixUs atomic.Int64
}

// NewLatencyMetrics creates an empty metrics block for nodeID.
func NewLatencyMetrics(nodeID string) *LatencyMetrics {
	return &LatencyMetrics{
		NodeID: nodeID,
		win1m:  NewRotatingWindow(1),
		win5m:  NewRotatingWindow(5),
		win15m: NewRotatingWindow(15),
	}
}

// RecordLatency records a single process-invocation latency in
// microseconds into all three rotating windows and increments the
// invocation count.
func (m *LatencyMetrics) RecordLatency(us int64) {
	m.win1m.Record(us)
	m.win5m.Record(us)
	m.win15m.Record(us)
	m.invocationCount.Add(1)
}

// Percentile returns the p-th quantile latency in microseconds for the
// named window ("1m", "5m", "15m"); unrecognized windows return 0.
func (m *LatencyMetrics) Percentile(window string, p float64) int64 {
	switch window {
	case "1m":
		return m.win1m.Percentile(p)
	case "5m":
		return m.win5m.Percentile(p)
	case "15m":
		return m.win15m.Percentile(p)
	default:
		return 0
	}
}

// RotateWindows advances all three windows' rings; intended to be called
// from a single shared per-minute background tick.
func (m *LatencyMetrics) RotateWindows() {
	m.win1m.Rotate()
	m.win5m.Rotate()
	m.win15m.Rotate()
}

// RecordEnqueue increments current queue depth and advances the high-water
// mark, atomically.
func (m *LatencyMetrics) RecordEnqueue() {
	depth := m.queueDepth.Add(1)
	for {
		max := m.maxQueueDepth.Load()
		if depth <= max || m.maxQueueDepth.CompareAndSwap(max, depth) {
			return
		}
	}
}

// RecordDequeue decrements the current queue depth.
func (m *LatencyMetrics) RecordDequeue() {
	m.queueDepth.Add(-1)
}

// QueueDepth returns the current queue depth.
func (m *LatencyMetrics) QueueDepth() int64 { return m.queueDepth.Load() }

// MaxQueueDepth returns the high-water mark queue depth.
func (m *LatencyMetrics) MaxQueueDepth() int64 { return m.maxQueueDepth.Load() }

// RecordBatchSize folds size into the EMA-smoothed average batch size
// using a fixed-point compare-and-swap loop (alpha=0.1).
func (m *LatencyMetrics) RecordBatchSize(size int) {
	for {
		old := m.batchSizeFixed.Load()
		target := int64(size) * batchSizeScale
		newFixed := target
		if old != 0 {
			// alpha=0.1 in fixed point: move a tenth of the way to target.
			newFixed = old + (target-old)/int64(1/batchSizeAlpha)
		}
		if m.batchSizeFixed.CompareAndSwap(old, newFixed) {
			return
		}
	}
}

// AvgBatchSize returns the current EMA-smoothed average batch size.
func (m *LatencyMetrics) AvgBatchSize() float64 {
	return float64(m.batchSizeFixed.Load()) / batchSizeScale
}

// RecordSpeculation records one speculative-forward attempt and whether it
// was ultimately confirmed (accepted) rather than cancelled.
func (m *LatencyMetrics) RecordSpeculation(confirmed bool) {
	m.speculativeAttempts.Add(1)
	if confirmed {
		m.speculativeConfirmed.Add(1)
	}
}

// SpeculationAcceptanceRate returns confirmed/attempted in [0,1], or 1 when
// no speculative attempts have been recorded yet.
func (m *LatencyMetrics) SpeculationAcceptanceRate() float64 {
	attempts := m.speculativeAttempts.Load()
	if attempts == 0 {
		return 1
	}
	return float64(m.speculativeConfirmed.Load()) / float64(attempts)
}

// InvocationCount returns the total number of recorded invocations.
func (m *LatencyMetrics) InvocationCount() uint64 {
	return m.invocationCount.Load()
}
