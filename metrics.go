package ipc2

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-operation counters and latency for a Task. It
// implements internal/interfaces.Observer, so a Task can be constructed
// with its own Metrics as the Options.Observer to get built-in counters
// for free, or with a caller-supplied Observer instead.
type Metrics struct {
	BufSendOps     atomic.Uint64
	BufReceiveOps  atomic.Uint64
	BufFinishOps   atomic.Uint64
	BufWaitOps     atomic.Uint64

	BufSendErrors    atomic.Uint64
	BufReceiveErrors atomic.Uint64
	BufFinishErrors  atomic.Uint64
	BufWaitErrors    atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a Metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) ObserveBufSend(latencyNs uint64, success bool) {
	m.BufSendOps.Add(1)
	if !success {
		m.BufSendErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveBufReceive(latencyNs uint64, success bool) {
	m.BufReceiveOps.Add(1)
	if !success {
		m.BufReceiveErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveBufFinish(latencyNs uint64, success bool) {
	m.BufFinishOps.Add(1)
	if !success {
		m.BufFinishErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveBufWait(latencyNs uint64, success bool) {
	m.BufWaitOps.Add(1)
	if !success {
		m.BufWaitErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) ObserveQueueDepth(endpointLabel uint64, depth uint32) {
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

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without further synchronization.
type MetricsSnapshot struct {
	BufSendOps, BufReceiveOps, BufFinishOps, BufWaitOps             uint64
	BufSendErrors, BufReceiveErrors, BufFinishErrors, BufWaitErrors uint64
	QueueDepthTotal, QueueDepthCount                                uint64
	MaxQueueDepth                                                   uint32
	TotalLatencyNs, OpCount                                         uint64
	LatencyBuckets                                                  [numLatencyBuckets]uint64
}

// Snapshot returns a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		BufSendOps:       m.BufSendOps.Load(),
		BufReceiveOps:    m.BufReceiveOps.Load(),
		BufFinishOps:     m.BufFinishOps.Load(),
		BufWaitOps:       m.BufWaitOps.Load(),
		BufSendErrors:    m.BufSendErrors.Load(),
		BufReceiveErrors: m.BufReceiveErrors.Load(),
		BufFinishErrors:  m.BufFinishErrors.Load(),
		BufWaitErrors:    m.BufWaitErrors.Load(),
		QueueDepthTotal:  m.QueueDepthTotal.Load(),
		QueueDepthCount:  m.QueueDepthCount.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
		TotalLatencyNs:   m.TotalLatencyNs.Load(),
		OpCount:          m.OpCount.Load(),
	}
	for i := range m.LatencyBuckets {
		s.LatencyBuckets[i] = m.LatencyBuckets[i].Load()
	}
	return s
}
