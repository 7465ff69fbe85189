package xcp

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the command-dispatch latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
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

// Metrics tracks operational statistics for a running Server: command
// throughput and latency, DAQ loss, and ring overflow, mirroring the
// teacher's atomics-only Metrics shape.
type Metrics struct {
	CommandsDispatched atomic.Uint64
	CommandErrors      atomic.Uint64

	DAQSamplesEmitted atomic.Uint64
	DAQSamplesLost    atomic.Uint64

	RingOverflows atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one dispatched command's outcome and latency.
func (m *Metrics) RecordCommand(latencyNs uint64, ok bool) {
	m.CommandsDispatched.Add(1)
	if !ok {
		m.CommandErrors.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordDAQSample records one event-triggered DAQ sampling outcome.
func (m *Metrics) RecordDAQSample(lost bool) {
	if lost {
		m.DAQSamplesLost.Add(1)
	} else {
		m.DAQSamplesEmitted.Add(1)
	}
}

// RecordRingOverflow increments the packet ring overflow counter.
func (m *Metrics) RecordRingOverflow() {
	m.RingOverflows.Add(1)
}

// Stop marks the server as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters plus derived
// statistics.
type MetricsSnapshot struct {
	CommandsDispatched uint64
	CommandErrors      uint64
	DAQSamplesEmitted  uint64
	DAQSamplesLost     uint64
	RingOverflows      uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ErrorRate float64
}

// Snapshot captures a MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsDispatched: m.CommandsDispatched.Load(),
		CommandErrors:      m.CommandErrors.Load(),
		DAQSamplesEmitted:  m.DAQSamplesEmitted.Load(),
		DAQSamplesLost:     m.DAQSamplesLost.Load(),
		RingOverflows:      m.RingOverflows.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.CommandsDispatched > 0 {
		snap.ErrorRate = float64(snap.CommandErrors) / float64(snap.CommandsDispatched) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Observer lets an embedder plug in its own metrics sink without coupling
// Server to any particular backend.
type Observer interface {
	ObserveCommand(latencyNs uint64, ok bool)
	ObserveDAQSample(lost bool)
	ObserveRingOverflow()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint64, bool) {}
func (NoOpObserver) ObserveDAQSample(bool)       {}
func (NoOpObserver) ObserveRingOverflow()        {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(latencyNs uint64, ok bool) { o.metrics.RecordCommand(latencyNs, ok) }
func (o *MetricsObserver) ObserveDAQSample(lost bool)               { o.metrics.RecordDAQSample(lost) }
func (o *MetricsObserver) ObserveRingOverflow()                     { o.metrics.RecordRingOverflow() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
