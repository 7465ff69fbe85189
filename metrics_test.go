package xcp

import "testing"

func TestMetricsSnapshotInitialState(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()

	if snap.CommandsDispatched != 0 {
		t.Errorf("CommandsDispatched = %d, want 0", snap.CommandsDispatched)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("ErrorRate = %v, want 0", snap.ErrorRate)
	}
}

func TestRecordCommandTracksErrorsAndLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(1_000, true)
	m.RecordCommand(2_000, true)
	m.RecordCommand(500, false)

	snap := m.Snapshot()
	if snap.CommandsDispatched != 3 {
		t.Errorf("CommandsDispatched = %d, want 3", snap.CommandsDispatched)
	}
	if snap.CommandErrors != 1 {
		t.Errorf("CommandErrors = %d, want 1", snap.CommandErrors)
	}

	wantAvg := uint64((1_000 + 2_000 + 500) / 3)
	if snap.AvgLatencyNs != wantAvg {
		t.Errorf("AvgLatencyNs = %d, want %d", snap.AvgLatencyNs, wantAvg)
	}

	wantErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < wantErrorRate-0.01 || snap.ErrorRate > wantErrorRate+0.01 {
		t.Errorf("ErrorRate = %v, want ~%v", snap.ErrorRate, wantErrorRate)
	}
}

func TestRecordDAQSample(t *testing.T) {
	m := NewMetrics()
	m.RecordDAQSample(false)
	m.RecordDAQSample(false)
	m.RecordDAQSample(true)

	snap := m.Snapshot()
	if snap.DAQSamplesEmitted != 2 {
		t.Errorf("DAQSamplesEmitted = %d, want 2", snap.DAQSamplesEmitted)
	}
	if snap.DAQSamplesLost != 1 {
		t.Errorf("DAQSamplesLost = %d, want 1", snap.DAQSamplesLost)
	}
}

func TestRecordRingOverflow(t *testing.T) {
	m := NewMetrics()
	m.RecordRingOverflow()
	m.RecordRingOverflow()

	if got := m.Snapshot().RingOverflows; got != 2 {
		t.Errorf("RingOverflows = %d, want 2", got)
	}
}

func TestLatencyHistogramBucketing(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand(500, true) // falls in every bucket >= 1us

	snap := m.Snapshot()
	for i, want := range []uint64{1, 1, 1, 1, 1, 1, 1, 1} {
		if snap.LatencyHistogram[i] != want {
			t.Errorf("LatencyHistogram[%d] = %d, want %d", i, snap.LatencyHistogram[i], want)
		}
	}
}

func TestMetricsObserverDelegates(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveCommand(100, true)
	obs.ObserveDAQSample(false)
	obs.ObserveRingOverflow()

	snap := m.Snapshot()
	if snap.CommandsDispatched != 1 || snap.DAQSamplesEmitted != 1 || snap.RingOverflows != 1 {
		t.Fatalf("unexpected snapshot after delegated observations: %+v", snap)
	}
}
