package xcp

import "sync"

// MockObserver records every call it receives, for asserting on what a
// Server reported during a test without standing up a real metrics sink.
type MockObserver struct {
	mu sync.Mutex

	commands   []commandCall
	daqSamples []bool
	overflows  int
}

type commandCall struct {
	LatencyNs uint64
	OK        bool
}

// NewMockObserver returns an empty MockObserver.
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

func (m *MockObserver) ObserveCommand(latencyNs uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, commandCall{LatencyNs: latencyNs, OK: ok})
}

func (m *MockObserver) ObserveDAQSample(lost bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daqSamples = append(m.daqSamples, lost)
}

func (m *MockObserver) ObserveRingOverflow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflows++
}

// CommandCount returns the number of ObserveCommand calls received.
func (m *MockObserver) CommandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

// ErrorCount returns how many of the recorded commands were failures.
func (m *MockObserver) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.commands {
		if !c.OK {
			n++
		}
	}
	return n
}

// DAQSampleCounts returns the number of emitted and lost DAQ samples seen.
func (m *MockObserver) DAQSampleCounts() (emitted, lost int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.daqSamples {
		if l {
			lost++
		} else {
			emitted++
		}
	}
	return emitted, lost
}

// OverflowCount returns the number of ObserveRingOverflow calls received.
func (m *MockObserver) OverflowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflows
}

// Reset clears all recorded calls.
func (m *MockObserver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = nil
	m.daqSamples = nil
	m.overflows = 0
}

var _ Observer = (*MockObserver)(nil)
