package daq

import (
	"testing"
	"time"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/platform"
	"github.com/xcplite/go-xcp/internal/ring"
	"github.com/xcplite/go-xcp/internal/wire"
)

func TestTriggerEmitsODTPayload(t *testing.T) {
	seg := cal.NewSegment("seg0", 16)
	working := seg.Begin()
	copy(working, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	seg.Commit()

	tb := NewTables()
	first, _ := tb.AllocDAQ(1)
	_ = tb.AllocODT(first, 1)
	_ = tb.AllocODTEntry(first, 0, 1)
	_ = tb.SetDAQPtr(first, 0, 0)
	_ = tb.WriteDAQ(4, wire.NewSegAddress(0, 0))
	_ = tb.SetDAQListMode(first, ListModeSelected, 1)
	_ = tb.StartStopDAQList(first, true)

	resolver := &SegmentResolver{Segments: []*cal.Segment{seg}}
	r := ring.New(256, 128)
	clock := platform.NewClock(platform.ResolutionMicros)
	sampler := NewSampler(tb, resolver, clock, r)

	sampler.Trigger(1, nil)

	payload, ok := r.Peek()
	if !ok {
		t.Fatalf("expected a sample to be emitted")
	}
	hdr, err := wire.UnmarshalODTHeader(payload[:wire.ODTHeaderSize])
	if err != nil {
		t.Fatalf("UnmarshalODTHeader: %v", err)
	}
	if hdr.DAQListIndex() != first {
		t.Fatalf("got DAQ list %d, want %d", hdr.DAQListIndex(), first)
	}

	got := payload[wire.ODTHeaderSize : wire.ODTHeaderSize+4]
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sampled data = %v, want %v", got, want)
		}
	}
}

func TestTriggerTimestampsODTZero(t *testing.T) {
	seg := cal.NewSegment("seg0", 16)
	working := seg.Begin()
	copy(working, []byte{9, 9, 9, 9})
	seg.Commit()

	tb := NewTables()
	first, _ := tb.AllocDAQ(1)
	_ = tb.AllocODT(first, 1)
	_ = tb.AllocODTEntry(first, 0, 1)
	_ = tb.SetDAQPtr(first, 0, 0)
	_ = tb.WriteDAQ(4, wire.NewSegAddress(0, 0))
	_ = tb.SetDAQListMode(first, ListModeSelected|ListModeTimestamp, 2)
	_ = tb.StartStopDAQList(first, true)

	resolver := &SegmentResolver{Segments: []*cal.Segment{seg}}
	r := ring.New(256, 128)
	clock := platform.NewClock(platform.ResolutionMicros)
	sampler := NewSampler(tb, resolver, clock, r)

	time.Sleep(time.Millisecond)
	sampler.Trigger(2, nil)

	payload, ok := r.Peek()
	if !ok {
		t.Fatalf("expected a sample to be emitted")
	}
	off := wire.ODTHeaderSize
	tick := wire.UnmarshalTimestamp(payload[off : off+wire.TimestampSize])
	off += wire.TimestampSize
	if tick == 0 {
		t.Fatalf("expected a nonzero DAQ tick in the ODT 0 timestamp field")
	}
	got := payload[off : off+4]
	want := []byte{9, 9, 9, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sampled data = %v, want %v", got, want)
		}
	}
}

func TestTriggerIgnoresStoppedLists(t *testing.T) {
	tb := NewTables()
	first, _ := tb.AllocDAQ(1)
	_ = tb.AllocODT(first, 1)
	_ = tb.SetDAQListMode(first, ListModeSelected, 5)
	// never started

	resolver := &SegmentResolver{}
	r := ring.New(256, 128)
	clock := platform.NewClock(platform.ResolutionMicros)
	sampler := NewSampler(tb, resolver, clock, r)

	sampler.Trigger(5, nil)

	if !r.Empty() {
		t.Fatalf("expected no sample for a stopped list")
	}
}
