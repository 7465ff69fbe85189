package daq

import (
	"unsafe"

	"github.com/xcplite/go-xcp/internal/platform"
	"github.com/xcplite/go-xcp/internal/ring"
	"github.com/xcplite/go-xcp/internal/wire"
)

// Resolver turns a logical Address into a readable byte slice. The DAQ
// engine never dereferences memory itself; it asks a Resolver, which lets
// ABS/DYN addresses map onto real process memory while SEG addresses map
// onto a calibration segment's ECU-role page (spec.md §3 "Address"),
// without the sampler needing to know the difference.
type Resolver interface {
	// Resolve returns the size bytes at addr, snapshotting if the
	// underlying storage requires it (e.g. a calibration segment page).
	// base is the per-event base pointer used to resolve ExtDYN entries;
	// it may be nil for events that carry none.
	Resolve(addr wire.Address, size uint8, base unsafe.Pointer) []byte
}

// Event associates a numeric ID with a human name. The base pointer for a
// firing is passed to Trigger and is not stored here.
type Event struct {
	ID   uint16
	Name string
}

// Sampler triggers DAQ lists bound to an event and emits one wire-ready
// payload per ODT into the packet ring.
type Sampler struct {
	tables   *Tables
	resolver Resolver
	clock    *platform.Clock
	out      *ring.Ring
	gate     *platform.Gate
}

// NewSampler builds a Sampler that resolves entry addresses via resolver
// and writes emitted ODT DTOs into out.
func NewSampler(tables *Tables, resolver Resolver, clock *platform.Clock, out *ring.Ring) *Sampler {
	return &Sampler{tables: tables, resolver: resolver, clock: clock, out: out}
}

// SetGate wires a Gate the sampler opens after every successful commit, so
// a TX goroutine parked in Gate.Wait wakes immediately instead of polling
// the ring (spec.md §5 suspension point b).
func (s *Sampler) SetGate(g *platform.Gate) { s.gate = g }

// Trigger samples every running list bound to eventID. A list is "all or
// nothing": sampleList reserves one ring slot for all of the list's ODTs,
// and if that reservation fails none of the list's ODTs for this event are
// emitted and the list's loss counter is incremented once (spec.md §4.F
// "all-or-nothing").
func (s *Sampler) Trigger(eventID uint16, base unsafe.Pointer) {
	for _, li := range s.tables.ListsForEvent(eventID) {
		s.sampleList(li, base)
	}
}

// sampleList reserves one ring slot covering every ODT in the list and
// fills it in a single pass, so the reservation either succeeds for the
// whole list or fails for the whole list, true all-or-nothing without
// needing a ring rollback primitive. The TX side forwards the whole slot
// as one transport frame; a list's ODTs travel together in a single
// datagram rather than being resplit on the way out.
func (s *Sampler) sampleList(listIdx uint16, base unsafe.Pointer) {
	list := s.tables.List(listIdx)
	if len(list.ODTs) == 0 {
		return
	}

	timestamped := list.Mode&ListModeTimestamp != 0

	total := 0
	for odtIdx, odt := range list.ODTs {
		total += wire.ODTHeaderSize
		if odtIdx == 0 && timestamped {
			total += wire.TimestampSize
		}
		for _, e := range odt.Entries {
			total += int(e.Size)
		}
	}

	tick := s.clock.Tick32()

	h, err := s.out.Reserve(total)
	if err != nil {
		s.tables.RecordLoss(listIdx)
		return
	}
	loss := s.tables.TakeLoss(listIdx)

	buf := s.out.Bytes(h)
	off := 0
	for odtIdx, odt := range list.ODTs {
		hdr := wire.NewODTHeader(uint8(odtIdx), listIdx, uint32(loss))
		wire.MarshalODTHeader(buf[off:off+wire.ODTHeaderSize], hdr)
		off += wire.ODTHeaderSize

		// spec.md §4.F "ODT 0 is emitted first (it carries the timestamp)".
		if odtIdx == 0 && timestamped {
			wire.MarshalTimestamp(buf[off:off+wire.TimestampSize], tick)
			off += wire.TimestampSize
		}

		for _, e := range odt.Entries {
			data := s.resolver.Resolve(e.Addr, e.Size, base)
			off += copy(buf[off:off+int(e.Size)], data)
			ring.PutBuffer(data)
		}
	}

	s.out.Commit(h)
	if s.gate != nil {
		s.gate.Open()
	}
}
