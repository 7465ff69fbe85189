// Package proto implements the XCP command dispatcher and session state
// machine described in spec.md §4.D: one command executed synchronously
// per call, translating every expected failure into a wire ERR response
// rather than propagating a Go error past the dispatch boundary.
package proto

import (
	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/platform"
	"github.com/xcplite/go-xcp/internal/wire"
)

// State is the session's connection state (spec.md §3 "Session").
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
	StateResumed
)

// Resource mask bits reported by CONNECT (ASAM XCP RESOURCE byte).
const (
	ResourceCAL uint8 = 1 << 0
	ResourceDAQ uint8 = 1 << 2
	ResourcePGM uint8 = 1 << 4
)

// Session holds everything the protocol layer needs to answer one
// command: connection state, the MTA cursor, current page selections,
// and the subsystems it delegates to (calibration segments, DAQ tables,
// the descriptor registry).
type Session struct {
	state State

	mtaAddr wire.Address
	segments []*cal.Segment

	tables *daq.Tables

	ext Extension

	epk string

	mtu int

	clock *platform.Clock

	// blockRemaining is the session's block-transfer state field (spec.md
	// §3 lists "outstanding block-transfer state" as a session field); no
	// command handler reads or writes it.
	blockRemaining int
}

// Deps bundles a Session's collaborators, supplied by the server façade at
// construction.
type Deps struct {
	Segments []*cal.Segment
	Tables   *daq.Tables
	Ext      Extension
	EPK      string
	MTU      int
	Clock    *platform.Clock
}

// NewSession creates a DISCONNECTED session.
func NewSession(d Deps) *Session {
	ext := d.Ext
	if ext == nil {
		ext = NoopExtension{}
	}
	clock := d.Clock
	if clock == nil {
		clock = platform.NewClock(platform.ResolutionMicros)
	}
	return &Session{
		state:    StateDisconnected,
		segments: d.Segments,
		tables:   d.Tables,
		ext:      ext,
		epk:      d.EPK,
		mtu:      d.MTU,
		clock:    clock,
	}
}

// State reports the current session state.
func (s *Session) State() State { return s.state }

func (s *Session) segment(index uint8) (*cal.Segment, bool) {
	if int(index) >= len(s.segments) {
		return nil, false
	}
	return s.segments[index], true
}

// resolveWrite returns the segment and in-page offset a write-capable
// address targets, or ok=false if the address isn't SEG-extension (writes
// outside a calibration segment are not supported by this runtime; ABS
// writes would require unsafe raw-pointer access best left to an
// Extension hook).
func (s *Session) resolveWrite(addr wire.Address) (*cal.Segment, int, bool) {
	if addr.Extension != wire.ExtSEG {
		return nil, 0, false
	}
	seg, ok := s.segment(addr.SegSegmentIndex())
	if !ok {
		return nil, 0, false
	}
	return seg, int(addr.SegPageOffset()), true
}
