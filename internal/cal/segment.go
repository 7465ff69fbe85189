// Package cal implements the double-buffered calibration segment
// described in spec.md §4.C: a working page the master patches and a
// reference page DAQ sampling reads from, switched by SET_CAL_PAGE and
// snapshotted without torn reads by a version counter, the same
// acquire-on-read / release-on-publish discipline the teacher's
// runner.loadDescriptor uses for io_uring shared-memory descriptors.
package cal

import (
	"sync"
	"sync/atomic"

	"github.com/xcplite/go-xcp/internal/ring"
)

// PageSelector names which of a segment's two pages a party addresses.
type PageSelector uint8

const (
	PageECU PageSelector = iota // the page live code reads (xcpPage by default maps here)
	PageXCP                     // the page the master patches via calibration commands
)

// Segment is one calibration memory segment: two equally sized byte pages
// plus the bookkeeping to swap which is "working" (master-writable) and
// which is "reference" (read by running code / DAQ) without ever exposing
// a half-written page to a reader.
//
// version increments on every successful commit. A reader snapshots
// version before copying page bytes and re-checks it after; a mismatch
// means a commit raced the read and the reader must retry, the standard
// seqlock pattern.
type Segment struct {
	name string
	size int

	mu    sync.Mutex // serializes writers (MODIFY_BEGIN/END, page copy)
	pages [2][]byte
	// ecuPage and xcpPage name which physical page index (0 or 1)
	// currently plays each role; SET_CAL_PAGE swaps the pointer, not the
	// bytes, so a swap is an O(1) pointer flip rather than a copy.
	ecuPage atomic.Uint32
	xcpPage atomic.Uint32

	version atomic.Uint64

	// pending holds an in-progress MODIFY_BEGIN/MODIFY_END bracket's
	// working copy; nil outside a bracket.
	pending []byte
}

// NewSegment allocates a segment with both pages zero-initialized to the
// same size. ecuPage and xcpPage both start at page 0 until the caller
// loads initial calibration data and/or a master issues SET_CAL_PAGE.
func NewSegment(name string, size int) *Segment {
	s := &Segment{
		name: name,
		size: size,
	}
	s.pages[0] = make([]byte, size)
	s.pages[1] = make([]byte, size)
	return s
}

// Name returns the segment's registry name.
func (s *Segment) Name() string { return s.name }

// Size returns the page size in bytes.
func (s *Segment) Size() int { return s.size }

// Version returns the current commit version, the counter ReadSnapshot and
// ReadXCPSnapshot re-check to detect a concurrent commit.
func (s *Segment) Version() uint64 { return s.version.Load() }

// EcuPageIndex and XcpPageIndex report which physical page currently
// serves each role (spec.md §4.C "ecuPage"/"xcpPage selectors").
func (s *Segment) EcuPageIndex() uint32 { return s.ecuPage.Load() }
func (s *Segment) XcpPageIndex() uint32 { return s.xcpPage.Load() }

// SetCalPage assigns which physical page plays the given role. This is
// the GET_CAL_PAGE/SET_CAL_PAGE command's effect: an O(1) selector swap,
// never a byte copy.
func (s *Segment) SetCalPage(sel PageSelector, pageIndex uint32) {
	switch sel {
	case PageECU:
		s.ecuPage.Store(pageIndex)
	case PageXCP:
		s.xcpPage.Store(pageIndex)
	}
}

// GetCalPage reports which physical page currently plays the given role.
func (s *Segment) GetCalPage(sel PageSelector) uint32 {
	switch sel {
	case PageECU:
		return s.ecuPage.Load()
	default:
		return s.xcpPage.Load()
	}
}

// ReadSnapshot copies length bytes at offset from the ECU-role page into
// dst, retrying if a commit raced the copy (spec.md §4.C "read_lock()").
// Safe for concurrent use by any number of readers (the DAQ sampler calls
// this once per entry per event).
func (s *Segment) ReadSnapshot(dst []byte, offset int) {
	for {
		v1 := s.version.Load()
		page := s.pages[s.ecuPage.Load()]
		n := copy(dst, page[offset:offset+len(dst)])
		_ = n
		v2 := s.version.Load()
		if v1 == v2 {
			return
		}
		// A commit landed mid-copy; the bytes we just read may be torn
		// across old/new content. Retry.
	}
}

// Begin starts a MODIFY_BEGIN/MODIFY_END bracket (spec.md §4.D): the
// caller receives a private working copy of the XCP-role page to patch in
// place. Only one bracket may be open at a time per segment.
func (s *Segment) Begin() []byte {
	s.mu.Lock()
	src := s.pages[s.xcpPage.Load()]
	working := ring.GetBuffer(len(src))
	copy(working, src)
	s.pending = working
	return working
}

// Commit publishes the working copy from Begin as the new content of the
// XCP-role page and bumps the version, making it visible to ReadSnapshot
// callers via release semantics (the version store happens after the byte
// copy completes, so no reader can observe the new version without also
// seeing the new bytes).
func (s *Segment) Commit() {
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	copy(s.pages[s.xcpPage.Load()], s.pending)
	ring.PutBuffer(s.pending)
	s.pending = nil
	s.version.Add(1)
}

// PendingBytes returns the in-progress working copy opened by Begin, or
// nil if no bracket is open. Callers must hold no additional lock; the
// slice is only safe to mutate between Begin and the matching Commit or
// Abort.
func (s *Segment) PendingBytes() []byte { return s.pending }

// Abort discards an open bracket's working copy without publishing it.
func (s *Segment) Abort() {
	defer s.mu.Unlock()
	if s.pending != nil {
		ring.PutBuffer(s.pending)
	}
	s.pending = nil
}

// Sync copies the current ECU-role page content onto the XCP-role page and
// bumps version. COPY_CAL_PAGE does not call it; that command goes through
// CopyPageInto.
func (s *Segment) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.pages[s.ecuPage.Load()]
	dst := s.pages[s.xcpPage.Load()]
	copy(dst, src)
	s.version.Add(1)
}

// ErrPageIndex is returned by CopyPageInto when a page index is not 0 or 1.
var ErrPageIndex = errPageIndex{}

type errPageIndex struct{}

func (errPageIndex) Error() string { return "cal: page index out of range" }

// CopyPageInto performs the COPY_CAL_PAGE(src,dst) bytewise copy described
// in spec.md §4.D: the bytes of this segment's page at srcPageIndex
// overwrite dst's page at dstPageIndex. dst may be s itself (copying
// between a segment's own two pages) or a different segment. version on
// dst bumps only if dstPageIndex is currently playing dst's ecuPage role,
// matching "bumps version if dst == ecu_page".
func (s *Segment) CopyPageInto(srcPageIndex uint32, dst *Segment, dstPageIndex uint32) error {
	if srcPageIndex > 1 || dstPageIndex > 1 {
		return ErrPageIndex
	}
	if dst == s {
		s.mu.Lock()
		defer s.mu.Unlock()
		copy(s.pages[dstPageIndex], s.pages[srcPageIndex])
	} else {
		s.mu.Lock()
		srcBytes := append([]byte(nil), s.pages[srcPageIndex]...)
		s.mu.Unlock()

		dst.mu.Lock()
		defer dst.mu.Unlock()
		copy(dst.pages[dstPageIndex], srcBytes)
	}
	if dst.ecuPage.Load() == dstPageIndex {
		dst.version.Add(1)
	}
	return nil
}

// WriteDirect writes length bytes at offset directly into the XCP-role
// page outside of a MODIFY_BEGIN/END bracket, used by DOWNLOAD/
// SHORT_DOWNLOAD/DOWNLOAD_NEXT when the master isn't bracketing a
// multi-write transaction.
func (s *Segment) WriteDirect(offset int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.pages[s.xcpPage.Load()][offset:], data)
	s.version.Add(1)
}

// ReadDirect reads length bytes at offset from the XCP-role page, used by
// UPLOAD/SHORT_UPLOAD for reading back what the master just wrote.
func (s *Segment) ReadDirect(offset int, length int) []byte {
	out := make([]byte, length)
	s.ReadXCPSnapshot(out, offset)
	return out
}

// ReadXCPSnapshot is ReadSnapshot but against the XCP-role page rather
// than the ECU-role page, matching UPLOAD's expectation of reading back
// what was just written via the calibration interface.
func (s *Segment) ReadXCPSnapshot(dst []byte, offset int) {
	for {
		v1 := s.version.Load()
		page := s.pages[s.xcpPage.Load()]
		copy(dst, page[offset:offset+len(dst)])
		v2 := s.version.Load()
		if v1 == v2 {
			return
		}
	}
}
