package daq

import (
	"unsafe"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/ring"
	"github.com/xcplite/go-xcp/internal/wire"
)

// SegmentResolver resolves SEG-extension addresses against a set of named
// calibration segments and ABS/DYN-extension addresses against raw
// process memory, giving the sampler one uniform Resolver regardless of
// which address space an entry names.
type SegmentResolver struct {
	Segments []*cal.Segment
}

// Resolve implements Resolver. The returned slice is pooled (ring.GetBuffer);
// callers copy out of it into the wire payload and must return it with
// ring.PutBuffer once they're done, the same staging trade trigger.go makes
// for every entry on the sampling hot path.
func (r *SegmentResolver) Resolve(addr wire.Address, size uint8, base unsafe.Pointer) []byte {
	out := ring.GetBuffer(int(size))

	switch addr.Extension {
	case wire.ExtSEG:
		seg := r.segmentFor(addr.SegSegmentIndex())
		if seg == nil {
			return out
		}
		seg.ReadSnapshot(out, int(addr.SegPageOffset()))

	case wire.ExtDYN:
		if base == nil {
			return out
		}
		ptr := unsafe.Add(base, uintptr(addr.Offset))
		copy(out, unsafe.Slice((*byte)(ptr), size))

	default: // ExtABS and ExtEPK read directly from process memory
		ptr := unsafe.Pointer(uintptr(addr.Offset))
		copy(out, unsafe.Slice((*byte)(ptr), size))
	}

	return out
}

func (r *SegmentResolver) segmentFor(index uint8) *cal.Segment {
	if int(index) >= len(r.Segments) {
		return nil
	}
	return r.Segments[index]
}
