// Package ring implements the lock-free, multi-producer/single-consumer,
// variable-length packet ring described in spec.md §3 ("Packet buffer") and
// §4.B. It is grounded on the per-tag atomic state machine the teacher
// builds in internal/queue.Runner (ehrlich-b-go-ublk): explicit atomic
// state, explicit memory-ordering comments, and a sentinel value
// (the teacher's TagState machine; here the sentinel slot length 0xFFFF)
// that lets the single consumer tell a reserved-but-uncommitted slot from
// a committed one without a lock.
package ring

import (
	"errors"
	"sync/atomic"

	"github.com/xcplite/go-xcp/internal/wire"
)

// ErrOverflow is returned by Reserve when the ring has no room for the
// requested length. The caller must treat the packet as lost, not retry
// indefinitely (spec.md §4.B "Failure").
var ErrOverflow = errors.New("ring: overflow")

// ErrTooLarge is returned when a single reservation exceeds the configured
// MTU payload cap.
var ErrTooLarge = errors.New("ring: reservation exceeds MTU payload")

// Ring is a fixed-capacity, power-of-two-sized byte ring. head/tail are
// monotonically increasing byte cursors (not masked); callers mask with
// (cursor % capacity) when indexing into buf. This is the same cursor
// convention a SPSC/MPSC ring typically uses to make "how much is in
// flight" a simple subtraction regardless of wraparound.
type Ring struct {
	buf      []byte
	capacity uint64 // power of two
	mask     uint64

	head uint64 // atomic: next byte offset a producer may claim
	tail uint64 // atomic: next byte offset the consumer will read

	maxPayload int

	lost   atomic.Uint64 // packets dropped to overflow since start
	ctr    atomic.Uint32 // per-slot counter, wraps
}

// New creates a Ring of the given capacity (rounded up to a power of two)
// and maxPayload (the MTU payload cap from spec.md §4.B).
func New(capacity int, maxPayload int) *Ring {
	cap64 := nextPow2(uint64(capacity))
	return &Ring{
		buf:        make([]byte, cap64),
		capacity:   cap64,
		mask:       cap64 - 1,
		maxPayload: maxPayload,
	}
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// Capacity returns the ring's byte capacity.
func (r *Ring) Capacity() uint64 { return r.capacity }

// LostCount returns the number of packets dropped to overflow since the
// ring was created.
func (r *Ring) LostCount() uint64 { return r.lost.Load() }

// Handle identifies a reserved-but-not-yet-committed slot.
type Handle struct {
	offset uint64 // byte offset of the slot header within buf
	length int    // payload length in bytes
}

// Reserve claims space for a len-byte payload with a compare-and-swap loop
// on head: it retries when another producer moved head first, so it is
// lock-free but not wait-free. When the ring has no room it returns
// ErrOverflow at once. If the reservation would straddle the
// physical end of the ring, a skip slot pads the tail and the real
// reservation restarts at offset 0 (spec.md §4.B).
func (r *Ring) Reserve(length int) (Handle, error) {
	if length > r.maxPayload {
		return Handle{}, ErrTooLarge
	}

	aligned := wire.AlignUp4(wire.SlotHeaderSize + length)

	for {
		head := atomic.LoadUint64(&r.head)
		tail := atomic.LoadUint64(&r.tail)

		phys := head & r.mask
		remaining := r.capacity - phys

		needsWrap := uint64(aligned) > remaining
		claimLen := uint64(aligned)
		if needsWrap {
			claimLen = remaining + uint64(aligned)
		}

		if head+claimLen-tail > r.capacity {
			r.lost.Add(1)
			return Handle{}, ErrOverflow
		}

		newHead := head + claimLen
		if !atomic.CompareAndSwapUint64(&r.head, head, newHead) {
			continue
		}

		slotOffset := head
		if needsWrap {
			r.writeSkipHeader(head, int(remaining))
			slotOffset = head + remaining
		}

		r.writeSentinelHeader(slotOffset)

		return Handle{offset: slotOffset, length: length}, nil
	}
}

func (r *Ring) writeSkipHeader(offset uint64, remaining int) {
	if remaining < wire.SlotHeaderSize {
		// Too small for a header: no skip header is written here, and the
		// consumer's Advance steps over this remainder without reading one.
		return
	}
	phys := offset & r.mask
	hdr := wire.SlotHeader{Length: uint16(remaining - wire.SlotHeaderSize), Flags: wire.SlotFlagSkip}
	wire.MarshalSlotHeader(r.buf[phys:phys+wire.SlotHeaderSize], hdr)
}

func (r *Ring) writeSentinelHeader(offset uint64) {
	phys := offset & r.mask
	hdr := wire.SlotHeader{Length: wire.SentinelLength}
	wire.MarshalSlotHeader(r.buf[phys:phys+wire.SlotHeaderSize], hdr)
}

// Bytes returns the writable payload region for a reserved handle. The
// producer must finish writing before calling Commit.
func (r *Ring) Bytes(h Handle) []byte {
	start := (h.offset + wire.SlotHeaderSize) & r.mask
	end := start + uint64(h.length)
	if end <= r.capacity {
		return r.buf[start:end]
	}
	// Straddles the physical end; this cannot happen for the payload
	// region because Reserve always places a full aligned slot (header +
	// payload) contiguously after any skip padding, but guard explicitly
	// rather than silently corrupt memory if that invariant is ever
	// violated.
	panic("ring: payload region unexpectedly wraps; reservation invariant violated")
}

// Commit publishes the slot by overwriting the sentinel length with the
// real length, using release semantics: by the time a consumer observes
// the real length, it has also observed every payload byte the producer
// wrote, because Go's memory model guarantees writes preceding an atomic
// store are visible to a goroutine that later loads that same memory
// location (here: the slot header, which the consumer inspects before
// trusting the payload bytes).
func (r *Ring) Commit(h Handle) {
	phys := h.offset & r.mask
	ctr := uint16(r.ctr.Add(1))
	hdr := wire.SlotHeader{Length: uint16(h.length), Ctr: ctr}
	// Length must be written last: it is the field the consumer polls.
	wire.MarshalSlotHeader(r.buf[phys:phys+wire.SlotHeaderSize], hdr)
}

// Peek returns the next committed payload without releasing it, or false
// if the slot at tail is not yet committed (sentinel) or the ring is
// empty. The single consumer calls Advance to release the slot after
// consuming it.
func (r *Ring) Peek() ([]byte, bool) {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if tail >= head {
		return nil, false
	}

	phys := tail & r.mask
	hdr := wire.UnmarshalSlotHeader(r.buf[phys : phys+wire.SlotHeaderSize])

	if hdr.Flags&wire.SlotFlagSkip != 0 {
		// A skip slot carries no payload; Peek reports nothing here and
		// DrainSkips moves tail past it.
		return nil, false
	}

	if hdr.Length == wire.SentinelLength {
		// Reserved but not committed yet. Bounded by the number of
		// in-flight producers (spec.md §4.B "Ordering guarantee").
		return nil, false
	}

	start := (tail + wire.SlotHeaderSize) & r.mask
	return r.buf[start : start+uint64(hdr.Length)], true
}

// Advance releases the slot at tail (a payload slot or a skip slot). When
// that slot ends so close to the physical end of the ring that no slot
// header fits in the rest, Advance also steps over that rest. Consecutive
// skip slots are stepped over by DrainSkips, not here. Only the single
// consumer goroutine may call this.
func (r *Ring) Advance() {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if tail >= head {
		return
	}

	phys := tail & r.mask
	hdr := wire.UnmarshalSlotHeader(r.buf[phys : phys+wire.SlotHeaderSize])

	payloadLen := int(hdr.Length)
	if hdr.Length == wire.SentinelLength {
		payloadLen = 0
	}
	aligned := uint64(wire.AlignUp4(wire.SlotHeaderSize + payloadLen))

	next := tail + aligned
	if rem := r.capacity - (next & r.mask); rem < wire.SlotHeaderSize {
		next += rem
	}
	atomic.StoreUint64(&r.tail, next)
}

// DrainSkips advances past any number of consecutive skip-padding slots at
// tail, so Peek/Advance callers never have to special-case them. Callers
// that want the "next real payload" should call this before Peek.
func (r *Ring) DrainSkips() {
	for {
		head := atomic.LoadUint64(&r.head)
		tail := atomic.LoadUint64(&r.tail)
		if tail >= head {
			return
		}
		phys := tail & r.mask
		hdr := wire.UnmarshalSlotHeader(r.buf[phys : phys+wire.SlotHeaderSize])
		if hdr.Flags&wire.SlotFlagSkip == 0 {
			return
		}
		r.Advance()
	}
}

// Empty reports whether the ring currently has no committed-or-pending
// data, used by the TX drainer to decide whether to park on the queue gate
// (spec.md §5 suspension point b).
func (r *Ring) Empty() bool {
	return atomic.LoadUint64(&r.tail) >= atomic.LoadUint64(&r.head)
}
