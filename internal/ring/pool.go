package ring

import "sync"

// Buffer size buckets for staged copies. DAQ entries and MODIFY_BEGIN
// working-page snapshots are small compared to the block-device I/O the
// teacher's pool.go buckets for (128KB-1MB); XCP payloads are bounded by a
// single UDP/TCP MTU, so the largest bucket here covers a jumbo frame.
const (
	size64   = 64
	size256  = 256
	size1500 = 1500  // typical Ethernet MTU payload
	size9000 = 9000  // jumbo frame
)

// globalPool mirrors the teacher's size-bucketed sync.Pool pattern
// (internal/queue/pool.go): pointer-to-slice buckets to avoid the
// interface-boxing allocation sync.Pool would otherwise impose on a bare
// []byte.
var globalPool = struct {
	pool64   sync.Pool
	pool256  sync.Pool
	pool1500 sync.Pool
	pool9000 sync.Pool
}{
	pool64:   sync.Pool{New: func() any { b := make([]byte, size64); return &b }},
	pool256:  sync.Pool{New: func() any { b := make([]byte, size256); return &b }},
	pool1500: sync.Pool{New: func() any { b := make([]byte, size1500); return &b }},
	pool9000: sync.Pool{New: func() any { b := make([]byte, size9000); return &b }},
}

// GetBuffer returns a buffer of at least size bytes, used to stage DAQ
// entry bytes and calibration working-page copies off the hot path.
// Callers must call PutBuffer when done. A size larger than the biggest
// bucket (an oversized calibration segment, say) falls back to a plain
// allocation rather than slicing past a pooled buffer's capacity;
// PutBuffer drops such buffers instead of pooling them.
func GetBuffer(size int) []byte {
	switch {
	case size <= size64:
		return (*globalPool.pool64.Get().(*[]byte))[:size]
	case size <= size256:
		return (*globalPool.pool256.Get().(*[]byte))[:size]
	case size <= size1500:
		return (*globalPool.pool1500.Get().(*[]byte))[:size]
	case size <= size9000:
		return (*globalPool.pool9000.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool it was allocated from, determined
// by capacity. Buffers with a non-standard capacity (e.g. a caller-supplied
// slice never obtained from GetBuffer) are dropped rather than pooled.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64:
		globalPool.pool64.Put(&buf)
	case size256:
		globalPool.pool256.Put(&buf)
	case size1500:
		globalPool.pool1500.Put(&buf)
	case size9000:
		globalPool.pool9000.Put(&buf)
	}
}
