// Package platform provides the monotonic clock, DAQ timestamp tick, and
// parking primitives the rest of the runtime is built on (spec.md §4.A).
// It plays the role the teacher's runtime.LockOSThread/unix.SchedSetaffinity
// calls play in internal/queue.Runner: the one place goroutine scheduling
// and time are touched directly.
package platform

import (
	"sync/atomic"
	"time"
)

// Resolution selects the tick period for the 32-bit DAQ clock, negotiated
// at CONNECT per spec.md §9.
type Resolution int

const (
	ResolutionMicros Resolution = iota // 1 tick == 1µs
	ResolutionNanos                    // 1 tick == 1ns
)

// Clock is a monotonic nanosecond source with a derived 32-bit DAQ tick.
// It is a struct (not package-level globals) so tests can substitute a
// deterministic clock without touching process-global state.
type Clock struct {
	start      time.Time
	resolution Resolution
}

// NewClock creates a Clock anchored to the current time.
func NewClock(res Resolution) *Clock {
	return &Clock{start: time.Now(), resolution: res}
}

// NowNanos returns monotonic nanoseconds since the clock was created.
func (c *Clock) NowNanos() uint64 {
	return uint64(time.Since(c.start).Nanoseconds())
}

// Tick32 returns the 32-bit wrapping DAQ timestamp. Consumers must treat a
// backward delta between two observed ticks as a wrap, not a clock-skew
// error (spec.md §4.A).
func (c *Clock) Tick32() uint32 {
	ns := c.NowNanos()
	switch c.resolution {
	case ResolutionNanos:
		return uint32(ns)
	default:
		return uint32(ns / 1000)
	}
}

// Resolution reports the negotiated tick period, exposed so CONNECT can
// report it to the master.
func (c *Clock) Resolution() Resolution { return c.resolution }

// LoadU32Acquire / StoreU32Release / LoadU64Acquire / StoreU64Release name
// the acquire/release intent explicitly at call sites, the way the
// teacher's runner.loadDescriptor comments call out "acquire semantics to
// avoid stale data" even though Go's atomic package doesn't expose
// ordering as a parameter the way C++ does — sync/atomic operations are
// already sequentially consistent, so these are documentation wrappers,
// not behavior changes.
func LoadU32Acquire(addr *uint32) uint32    { return atomic.LoadUint32(addr) }
func StoreU32Release(addr *uint32, v uint32) { atomic.StoreUint32(addr, v) }
func LoadU64Acquire(addr *uint64) uint64    { return atomic.LoadUint64(addr) }
func StoreU64Release(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }
