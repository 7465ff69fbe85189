package transport

import (
	"github.com/xcplite/go-xcp/internal/wire"
)

// unpackFrames splits a received datagram into the one or more
// FrameHeader-prefixed payloads it may carry (spec.md §6: "Multiple
// payloads may be packed into one datagram"). It stops at the first
// truncated/malformed header rather than erroring the whole read, since a
// well-formed prefix is still usable even if a trailing partial frame is
// corrupt.
func unpackFrames(buf []byte, peer Peer) []Frame {
	var frames []Frame
	for len(buf) >= wire.FrameHeaderSize {
		hdr, err := wire.UnmarshalFrameHeader(buf)
		if err != nil {
			break
		}
		buf = buf[wire.FrameHeaderSize:]
		if int(hdr.Length) > len(buf) {
			break
		}
		payload := make([]byte, hdr.Length)
		copy(payload, buf[:hdr.Length])
		frames = append(frames, Frame{Peer: peer, Payload: payload})
		buf = buf[hdr.Length:]
	}
	return frames
}

// packFrames frames each of payloads with a FrameHeader (length, a counter
// drawn from nextCounter) and packs them greedily into as few byte slices
// as fit under maxDatagram, the "packs them greedily" TX drainer behavior
// spec.md §4.C describes. A single payload too large to fit under
// maxDatagram on its own still gets its own (oversized) datagram rather
// than being silently dropped.
func packFrames(payloads [][]byte, maxDatagram int, nextCounter func() uint16) [][]byte {
	var datagrams [][]byte
	var cur []byte

	flush := func() {
		if len(cur) > 0 {
			datagrams = append(datagrams, cur)
			cur = nil
		}
	}

	for _, p := range payloads {
		framed := make([]byte, wire.FrameHeaderSize+len(p))
		wire.MarshalFrameHeader(framed[:wire.FrameHeaderSize], wire.FrameHeader{
			Length:  uint16(len(p)),
			Counter: nextCounter(),
		})
		copy(framed[wire.FrameHeaderSize:], p)

		if len(cur)+len(framed) > maxDatagram {
			flush()
		}
		cur = append(cur, framed...)
	}
	flush()
	return datagrams
}
