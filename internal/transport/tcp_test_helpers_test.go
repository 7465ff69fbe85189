package transport

import (
	"net"
	"testing"

	"github.com/xcplite/go-xcp/internal/wire"
)

func dialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

func encodeFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	hdr := wire.FrameHeader{Length: uint16(len(payload)), Counter: 1}
	out := make([]byte, wire.FrameHeaderSize+len(payload))
	wire.MarshalFrameHeader(out[:wire.FrameHeaderSize], hdr)
	copy(out[wire.FrameHeaderSize:], payload)
	return out
}
