// Package transport carries XCP frames over UDP or TCP, optionally
// accelerated by io_uring batched submission. It plays the role the
// teacher's internal/uring package plays for block I/O: a small interface
// with a portable default implementation and an optional real/stub split
// behind a build tag for the kernel-accelerated path.
package transport

import (
	"context"
	"net"
)

// Peer identifies the remote endpoint a frame was received from or should
// be sent to. For TCP it is the single connected peer; for UDP it carries
// the datagram's source/destination address.
type Peer struct {
	Addr net.Addr
}

// Frame is one length-delimited payload as read from or written to the
// wire, already stripped of (or about to be given) its transport framing
// header.
type Frame struct {
	Peer    Peer
	Payload []byte
}

// Transport is the minimal contract the protocol session (internal/proto)
// needs from whatever carries bytes to and from the master: receive a
// frame, send a frame to a peer, and shut down cleanly.
type Transport interface {
	// Recv blocks until a frame arrives or ctx is done.
	Recv(ctx context.Context) (Frame, error)
	// Send writes a frame to the given peer.
	Send(ctx context.Context, peer Peer, payload []byte) error
	// LocalAddr reports the bound local address.
	LocalAddr() net.Addr
	// Close releases the underlying socket.
	Close() error
}

// Batcher is an optional capability a Transport may implement to pack
// several already-committed payloads into as few datagrams as the segment
// size allows instead of one send per payload, the "TX drainer pulls
// committed packets from B and packs them greedily" behavior spec.md §4.C
// describes. Stream transports (TCP) don't need this — the byte stream
// already concatenates consecutive writes — so only the datagram
// transports implement it; callers should type-assert for it and fall
// back to individual Send calls otherwise.
type Batcher interface {
	SendBatch(ctx context.Context, peer Peer, payloads [][]byte) error
}

// Kind selects which concrete Transport to construct.
type Kind int

const (
	KindUDP Kind = iota
	KindTCP
)

// Config configures a Transport.
type Config struct {
	Kind Kind
	Addr string // host:port to bind
	// Accelerated requests the io_uring batched-submission path when the
	// binary was built with -tags giouring. Ignored otherwise; the
	// portable net.UDPConn/net.TCPConn path is always available as a
	// fallback.
	Accelerated bool
}

// New constructs a Transport per cfg. When cfg.Accelerated is set and the
// binary was built with -tags giouring, the accelerated implementation is
// used; otherwise newPortable's plain net.Conn path is used.
func New(cfg Config) (Transport, error) {
	if cfg.Accelerated {
		t, err := newAccelerated(cfg)
		if err == nil {
			return t, nil
		}
		// Fall through to the portable path; the accelerated constructor
		// returning an error (e.g. built without -tags giouring, or not on
		// Linux) is not fatal to starting the server.
	}
	return newPortable(cfg)
}
