package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/xcplite/go-xcp/internal/wire"
)

// ErrNoPeer is returned by Send when no TCP client has connected yet.
var ErrNoPeer = errors.New("transport: no connected TCP peer")

// ErrPeerDisconnected is delivered through Recv when the connected TCP
// master's connection is lost (read error or EOF), distinct from a
// transport-level shutdown. Callers use it to drop the session to
// DISCONNECTED and clear DAQ lists (spec.md §4.C "connection loss
// transitions D to DISCONNECTED and clears DAQ lists").
var ErrPeerDisconnected = errors.New("transport: tcp peer connection lost")

// tcpTransport accepts a single XCP master connection at a time (the
// common case for a calibration session) and applies the length-prefixed
// framing spec.md §6 defines: a FrameHeader (length, counter) precedes
// every payload so reads can be reassembled from the TCP byte stream.
type tcpTransport struct {
	ln net.Listener

	mu      sync.Mutex
	conn    net.Conn
	counter uint16

	frames chan Frame
	errs   chan error
	done   chan struct{}
}

func newTCPTransport(cfg Config) (Transport, error) {
	ln, err := reuseAddrListenConfig().Listen(context.Background(), "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{
		ln:     ln,
		frames: make(chan Frame, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case t.errs <- err:
			default:
			}
			return
		}
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close() // only one master session at a time
		}
		t.conn = conn
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

func (t *tcpTransport) readLoop(conn net.Conn) {
	hdrBuf := make([]byte, wire.FrameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			t.handleDisconnect(conn)
			return
		}
		hdr, err := wire.UnmarshalFrameHeader(hdrBuf)
		if err != nil {
			t.handleDisconnect(conn)
			return
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.handleDisconnect(conn)
			return
		}
		select {
		case t.frames <- Frame{Peer: Peer{Addr: conn.RemoteAddr()}, Payload: payload}:
		case <-t.done:
			return
		}
	}
}

// handleDisconnect clears conn if it is still the active connection and
// surfaces ErrPeerDisconnected through Recv, unless the transport is
// already shutting down (Close closes conn itself, which would otherwise
// report the same disconnect spuriously).
func (t *tcpTransport) handleDisconnect(conn net.Conn) {
	select {
	case <-t.done:
		return
	default:
	}
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	select {
	case t.errs <- ErrPeerDisconnected:
	case <-t.done:
	default:
	}
}

func (t *tcpTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.errs:
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-t.done:
		return Frame{}, net.ErrClosed
	}
}

func (t *tcpTransport) Send(ctx context.Context, peer Peer, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.counter++
	ctr := t.counter
	t.mu.Unlock()

	if conn == nil {
		return ErrNoPeer
	}

	hdr := wire.FrameHeader{Length: uint16(len(payload)), Counter: ctr}
	out := make([]byte, wire.FrameHeaderSize+len(payload))
	wire.MarshalFrameHeader(out[:wire.FrameHeaderSize], hdr)
	copy(out[wire.FrameHeaderSize:], payload)

	_, err := conn.Write(out)
	return err
}

func (t *tcpTransport) LocalAddr() net.Addr { return t.ln.Addr() }

func (t *tcpTransport) Close() error {
	close(t.done)
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.mu.Unlock()
	return t.ln.Close()
}
