//go:build giouring

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/xcplite/go-xcp/internal/constants"
	"github.com/xcplite/go-xcp/internal/wire"
)

const uringQueueDepth = 256

// accelUDPTransport receives UDP datagrams through a single io_uring
// instance, set up once the way the teacher's real uring.Ring is for
// ublk's control/I/O command path. Each Recv submits one SQE and waits for
// it, so every received datagram costs one io_uring_enter; sends use the
// plain socket.
type accelUDPTransport struct {
	conn *net.UDPConn
	fd   int

	mu   sync.Mutex
	ring *giouring.Ring

	bufs [][]byte

	counter uint16
	pending []Frame
}

func newAccelerated(cfg Config) (Transport, error) {
	if cfg.Kind != KindUDP {
		return nil, fmt.Errorf("giouring path only implemented for UDP")
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var fd int
	ctrlErr := rawConn.Control(func(s uintptr) { fd = int(s) })
	if ctrlErr != nil {
		conn.Close()
		return nil, ctrlErr
	}

	ring, err := giouring.CreateRing(uringQueueDepth)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("io_uring setup: %w", err)
	}

	t := &accelUDPTransport{conn: conn, fd: fd, ring: ring}
	for i := 0; i < uringQueueDepth; i++ {
		t.bufs = append(t.bufs, make([]byte, constants.DefaultSegmentSize))
	}
	return t, nil
}

// Recv prepares one recv SQE for a single buffer, submits it and waits for
// its completion. Extra frames packed into the received datagram are
// queued and returned by later calls without a submission.
func (t *accelUDPTransport) Recv(ctx context.Context) (Frame, error) {
	t.mu.Lock()
	if len(t.pending) > 0 {
		f := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		return f, nil
	}

	sqe, err := t.ring.GetSQE()
	if err != nil {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("submission queue full: %w", err)
	}
	buf := t.bufs[0]
	sqe.PrepareRecv(t.fd, uintptr(bufAddr(buf)), uint32(len(buf)), 0)
	sqe.UserData = 1

	if _, err := t.ring.SubmitAndWait(1); err != nil {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("io_uring submit: %w", err)
	}

	cqe, err := t.ring.WaitCQE()
	if err != nil {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("io_uring wait cqe: %w", err)
	}
	if cqe.Res < 0 {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("recv failed: errno %d", -cqe.Res)
	}

	n := int(cqe.Res)
	raw := make([]byte, n)
	copy(raw, buf[:n])
	t.ring.CQESeen(cqe)

	// io_uring's plain PrepareRecv doesn't carry the source address back
	// (that needs PrepareRecvMsg); the session is pinned to the connected
	// master by internal/server's first-source-wins check, so the local
	// addr placeholder is never actually used to route a reply.
	peer := Peer{Addr: t.conn.LocalAddr()}
	frames := unpackFrames(raw, peer)
	if len(frames) == 0 {
		t.mu.Unlock()
		return Frame{}, fmt.Errorf("accelerated recv: %w", wire.ErrInsufficientData)
	}
	t.pending = append(t.pending, frames[1:]...)
	t.mu.Unlock()
	return frames[0], nil
}

// Send frames payload with a FrameHeader and writes it through SendBatch,
// which uses the socket's plain WriteToUDP; sends do not go through the
// io_uring instance. SendBatch packs multiple payloads per datagram the
// same way the portable udpTransport does.
func (t *accelUDPTransport) Send(ctx context.Context, peer Peer, payload []byte) error {
	return t.SendBatch(ctx, peer, [][]byte{payload})
}

func (t *accelUDPTransport) SendBatch(ctx context.Context, peer Peer, payloads [][]byte) error {
	udpAddr, ok := peer.Addr.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", peer.Addr.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}

	t.mu.Lock()
	datagrams := packFrames(payloads, constants.DefaultSegmentSize, func() uint16 {
		t.counter++
		return t.counter
	})
	t.mu.Unlock()

	for _, dg := range datagrams {
		if _, err := t.conn.WriteToUDP(dg, udpAddr); err != nil {
			return err
		}
	}
	return nil
}

func (t *accelUDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *accelUDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ring != nil {
		t.ring.QueueExit()
	}
	return t.conn.Close()
}

func bufAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
