package transport

import (
	"context"
	"net"
	"sync"

	"github.com/xcplite/go-xcp/internal/constants"
	"github.com/xcplite/go-xcp/internal/wire"
)

// udpTransport is the portable, always-available UDP path. Every payload
// sent or received carries the wire.FrameHeader (length, counter) framing
// spec.md §6 mandates for both UDP and TCP; a single datagram may carry
// more than one framed payload up to the negotiated segment size, so Recv
// queues any extra frames a single ReadFromUDP turns up and drains that
// queue before touching the socket again.
type udpTransport struct {
	conn *net.UDPConn

	sendMu  sync.Mutex
	counter uint16

	recvMu  sync.Mutex
	pending []Frame
}

func newUDPTransport(cfg Config) (Transport, error) {
	pc, err := reuseAddrListenConfig().ListenPacket(context.Background(), "udp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: pc.(*net.UDPConn)}, nil
}

func (t *udpTransport) Recv(ctx context.Context) (Frame, error) {
	t.recvMu.Lock()
	if len(t.pending) > 0 {
		f := t.pending[0]
		t.pending = t.pending[1:]
		t.recvMu.Unlock()
		return f, nil
	}
	t.recvMu.Unlock()

	buf := make([]byte, constants.DefaultSegmentSize)
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return Frame{}, err
	}

	frames := unpackFrames(buf[:n], Peer{Addr: addr})
	if len(frames) == 0 {
		return Frame{}, wire.ErrInsufficientData
	}

	t.recvMu.Lock()
	t.pending = append(t.pending, frames[1:]...)
	t.recvMu.Unlock()
	return frames[0], nil
}

// Send frames payload and writes it as a single datagram. Use SendBatch to
// pack several payloads into fewer datagrams.
func (t *udpTransport) Send(ctx context.Context, peer Peer, payload []byte) error {
	return t.SendBatch(ctx, peer, [][]byte{payload})
}

// SendBatch implements Batcher: it frames every payload and packs them
// greedily into datagrams no larger than the default segment size
// (spec.md §4.C).
func (t *udpTransport) SendBatch(ctx context.Context, peer Peer, payloads [][]byte) error {
	udpAddr, err := t.resolvePeer(peer)
	if err != nil {
		return err
	}

	datagrams := packFrames(payloads, constants.DefaultSegmentSize, t.nextCounter)
	for _, dg := range datagrams {
		if _, err := t.conn.WriteToUDP(dg, udpAddr); err != nil {
			return err
		}
	}
	return nil
}

func (t *udpTransport) nextCounter() uint16 {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.counter++
	return t.counter
}

func (t *udpTransport) resolvePeer(peer Peer) (*net.UDPAddr, error) {
	if udpAddr, ok := peer.Addr.(*net.UDPAddr); ok {
		return udpAddr, nil
	}
	return net.ResolveUDPAddr("udp", peer.Addr.String())
}

func (t *udpTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *udpTransport) Close() error { return t.conn.Close() }
