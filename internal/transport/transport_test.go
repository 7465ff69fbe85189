package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xcplite/go-xcp/internal/wire"
)

func TestUDPTransportRoundTrip(t *testing.T) {
	server, err := New(Config{Kind: KindUDP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	client, err := New(Config{Kind: KindUDP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Send(ctx, Peer{Addr: server.LocalAddr()}, []byte{0xFF}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(frame.Payload) != 1 || frame.Payload[0] != 0xFF {
		t.Fatalf("got payload %v", frame.Payload)
	}
}

// TestUDPTransportAppliesFrameHeader asserts the same length+counter
// framing spec.md §6 mandates is actually on the wire for UDP, the same
// way TestTCPTransportRoundTrip's use of encodeFrame asserts it for TCP:
// a raw socket dials in and hand-encodes a FrameHeader-prefixed command,
// bypassing Transport.Send entirely.
func TestUDPTransportAppliesFrameHeader(t *testing.T) {
	server, err := New(Config{Kind: KindUDP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	raw, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer raw.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("resolve server addr: %v", err)
	}

	if _, err := raw.WriteToUDP(encodeFrame(t, []byte{1, 2, 3}), serverAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(frame.Payload) != 3 || frame.Payload[0] != 1 {
		t.Fatalf("got payload %v, want a bare {1,2,3} command stripped of its FrameHeader", frame.Payload)
	}

	// The server's own reply must be framed the same way: a raw listener
	// reading it back must see a FrameHeader, not a bare payload.
	if err := server.Send(ctx, frame.Peer, []byte{0xAA}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 64)
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := raw.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	hdr, err := wire.UnmarshalFrameHeader(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalFrameHeader: %v", err)
	}
	if hdr.Length != 1 || buf[wire.FrameHeaderSize] != 0xAA {
		t.Fatalf("got framed reply %v, want length=1 payload=0xAA", buf[:n])
	}
}

// TestUDPTransportPacksMultiplePayloadsPerDatagram exercises SendBatch's
// "packs them greedily" behavior (spec.md §4.C) and Recv's ability to
// split more than one framed payload back out of a single datagram.
func TestUDPTransportPacksMultiplePayloadsPerDatagram(t *testing.T) {
	server, err := New(Config{Kind: KindUDP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	client, err := New(Config{Kind: KindUDP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	defer client.Close()

	batcher, ok := client.(Batcher)
	if !ok {
		t.Fatalf("udpTransport must implement Batcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payloads := [][]byte{{0x01, 0x02}, {0x03, 0x04, 0x05}, {0x06}}
	if err := batcher.SendBatch(ctx, Peer{Addr: server.LocalAddr()}, payloads); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	for i, want := range payloads {
		frame, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if string(frame.Payload) != string(want) {
			t.Fatalf("Recv %d = %v, want %v", i, frame.Payload, want)
		}
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	server, err := New(Config{Kind: KindTCP, Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	defer server.Close()

	clientConn, err := dialTCP(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write(encodeFrame(t, []byte{1, 2, 3})); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(frame.Payload) != 3 {
		t.Fatalf("got payload %v", frame.Payload)
	}

	if err := server.Send(ctx, frame.Peer, []byte{0xAA}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
