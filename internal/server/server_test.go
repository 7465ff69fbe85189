package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/transport"
	"github.com/xcplite/go-xcp/internal/wire"
)

// frameCmd prepends the FrameHeader UDP transport now requires on every
// payload (spec.md §6), the same way a real XCP master would frame a
// command before sending it.
func frameCmd(t *testing.T, payload []byte) []byte {
	t.Helper()
	out := make([]byte, wire.FrameHeaderSize+len(payload))
	wire.MarshalFrameHeader(out[:wire.FrameHeaderSize], wire.FrameHeader{Length: uint16(len(payload))})
	copy(out[wire.FrameHeaderSize:], payload)
	return out
}

// unframeResp strips the FrameHeader a server reply now carries and
// returns the bare command response bytes.
func unframeResp(t *testing.T, buf []byte) []byte {
	t.Helper()
	hdr, err := wire.UnmarshalFrameHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalFrameHeader: %v", err)
	}
	end := wire.FrameHeaderSize + int(hdr.Length)
	if end > len(buf) {
		t.Fatalf("framed response truncated: header says %d bytes, got %d", hdr.Length, len(buf)-wire.FrameHeaderSize)
	}
	return buf[wire.FrameHeaderSize:end]
}

func newTestServer(t *testing.T) (*Server, *net.UDPConn) {
	t.Helper()

	segment := cal.NewSegment("params", 32)
	tables := daq.NewTables()
	if _, err := tables.AllocDAQ(1); err != nil {
		t.Fatalf("AllocDAQ: %v", err)
	}
	if err := tables.AllocODT(0, 1); err != nil {
		t.Fatalf("AllocODT: %v", err)
	}
	if err := tables.AllocODTEntry(0, 0, 1); err != nil {
		t.Fatalf("AllocODTEntry: %v", err)
	}
	if err := tables.SetDAQPtr(0, 0, 0); err != nil {
		t.Fatalf("SetDAQPtr: %v", err)
	}
	if err := tables.WriteDAQ(4, wire.NewSegAddress(0, 0)); err != nil {
		t.Fatalf("WriteDAQ: %v", err)
	}
	if err := tables.SetDAQListMode(0, daq.ListMode(0), 0); err != nil {
		t.Fatalf("SetDAQListMode: %v", err)
	}
	if err := tables.StartStopDAQList(0, true); err != nil {
		t.Fatalf("StartStopDAQList: %v", err)
	}

	resolver := &daq.SegmentResolver{Segments: []*cal.Segment{segment}}

	srv, err := New(transport.Config{Kind: transport.KindUDP, Addr: "127.0.0.1:0"}, Deps{
		Segments: []*cal.Segment{segment},
		Tables:   tables,
		Resolver: resolver,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client, err := net.DialUDP("udp", nil, srv.t.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestServerConnectRoundTrip(t *testing.T) {
	srv, client := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := srv.Start(ctx)
	defer func() {
		srv.Stop()
		_ = g.Wait()
	}()

	if _, err := client.Write(frameCmd(t, []byte{wire.CmdConnect, 0})); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	resp := unframeResp(t, buf[:n])
	if len(resp) == 0 || resp[0] != wire.PIDRes {
		t.Fatalf("expected PIDRes, got %v", resp)
	}
}

func TestServerTriggerDeliversDAQSample(t *testing.T) {
	srv, client := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := srv.Start(ctx)
	defer func() {
		srv.Stop()
		_ = g.Wait()
	}()

	if _, err := client.Write(frameCmd(t, []byte{wire.CmdConnect, 0})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("Read (connect response): %v", err)
	}

	srv.Trigger(0, NewTriggerBase(0))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read (DAQ sample): %v", err)
	}
	sample := unframeResp(t, buf[:n])
	if len(sample) < wire.ODTHeaderSize {
		t.Fatalf("expected at least an ODT header, got %d bytes", len(sample))
	}
}
