package proto

import (
	"testing"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/wire"
)

func newTestDispatcher() *Dispatcher {
	seg := cal.NewSegment("seg0", 64)
	sess := NewSession(Deps{
		Segments: []*cal.Segment{seg},
		Tables:   daq.NewTables(),
		MTU:      1500,
	})
	return NewDispatcher(sess, nil, nil)
}

func connect(t *testing.T, d *Dispatcher) {
	t.Helper()
	resp := d.Dispatch([]byte{wire.CmdConnect, 0x00})
	if resp.PID != wire.PIDRes {
		t.Fatalf("CONNECT failed: %+v", resp)
	}
}

func TestConnectDisconnect(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)
	if d.sess.State() != StateConnected {
		t.Fatalf("state = %v, want StateConnected", d.sess.State())
	}

	resp := d.Dispatch([]byte{wire.CmdDisconnect})
	if resp.PID != wire.PIDRes {
		t.Fatalf("DISCONNECT failed: %+v", resp)
	}
	if d.sess.State() != StateDisconnected {
		t.Fatalf("state = %v, want StateDisconnected", d.sess.State())
	}
}

func TestCommandsRejectedBeforeConnect(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch([]byte{wire.CmdGetStatus})
	if resp.PID != wire.PIDErr || wire.ErrorCode(resp.Payload[0]) != wire.ErrSequence {
		t.Fatalf("expected ErrSequence before CONNECT, got %+v", resp)
	}
}

func shortDownloadCmd(size byte, addr wire.Address, data []byte) []byte {
	cmd := []byte{wire.CmdShortDownload, size, 0x00, addr.Extension,
		byte(addr.Offset), byte(addr.Offset >> 8), byte(addr.Offset >> 16), byte(addr.Offset >> 24)}
	return append(cmd, data...)
}

func TestShortDownloadThenShortUpload(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	addr := wire.NewSegAddress(0, 0)
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	resp := d.Dispatch(shortDownloadCmd(byte(len(data)), addr, data))
	if resp.PID != wire.PIDRes {
		t.Fatalf("SHORT_DOWNLOAD failed: %+v", resp)
	}

	upCmd := []byte{wire.CmdShortUpload, byte(len(data)), 0x00, addr.Extension,
		byte(addr.Offset), byte(addr.Offset >> 8), byte(addr.Offset >> 16), byte(addr.Offset >> 24)}
	upResp := d.Dispatch(upCmd)
	if upResp.PID != wire.PIDRes {
		t.Fatalf("SHORT_UPLOAD failed: %+v", upResp)
	}
	for i := range data {
		if upResp.Payload[i] != data[i] {
			t.Fatalf("SHORT_UPLOAD payload = %v, want %v", upResp.Payload, data)
		}
	}
}

func TestModifyBeginEndBracket(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	resp := d.Dispatch([]byte{wire.CmdModifyBegin, 0x00})
	if resp.PID != wire.PIDRes {
		t.Fatalf("MODIFY_BEGIN failed: %+v", resp)
	}
	if !d.bracketOpen {
		t.Fatalf("expected bracket open")
	}

	// A second MODIFY_BEGIN before MODIFY_END must fail sequence.
	resp2 := d.Dispatch([]byte{wire.CmdModifyBegin, 0x00})
	if resp2.PID != wire.PIDErr || wire.ErrorCode(resp2.Payload[0]) != wire.ErrSequence {
		t.Fatalf("expected ErrSequence on nested MODIFY_BEGIN, got %+v", resp2)
	}

	resp3 := d.Dispatch([]byte{wire.CmdModifyEnd})
	if resp3.PID != wire.PIDRes {
		t.Fatalf("MODIFY_END failed: %+v", resp3)
	}
	if d.bracketOpen {
		t.Fatalf("expected bracket closed after MODIFY_END")
	}

	// MODIFY_END with no open bracket must fail sequence.
	resp4 := d.Dispatch([]byte{wire.CmdModifyEnd})
	if resp4.PID != wire.PIDErr || wire.ErrorCode(resp4.Payload[0]) != wire.ErrSequence {
		t.Fatalf("expected ErrSequence on unmatched MODIFY_END, got %+v", resp4)
	}
}

// TestDisconnectAbortsOpenBracket guards against a MODIFY_BEGIN left open
// across a DISCONNECT permanently locking the segment's commit mutex: a
// reconnect that issues SHORT_DOWNLOAD on the same segment must not hang.
func TestDisconnectAbortsOpenBracket(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	if resp := d.Dispatch([]byte{wire.CmdModifyBegin, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("MODIFY_BEGIN failed: %+v", resp)
	}

	if resp := d.Dispatch([]byte{wire.CmdDisconnect}); resp.PID != wire.PIDRes {
		t.Fatalf("DISCONNECT failed: %+v", resp)
	}
	if d.bracketOpen {
		t.Fatalf("expected bracket closed after DISCONNECT")
	}

	connect(t, d)
	addr := wire.NewSegAddress(0, 0)
	cmd := shortDownloadCmd(4, addr, []byte{0x01, 0x02, 0x03, 0x04})
	if resp := d.Dispatch(cmd); resp.PID != wire.PIDRes {
		t.Fatalf("SHORT_DOWNLOAD after reconnect failed/deadlocked: %+v", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)
	resp := d.Dispatch([]byte{0x01})
	if resp.PID != wire.PIDErr || wire.ErrorCode(resp.Payload[0]) != wire.ErrCmdUnknown {
		t.Fatalf("expected ErrCmdUnknown, got %+v", resp)
	}
}

func TestDAQAllocationFlow(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	if resp := d.Dispatch([]byte{wire.CmdAllocDAQ, 0x01, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("ALLOC_DAQ failed: %+v", resp)
	}
	if resp := d.Dispatch([]byte{wire.CmdAllocODT, 0x00, 0x00, 0x01}); resp.PID != wire.PIDRes {
		t.Fatalf("ALLOC_ODT failed: %+v", resp)
	}
	if resp := d.Dispatch([]byte{wire.CmdAllocODTEntry, 0x00, 0x00, 0x00, 0x01}); resp.PID != wire.PIDRes {
		t.Fatalf("ALLOC_ODT_ENTRY failed: %+v", resp)
	}
	if resp := d.Dispatch([]byte{wire.CmdSetDAQPtr, 0x00, 0x00, 0x00, 0x00, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("SET_DAQ_PTR failed: %+v", resp)
	}
	addr := wire.NewSegAddress(0, 0)
	writeDAQCmd := []byte{wire.CmdWriteDAQ, 0x04, addr.Extension,
		byte(addr.Offset), byte(addr.Offset >> 8), byte(addr.Offset >> 16), byte(addr.Offset >> 24)}
	if resp := d.Dispatch(writeDAQCmd); resp.PID != wire.PIDRes {
		t.Fatalf("WRITE_DAQ failed: %+v", resp)
	}
	if resp := d.Dispatch([]byte{wire.CmdSetDAQListMode, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("SET_DAQ_LIST_MODE failed: %+v", resp)
	}
	if resp := d.Dispatch([]byte{wire.CmdStartStopDAQList, 0x01, 0x00, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("START_STOP_DAQ_LIST failed: %+v", resp)
	}
}

func TestConnectResourceMaskHasCalDaqPgm(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch([]byte{wire.CmdConnect, 0x00})
	if resp.PID != wire.PIDRes {
		t.Fatalf("CONNECT failed: %+v", resp)
	}
	want := ResourceCAL | ResourceDAQ | ResourcePGM
	if resp.Payload[0] != want {
		t.Fatalf("resource mask = %#x, want %#x (CAL|DAQ|PGM)", resp.Payload[0], want)
	}
}

func TestStartStopDAQListSelectThenSynchStartsAll(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	if resp := d.Dispatch([]byte{wire.CmdAllocDAQ, 0x02, 0x00}); resp.PID != wire.PIDRes {
		t.Fatalf("ALLOC_DAQ failed: %+v", resp)
	}
	for _, list := range []byte{0x00, 0x01} {
		if resp := d.Dispatch([]byte{wire.CmdAllocODT, list, 0x00, 0x01}); resp.PID != wire.PIDRes {
			t.Fatalf("ALLOC_ODT(%d) failed: %+v", list, resp)
		}
		if resp := d.Dispatch([]byte{wire.CmdSetDAQListMode, 0x00, list, 0x00, 0x05, 0x00, 0x00}); resp.PID != wire.PIDRes {
			t.Fatalf("SET_DAQ_LIST_MODE(%d) failed: %+v", list, resp)
		}
		// mode=2 (select): queue each list for a synchronized start rather
		// than starting it immediately.
		if resp := d.Dispatch([]byte{wire.CmdStartStopDAQList, 0x02, list, 0x00}); resp.PID != wire.PIDRes {
			t.Fatalf("START_STOP_DAQ_LIST(select, %d) failed: %+v", list, resp)
		}
	}

	if d.sess.tables.AnyRunning() {
		t.Fatalf("lists must not be RUNNING before START_STOP_SYNCH(start_all)")
	}

	if resp := d.Dispatch([]byte{wire.CmdStartStopSynch, 0x01}); resp.PID != wire.PIDRes {
		t.Fatalf("START_STOP_SYNCH(start_all) failed: %+v", resp)
	}
	if !d.sess.tables.AnyRunning() {
		t.Fatalf("expected both selected lists RUNNING after start_all")
	}
	if got := d.sess.tables.ListsForEvent(5); len(got) != 2 {
		t.Fatalf("ListsForEvent(5) after start_all = %v, want both lists", got)
	}
}

func TestGetStatusReportsDAQRunningAndLoss(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	resp := d.Dispatch([]byte{wire.CmdGetStatus})
	if resp.PID != wire.PIDRes {
		t.Fatalf("GET_STATUS failed: %+v", resp)
	}
	if resp.Payload[0]&statusConnected == 0 {
		t.Fatalf("status byte = %#x, want statusConnected set", resp.Payload[0])
	}
	if resp.Payload[0]&statusDAQRunning != 0 {
		t.Fatalf("status byte = %#x, want statusDAQRunning clear before any list starts", resp.Payload[0])
	}

	first, err := d.sess.tables.AllocDAQ(1)
	if err != nil {
		t.Fatalf("AllocDAQ: %v", err)
	}
	if err := d.sess.tables.StartStopDAQList(first, true); err != nil {
		t.Fatalf("StartStopDAQList: %v", err)
	}
	d.sess.tables.RecordLoss(first)
	d.sess.tables.RecordLoss(first)

	resp = d.Dispatch([]byte{wire.CmdGetStatus})
	if resp.PID != wire.PIDRes {
		t.Fatalf("GET_STATUS failed: %+v", resp)
	}
	if resp.Payload[0]&statusDAQRunning == 0 {
		t.Fatalf("status byte = %#x, want statusDAQRunning set", resp.Payload[0])
	}
	if resp.Payload[0]&statusDAQOverrun == 0 {
		t.Fatalf("status byte = %#x, want statusDAQOverrun set", resp.Payload[0])
	}
	loss := uint16(resp.Payload[2]) | uint16(resp.Payload[3])<<8
	if loss != 2 {
		t.Fatalf("reported loss = %d, want 2", loss)
	}
}

func TestStartStopSynchStopAllDrains(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)
	resp := d.Dispatch([]byte{wire.CmdStartStopSynch, 0x00})
	if resp.PID != wire.PIDRes {
		t.Fatalf("START_STOP_SYNCH(stop_all) failed: %+v", resp)
	}
}

func TestBuildChecksumADD14(t *testing.T) {
	d := newTestDispatcher()
	connect(t, d)

	addr := wire.NewSegAddress(0, 0)
	data := []byte{0x01, 0x02, 0x03, 0x04}
	d.Dispatch(shortDownloadCmd(byte(len(data)), addr, data))

	setMTACmd := []byte{wire.CmdSetMTA, 0x00, 0x00, addr.Extension,
		byte(addr.Offset), byte(addr.Offset >> 8), byte(addr.Offset >> 16), byte(addr.Offset >> 24)}
	if resp := d.Dispatch(setMTACmd); resp.PID != wire.PIDRes {
		t.Fatalf("SET_MTA failed: %+v", resp)
	}

	checksumCmd := []byte{wire.CmdBuildChecksum, 0x00, 0x00, 0x00, byte(len(data)), 0x00, 0x00, 0x00}
	resp := d.Dispatch(checksumCmd)
	if resp.PID != wire.PIDRes {
		t.Fatalf("BUILD_CHECKSUM failed: %+v", resp)
	}
	want := uint16(0)
	for _, b := range data {
		want = (want + uint16(b)) & 0x3FFF
	}
	got := uint16(resp.Payload[2]) | uint16(resp.Payload[3])<<8
	if got != want {
		t.Fatalf("checksum = %#x, want %#x", got, want)
	}
}
