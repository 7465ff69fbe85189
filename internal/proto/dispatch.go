package proto

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xcplite/go-xcp/internal/cal"
	"github.com/xcplite/go-xcp/internal/daq"
	"github.com/xcplite/go-xcp/internal/wire"
)

// Response is the single reply a Dispatch call produces: PIDRes with a
// payload, or PIDErr with a one-byte error code (spec.md §4.D "Response
// policy").
type Response struct {
	PID     uint8
	Payload []byte
}

func ok(payload ...byte) Response {
	return Response{PID: wire.PIDRes, Payload: payload}
}

func fail(code wire.ErrorCode) Response {
	return Response{PID: wire.PIDErr, Payload: []byte{uint8(code)}}
}

// Registry is the minimal surface Dispatch needs from the descriptor
// registry (component G) to answer GET_ID(description): the registry
// package satisfies this interface structurally, without proto importing
// it, so the two components compose without a direct dependency.
type Registry interface {
	Filename() string
	Emit() []byte
}

// Queue is the minimal surface Dispatch needs from the packet queue to
// decide whether START_STOP_SYNCH(stop_all) has fully drained.
type Queue interface {
	Empty() bool
}

// identifier selectors for GET_ID (ASAM XCP GET_ID id values).
const (
	idASAMName        uint8 = 1
	idDescriptionFile uint8 = 2
)

// Dispatcher wraps a Session with its registry/queue collaborators and
// executes one command per Dispatch call.
type Dispatcher struct {
	sess *Session
	reg  Registry
	q    Queue

	bracketOpen bool
	bracketSeg  uint8
}

// NewDispatcher builds a Dispatcher over sess. reg and q may be nil; a nil
// Registry makes GET_ID(description) fail with CMD_SYNTAX, and a nil
// Queue makes START_STOP_SYNCH(stop_all) skip the drain wait.
func NewDispatcher(sess *Session, reg Registry, q Queue) *Dispatcher {
	return &Dispatcher{sess: sess, reg: reg, q: q}
}

// Dispatch executes one command and returns its single response. cmd[0]
// is always the command id; callers are responsible for framing (this
// method sees the command body only, not the transport envelope).
func (d *Dispatcher) Dispatch(cmd []byte) Response {
	if len(cmd) == 0 {
		return fail(wire.ErrCmdSyntax)
	}

	s := d.sess
	cid, body := cmd[0], cmd[1:]

	if cid == wire.CmdSynch {
		return fail(wire.ErrCmdSynch)
	}
	if cid == wire.CmdConnect {
		return d.connect()
	}

	if s.state == StateDisconnected {
		return fail(wire.ErrSequence)
	}

	switch cid {
	case wire.CmdDisconnect:
		return d.disconnect()
	case wire.CmdGetStatus:
		return d.getStatus()
	case wire.CmdGetID:
		return d.getID(body)
	case wire.CmdSetMTA:
		return d.setMTA(body)
	case wire.CmdUpload:
		return d.upload(body)
	case wire.CmdShortUpload:
		return d.shortUpload(body)
	case wire.CmdDownload:
		return d.download(body)
	case wire.CmdShortDownload:
		return d.shortDownload(body)
	case wire.CmdDownloadNext:
		return d.download(body)
	case wire.CmdBuildChecksum:
		return d.buildChecksum(body)
	case wire.CmdSetCalPage:
		return d.setCalPage(body)
	case wire.CmdGetCalPage:
		return d.getCalPage(body)
	case wire.CmdCopyCalPage:
		return d.copyCalPage(body)
	case wire.CmdModifyBegin:
		return d.modifyBegin(body)
	case wire.CmdModifyEnd:
		return d.modifyEnd()
	case wire.CmdFreeDAQ:
		return d.freeDAQ()
	case wire.CmdAllocDAQ:
		return d.allocDAQ(body)
	case wire.CmdAllocODT:
		return d.allocODT(body)
	case wire.CmdAllocODTEntry:
		return d.allocODTEntry(body)
	case wire.CmdSetDAQPtr:
		return d.setDAQPtr(body)
	case wire.CmdWriteDAQ:
		return d.writeDAQ(body)
	case wire.CmdWriteDAQMultiple:
		return d.writeDAQMultiple(body)
	case wire.CmdSetDAQListMode:
		return d.setDAQListMode(body)
	case wire.CmdStartStopDAQList:
		return d.startStopDAQList(body)
	case wire.CmdStartStopSynch:
		return d.startStopSynch(body)
	case wire.CmdGetDAQClock:
		return d.getDAQClock()
	default:
		return fail(wire.ErrCmdUnknown)
	}
}

// decodeAddress reads a 5-byte (extension, offset) pair, the layout this
// dispatcher uses consistently across every command that carries an
// address: buf[0] is the extension byte, buf[1:5] the little-endian
// offset.
func decodeAddress(buf []byte) (wire.Address, error) {
	if len(buf) < 5 {
		return wire.Address{}, wire.ErrInsufficientData
	}
	offset := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16 | uint32(buf[4])<<24
	return wire.Address{Extension: buf[0], Offset: offset}, nil
}

func (d *Dispatcher) connect() Response {
	s := d.sess
	if err := s.ext.OnConnect(); err != nil {
		return fail(wire.ErrResourceTemporaryNotAccessible)
	}
	s.state = StateConnected
	resource := ResourceCAL | ResourceDAQ | ResourcePGM
	commModeBasic := uint8(0x01) // bit 0: byte order, 1 = little-endian
	mtuLo := uint8(s.mtu)
	mtuHi := uint8(s.mtu >> 8)
	return ok(resource, commModeBasic, mtuLo, mtuHi, 0x01, 0x00)
}

func (d *Dispatcher) disconnect() Response {
	d.ForceDisconnect()
	return ok()
}

// ForceDisconnect drops the session straight to DISCONNECTED and clears
// every DAQ list, without producing a response. DISCONNECT uses this
// internally; the server façade also calls it directly when the transport
// reports connection loss (spec.md §4.C "connection loss transitions D to
// DISCONNECTED and clears DAQ lists"), which has no command byte of its
// own to dispatch.
func (d *Dispatcher) ForceDisconnect() {
	s := d.sess
	if d.bracketOpen {
		if seg, has := s.segment(d.bracketSeg); has {
			seg.Abort()
		}
		d.bracketOpen = false
	}
	s.tables.StopAll()
	_ = s.tables.Free() // StopAll above guarantees this never fails
	s.state = StateDisconnected
}

// Session status bits GET_STATUS reports (ASAM XCP STATUS byte, the subset
// spec.md §4.D "report session/cal/DAQ state" names).
const (
	statusConnected  uint8 = 1 << 0
	statusResumed    uint8 = 1 << 1
	statusDAQRunning uint8 = 1 << 2
	statusCalBracket uint8 = 1 << 3
	statusDAQOverrun uint8 = 1 << 6
)

func (d *Dispatcher) getStatus() Response {
	s := d.sess
	var statusByte uint8
	switch s.state {
	case StateConnected:
		statusByte |= statusConnected
	case StateResumed:
		statusByte |= statusConnected | statusResumed
	}
	if s.tables != nil && s.tables.AnyRunning() {
		statusByte |= statusDAQRunning
	}
	if d.bracketOpen {
		statusByte |= statusCalBracket
	}

	var loss uint32
	if s.tables != nil {
		loss = s.tables.TotalLoss()
	}
	if loss > 0 {
		statusByte |= statusDAQOverrun
	}
	// byte 1 mirrors CONNECT's resource mask (which resources are active);
	// bytes 2-3 carry the low 16 bits of the aggregate DAQ loss count from
	// Tables.TotalLoss, which reading here does not reset, satisfying "the per-list loss counter reported by
	// GET_STATUS matches" (spec.md §8 scenario 5).
	resource := ResourceCAL | ResourceDAQ | ResourcePGM
	return ok(statusByte, resource, uint8(loss), uint8(loss>>8))
}

func (d *Dispatcher) getID(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	switch body[0] {
	case idASAMName:
		name := []byte("go-xcp")
		return ok(append([]byte{uint8(len(name))}, name...)...)
	case idDescriptionFile:
		if d.reg == nil {
			return fail(wire.ErrCmdSyntax)
		}
		blob := d.reg.Emit()
		lenBytes := []byte{uint8(len(blob)), uint8(len(blob) >> 8), uint8(len(blob) >> 16), uint8(len(blob) >> 24)}
		return Response{PID: wire.PIDRes, Payload: append(lenBytes, 0x01)}
	default:
		return fail(wire.ErrOutOfRange)
	}
}

func (d *Dispatcher) setMTA(body []byte) Response {
	if len(body) < 7 {
		return fail(wire.ErrCmdSyntax)
	}
	addr, err := decodeAddress(body[2:7])
	if err != nil {
		return fail(wire.ErrCmdSyntax)
	}
	d.sess.mtaAddr = addr
	return ok()
}

func (d *Dispatcher) upload(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	return d.readMTA(int(body[0]))
}

func (d *Dispatcher) shortUpload(body []byte) Response {
	if len(body) < 7 {
		return fail(wire.ErrCmdSyntax)
	}
	size := int(body[0])
	addr, err := decodeAddress(body[2:7])
	if err != nil {
		return fail(wire.ErrCmdSyntax)
	}
	d.sess.mtaAddr = addr
	return d.readMTA(size)
}

func (d *Dispatcher) readMTA(size int) Response {
	s := d.sess
	seg, offset, has := s.resolveWrite(s.mtaAddr)
	if !has {
		return fail(wire.ErrOutOfRange)
	}
	if offset+size > seg.Size() {
		return fail(wire.ErrOutOfRange)
	}
	if err := s.ext.OnRead(s.mtaAddr.Offset, uint8(size)); err != nil {
		return fail(wire.ErrAccessDenied)
	}
	return Response{PID: wire.PIDRes, Payload: seg.ReadDirect(offset, size)}
}

func (d *Dispatcher) download(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	n := int(body[0])
	if len(body) < 2+n {
		return fail(wire.ErrCmdSyntax)
	}
	return d.writeMTA(body[2 : 2+n])
}

func (d *Dispatcher) shortDownload(body []byte) Response {
	if len(body) < 7 {
		return fail(wire.ErrCmdSyntax)
	}
	size := int(body[0])
	addr, err := decodeAddress(body[2:7])
	if err != nil {
		return fail(wire.ErrCmdSyntax)
	}
	d.sess.mtaAddr = addr
	data := body[7:]
	if len(data) < size {
		return fail(wire.ErrCmdSyntax)
	}
	return d.writeMTA(data[:size])
}

func (d *Dispatcher) writeMTA(data []byte) Response {
	s := d.sess
	seg, offset, has := s.resolveWrite(s.mtaAddr)
	if !has {
		return fail(wire.ErrOutOfRange)
	}
	if offset+len(data) > seg.Size() {
		return fail(wire.ErrOutOfRange)
	}
	if err := s.ext.OnWrite(s.mtaAddr.Offset, data); err != nil {
		return fail(wire.ErrAccessDenied)
	}

	if d.bracketOpen && d.bracketSeg == s.mtaAddr.SegSegmentIndex() {
		working := seg.PendingBytes()
		if working == nil {
			return fail(wire.ErrSequence)
		}
		copy(working[offset:], data)
	} else {
		seg.WriteDirect(offset, data)
	}

	s.mtaAddr.Offset += uint32(len(data))
	return ok()
}

func (d *Dispatcher) buildChecksum(body []byte) Response {
	if len(body) < 7 {
		return fail(wire.ErrCmdSyntax)
	}
	size := int(uint32(body[3]) | uint32(body[4])<<8 | uint32(body[5])<<16 | uint32(body[6])<<24)
	s := d.sess
	seg, offset, has := s.resolveWrite(s.mtaAddr)
	if !has || offset+size > seg.Size() {
		return fail(wire.ErrOutOfRange)
	}
	data := seg.ReadDirect(offset, size)
	var sum uint16
	for _, b := range data {
		sum = (sum + uint16(b)) & 0x3FFF // ADD_14: 14-bit wrapping add
	}
	return ok(0x09, 0x00, uint8(sum), uint8(sum>>8), 0x00, 0x00)
}

func calSelectorFromMode(mode byte) cal.PageSelector {
	if mode&0x01 != 0 {
		return cal.PageXCP
	}
	return cal.PageECU
}

func (d *Dispatcher) setCalPage(body []byte) Response {
	if len(body) < 3 {
		return fail(wire.ErrCmdSyntax)
	}
	segIdx, pageIdx := body[1], body[2]
	seg, has := d.sess.segment(segIdx)
	if !has {
		return fail(wire.ErrSegmentNotValid)
	}
	if err := d.sess.ext.OnSetCalPage(segIdx, pageIdx); err != nil {
		return fail(wire.ErrPageNotValid)
	}
	seg.SetCalPage(calSelectorFromMode(body[0]), uint32(pageIdx))
	return ok()
}

func (d *Dispatcher) getCalPage(body []byte) Response {
	if len(body) < 2 {
		return fail(wire.ErrCmdSyntax)
	}
	segIdx := body[1]
	seg, has := d.sess.segment(segIdx)
	if !has {
		return fail(wire.ErrSegmentNotValid)
	}
	// The segment itself is authoritative for the selector bytes GET_CAL_PAGE
	// returns; the hook is consulted so an embedder can audit or veto the
	// read (spec.md §9 "each hook returns a result the protocol layer
	// translates to RES/ERR"), mirroring SET_CAL_PAGE's OnSetCalPage call.
	if _, err := d.sess.ext.OnGetCalPage(segIdx); err != nil {
		return fail(wire.ErrPageNotValid)
	}
	return ok(uint8(seg.GetCalPage(calSelectorFromMode(body[0]))))
}

// copyCalPage implements COPY_CAL_PAGE(srcSeg, srcPage, dstSeg, dstPage):
// spec.md §4.D "overwrite destination page with source bytes ... bumps
// version if dst == ecu_page".
func (d *Dispatcher) copyCalPage(body []byte) Response {
	if len(body) < 4 {
		return fail(wire.ErrCmdSyntax)
	}
	srcSeg, has := d.sess.segment(body[0])
	if !has {
		return fail(wire.ErrSegmentNotValid)
	}
	dstSeg, has2 := d.sess.segment(body[2])
	if !has2 {
		return fail(wire.ErrSegmentNotValid)
	}
	if err := srcSeg.CopyPageInto(uint32(body[1]), dstSeg, uint32(body[3])); err != nil {
		return fail(wire.ErrPageNotValid)
	}
	return ok()
}

func (d *Dispatcher) modifyBegin(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	if d.bracketOpen {
		return fail(wire.ErrSequence)
	}
	segIdx := body[0]
	seg, has := d.sess.segment(segIdx)
	if !has {
		return fail(wire.ErrSegmentNotValid)
	}
	seg.Begin()
	d.bracketOpen = true
	d.bracketSeg = segIdx
	return ok()
}

func (d *Dispatcher) modifyEnd() Response {
	if !d.bracketOpen {
		return fail(wire.ErrSequence)
	}
	seg, _ := d.sess.segment(d.bracketSeg)
	seg.Commit()
	d.bracketOpen = false
	return ok()
}

// Freeze persists segment segIdx's current XCP-role page to store under
// name, the "save(name) writes the current working page to a named
// artifact" persistence hook spec.md §4.E describes. There is no dedicated
// wire command for this in spec.md's command table — persistence is named
// as its own API surface ("save(name) -> ok|io_error", spec.md §4.E) — so
// this is exposed as a direct Dispatcher method for an embedder (the
// server façade, a CLI, a signal handler) to call, the same way Trigger
// is a direct method rather than a wire command.
func (d *Dispatcher) Freeze(segIdx uint8, store cal.Store, name string) error {
	seg, has := d.sess.segment(segIdx)
	if !has {
		return errSegmentNotValid
	}
	if err := d.sess.ext.OnFreeze(segIdx); err != nil {
		return err
	}
	return seg.Save(store, name, d.sess.epk)
}

// InitCal restores segment segIdx's XCP-role page from a previously frozen
// artifact, the "load(name) atomically replaces the working page... iff
// the artifact's signature matches" half of spec.md §4.E's persistence
// hooks.
func (d *Dispatcher) InitCal(segIdx uint8, store cal.Store, name string) error {
	seg, has := d.sess.segment(segIdx)
	if !has {
		return errSegmentNotValid
	}
	if err := d.sess.ext.OnInitCal(segIdx); err != nil {
		return err
	}
	return seg.Load(store, name, d.sess.epk)
}

func (d *Dispatcher) freeDAQ() Response {
	if err := d.sess.tables.Free(); err != nil {
		return fail(wire.ErrDAQActive)
	}
	// FREE_DAQ is always the first step of a fresh ALLOC_DAQ/ALLOC_ODT/
	// ALLOC_ODT_ENTRY configuration sequence, so this is where the
	// extension is told a new DAQ configuration is about to be built
	// (spec.md §9 "on_prepare_daq").
	if err := d.sess.ext.OnPrepareDAQ(); err != nil {
		return fail(wire.ErrResourceTemporaryNotAccessible)
	}
	return ok()
}

func (d *Dispatcher) allocDAQ(body []byte) Response {
	if len(body) < 2 {
		return fail(wire.ErrCmdSyntax)
	}
	count := uint16(body[0]) | uint16(body[1])<<8
	if _, err := d.sess.tables.AllocDAQ(count); err != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

func (d *Dispatcher) allocODT(body []byte) Response {
	if len(body) < 3 {
		return fail(wire.ErrCmdSyntax)
	}
	daqList := uint16(body[0]) | uint16(body[1])<<8
	if err := d.sess.tables.AllocODT(daqList, body[2]); err != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

func (d *Dispatcher) allocODTEntry(body []byte) Response {
	if len(body) < 4 {
		return fail(wire.ErrCmdSyntax)
	}
	daqList := uint16(body[0]) | uint16(body[1])<<8
	if err := d.sess.tables.AllocODTEntry(daqList, body[2], body[3]); err != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

func (d *Dispatcher) setDAQPtr(body []byte) Response {
	if len(body) < 5 {
		return fail(wire.ErrCmdSyntax)
	}
	daqList := uint16(body[1]) | uint16(body[2])<<8
	if err := d.sess.tables.SetDAQPtr(daqList, body[3], body[4]); err != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

func (d *Dispatcher) writeDAQ(body []byte) Response {
	if len(body) < 6 {
		return fail(wire.ErrCmdSyntax)
	}
	size := body[0]
	addr, err := decodeAddress(body[1:6])
	if err != nil {
		return fail(wire.ErrCmdSyntax)
	}
	if werr := d.sess.tables.WriteDAQ(size, addr); werr != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

func (d *Dispatcher) writeDAQMultiple(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	n := int(body[0])
	const entryWidth = 6 // size(1) + ext(1) + offset(4)
	for i := 0; i < n; i++ {
		off := 1 + i*entryWidth
		if off+entryWidth > len(body) {
			return fail(wire.ErrCmdSyntax)
		}
		if resp := d.writeDAQ(body[off : off+entryWidth]); resp.PID != wire.PIDRes {
			return resp
		}
	}
	return ok()
}

func daqListModeFromByte(b byte) daq.ListMode { return daq.ListMode(b) }

func (d *Dispatcher) setDAQListMode(body []byte) Response {
	if len(body) < 6 {
		return fail(wire.ErrCmdSyntax)
	}
	daqList := uint16(body[1]) | uint16(body[2])<<8
	eventID := uint16(body[3]) | uint16(body[4])<<8
	if err := d.sess.tables.SetDAQListMode(daqList, daqListModeFromByte(body[0]), eventID); err != nil {
		return fail(wire.ErrOutOfRange)
	}
	return ok()
}

// START_STOP_DAQ_LIST mode values (ASAM XCP part 2 "DAQ control"): STOP and
// START take effect immediately; SELECT only queues the list, and it stays
// SELECTED until START_STOP_SYNCH(start_all) promotes every selected list
// to RUNNING together.
const (
	daqListModeStop   = 0
	daqListModeStart  = 1
	daqListModeSelect = 2
)

func (d *Dispatcher) startStopDAQList(body []byte) Response {
	if len(body) < 3 {
		return fail(wire.ErrCmdSyntax)
	}
	daqList := uint16(body[1]) | uint16(body[2])<<8
	switch body[0] {
	case daqListModeSelect:
		if err := d.sess.tables.SelectDAQList(daqList); err != nil {
			return fail(wire.ErrOutOfRange)
		}
	case daqListModeStart:
		if err := d.sess.tables.StartStopDAQList(daqList, true); err != nil {
			return fail(wire.ErrOutOfRange)
		}
	case daqListModeStop:
		if err := d.sess.tables.StartStopDAQList(daqList, false); err != nil {
			return fail(wire.ErrOutOfRange)
		}
	default:
		return fail(wire.ErrOutOfRange)
	}
	return ok(uint8(daqList), uint8(daqList>>8))
}

func (d *Dispatcher) startStopSynch(body []byte) Response {
	if len(body) < 1 {
		return fail(wire.ErrCmdSyntax)
	}
	const (
		modeStopAll  = 0
		modeStartAll = 1
	)
	switch body[0] {
	case modeStartAll:
		// Every list SELECT_DAQ_LIST has queued starts together here, one
		// clock-relative epoch for the whole group, before the extension
		// hook runs (spec.md §4.D "transitions all SELECTED lists to
		// RUNNING atomically").
		d.sess.tables.StartAllSelected()
		if err := d.sess.ext.OnStartDAQ(); err != nil {
			return fail(wire.ErrResourceTemporaryNotAccessible)
		}
		return ok()
	case modeStopAll:
		d.sess.tables.StopAll()
		_ = d.sess.ext.OnStopDAQ()
		d.drainBounded()
		_ = d.sess.ext.OnFlush()
		return ok()
	default:
		return fail(wire.ErrOutOfRange)
	}
}

var errNotDrained = errors.New("proto: queue not yet drained")

var errSegmentNotValid = errors.New("proto: calibration segment index out of range")

// drainBounded waits for the queue to empty using a bounded exponential
// backoff (spec.md §4.D "bounded number of drain cycles"). On exhaustion
// the command still succeeds; drainBounded records nothing, so a later
// GET_STATUS does not report the packets left in the queue.
func (d *Dispatcher) drainBounded() {
	if d.q == nil {
		return
	}
	op := func() (struct{}, error) {
		if d.q.Empty() {
			return struct{}{}, nil
		}
		return struct{}{}, errNotDrained
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	_, _ = backoff.Retry(context.Background(), op, backoff.WithBackOff(b), backoff.WithMaxTries(50))
}

// getDAQClock answers GET_DAQ_CLOCK with the session's current tick widened
// to 64 bits (spec.md §9: "the master's 64-bit reconstruction is
// out-of-scope" for the DAQ stream itself, but this command still reports a
// live value on demand rather than a placeholder).
func (d *Dispatcher) getDAQClock() Response {
	tick := uint64(d.sess.clock.Tick32())
	return ok(
		byte(tick), byte(tick>>8), byte(tick>>16), byte(tick>>24),
		byte(tick>>32), byte(tick>>40), byte(tick>>48), byte(tick>>56),
	)
}
