// Package daq implements DAQ list allocation and event-triggered sampling
// (spec.md §4.F): DAQ lists made of ODTs made of entries, allocated by
// ALLOC_DAQ/ALLOC_ODT/ALLOC_ODT_ENTRY/SET_DAQ_PTR/WRITE_DAQ and reset as a
// whole by FREE_DAQ, and sampled all-or-nothing per list when an owning
// event fires.
package daq

import (
	"errors"
	"sync"

	"github.com/xcplite/go-xcp/internal/constants"
	"github.com/xcplite/go-xcp/internal/wire"
)

var (
	ErrListOutOfRange  = errors.New("daq: DAQ list index out of range")
	ErrODTOutOfRange   = errors.New("daq: ODT index out of range")
	ErrEntryOutOfRange = errors.New("daq: ODT entry index out of range")
	ErrAllocActive     = errors.New("daq: cannot allocate while a DAQ list is running")
)

// Entry is one sampled quantity: an address to copy from and how many
// bytes to copy. ExtDYN entries are resolved relative to a per-event base
// pointer rather than an absolute address (spec.md §4.F "relative
// addressing").
type Entry struct {
	Addr wire.Address
	Size uint8
}

// ODT is an Object Descriptor Table: a fixed-order list of entries sampled
// together into one DAQ DTO.
type ODT struct {
	Entries []Entry
}

// ListMode mirrors the bitmask SET_DAQ_LIST_MODE carries (spec.md §4.F).
type ListMode uint8

const (
	ListModeSelected  ListMode = 1 << 0
	ListModeDirection ListMode = 1 << 1 // STIM direction when set, DAQ when clear
	ListModeTimestamp ListMode = 1 << 4
)

// ListState is a DAQ list's position in spec.md §3's
// STOPPED | SELECTED | RUNNING state machine. SELECTED marks a list
// START_STOP_DAQ_LIST(mode=select) has queued to start; START_STOP_SYNCH
// with start_all transitions every SELECTED list to RUNNING together.
type ListState uint8

const (
	ListStopped ListState = iota
	ListSelected
	ListRunning
)

// List is one DAQ list: an ordered slice of ODTs, a triggering event, and
// run state.
type List struct {
	ODTs    []ODT
	Mode    ListMode
	EventID uint16
	state   ListState

	lossCount uint32 // packets dropped since the last successful sample
}

// State reports the list's current STOPPED/SELECTED/RUNNING state.
func (l List) State() ListState { return l.state }

// Tables owns every DAQ list for a session. A single mutex is enough here:
// table shape only changes during configuration commands
// (ALLOC_DAQ/ALLOC_ODT/ALLOC_ODT_ENTRY/FREE_DAQ/SET_DAQ_PTR/WRITE_DAQ),
// which never race the event-triggered sampling path because spec.md
// requires the master to stop all lists before reconfiguring
// (START_STOP_SYNCH(stop_all)).
type Tables struct {
	mu    sync.RWMutex
	lists []List

	// ptr is the cursor SET_DAQ_PTR positions and WRITE_DAQ advances,
	// spec.md §4.F "DAQ pointer: (daqList, odt, entry) cursor".
	ptrList  uint16
	ptrODT   uint8
	ptrEntry uint8
}

// NewTables creates an empty table set.
func NewTables() *Tables {
	return &Tables{}
}

// anyRunningLocked reports whether any list is currently RUNNING. Callers
// must hold t.mu.
func (t *Tables) anyRunningLocked() bool {
	for i := range t.lists {
		if t.lists[i].state == ListRunning {
			return true
		}
	}
	return false
}

// Free resets all DAQ lists, the FREE_DAQ command's effect. Only permitted
// while every list is stopped (spec.md §4.D "only when all lists stopped").
func (t *Tables) Free() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunningLocked() {
		return ErrAllocActive
	}
	t.lists = nil
	t.ptrList, t.ptrODT, t.ptrEntry = 0, 0, 0
	return nil
}

// AllocDAQ appends count new, empty DAQ lists and returns the index of the
// first one allocated. Only permitted while every list is stopped
// (spec.md §4.D).
func (t *Tables) AllocDAQ(count uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunningLocked() {
		return 0, ErrAllocActive
	}
	if len(t.lists)+int(count) > constants.MaxDAQLists {
		return 0, ErrListOutOfRange
	}
	first := uint16(len(t.lists))
	for i := uint16(0); i < count; i++ {
		t.lists = append(t.lists, List{})
	}
	return first, nil
}

// AllocODT appends count empty ODTs to the given DAQ list.
func (t *Tables) AllocODT(daqList uint16, count uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunningLocked() {
		return ErrAllocActive
	}
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	list := &t.lists[daqList]
	if len(list.ODTs)+int(count) > constants.MaxODTsPerList {
		return ErrODTOutOfRange
	}
	for i := uint8(0); i < count; i++ {
		list.ODTs = append(list.ODTs, ODT{})
	}
	return nil
}

// AllocODTEntry appends count empty entries to the given ODT.
func (t *Tables) AllocODTEntry(daqList uint16, odt uint8, count uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anyRunningLocked() {
		return ErrAllocActive
	}
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	list := &t.lists[daqList]
	if int(odt) >= len(list.ODTs) {
		return ErrODTOutOfRange
	}
	o := &list.ODTs[odt]
	if len(o.Entries)+int(count) > constants.MaxEntriesPerODT {
		return ErrEntryOutOfRange
	}
	for i := uint8(0); i < count; i++ {
		o.Entries = append(o.Entries, Entry{})
	}
	return nil
}

// SetDAQPtr repositions the write cursor WRITE_DAQ advances through.
func (t *Tables) SetDAQPtr(daqList uint16, odt uint8, entry uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	if int(odt) >= len(t.lists[daqList].ODTs) {
		return ErrODTOutOfRange
	}
	if int(entry) >= len(t.lists[daqList].ODTs[odt].Entries) {
		return ErrEntryOutOfRange
	}
	t.ptrList, t.ptrODT, t.ptrEntry = daqList, odt, entry
	return nil
}

// WriteDAQ writes one entry's (addr, size) at the current pointer and
// advances the pointer to the next entry slot (spec.md §4.F "WRITE_DAQ").
func (t *Tables) WriteDAQ(size uint8, addr wire.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(t.ptrList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	list := &t.lists[t.ptrList]
	if int(t.ptrODT) >= len(list.ODTs) {
		return ErrODTOutOfRange
	}
	o := &list.ODTs[t.ptrODT]
	if int(t.ptrEntry) >= len(o.Entries) {
		return ErrEntryOutOfRange
	}
	o.Entries[t.ptrEntry] = Entry{Addr: addr, Size: size}

	t.ptrEntry++
	if int(t.ptrEntry) >= len(o.Entries) {
		t.ptrEntry = 0
	}
	return nil
}

// SetDAQListMode sets the mode bitmask and owning event for a list
// (spec.md §4.F "SET_DAQ_LIST_MODE").
func (t *Tables) SetDAQListMode(daqList uint16, mode ListMode, eventID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	t.lists[daqList].Mode = mode
	t.lists[daqList].EventID = eventID
	return nil
}

// StartStopDAQList starts or stops sampling for a single list immediately
// (START_STOP_DAQ_LIST, mode=start/stop). Use SelectDAQList for
// mode=select, which queues the list for a synchronized start instead.
func (t *Tables) StartStopDAQList(daqList uint16, start bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	if start {
		t.lists[daqList].state = ListRunning
	} else {
		t.lists[daqList].state = ListStopped
	}
	return nil
}

// SelectDAQList marks a list SELECTED (START_STOP_DAQ_LIST, mode=select):
// queued to start, but not yet sampling. StartAllSelected later promotes
// it to RUNNING alongside every other list selected this way.
func (t *Tables) SelectDAQList(daqList uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(daqList) >= len(t.lists) {
		return ErrListOutOfRange
	}
	t.lists[daqList].state = ListSelected
	return nil
}

// StartAllSelected transitions every currently SELECTED list to RUNNING in
// one atomic step, the START_STOP_SYNCH(start_all) behavior spec.md §4.D
// describes as "transitions all SELECTED lists to RUNNING atomically".
// Lists that are already RUNNING or still STOPPED are left untouched.
func (t *Tables) StartAllSelected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.lists {
		if t.lists[i].state == ListSelected {
			t.lists[i].state = ListRunning
		}
	}
}

// StopAll stops every list, selected or running (START_STOP_SYNCH(stop_all)).
func (t *Tables) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.lists {
		t.lists[i].state = ListStopped
	}
}

// ListsForEvent returns the indices of currently running lists whose
// owning event matches eventID, the set Trigger must sample.
func (t *Tables) ListsForEvent(eventID uint16) []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []uint16
	for i := range t.lists {
		if t.lists[i].state == ListRunning && t.lists[i].EventID == eventID {
			out = append(out, uint16(i))
		}
	}
	return out
}

// List returns a copy of list i's ODT/entry shape for the sampler. Index
// must come from ListsForEvent or another validated source.
func (t *Tables) List(i uint16) List {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lists[i]
}

// AnyRunning reports whether at least one DAQ list is RUNNING, the
// "DAQ running" bit GET_STATUS reports (spec.md §4.D).
func (t *Tables) AnyRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.anyRunningLocked()
}

// TotalLoss sums every list's current in-flight loss counter without
// resetting them, for GET_STATUS's loss report (spec.md §4.D, E2E scenario
// 5). Use TakeLoss per-list to consume and reset after reporting.
func (t *Tables) TotalLoss() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint32
	for i := range t.lists {
		total += t.lists[i].lossCount
	}
	return total
}

// RecordLoss increments list i's in-flight loss counter, called by the
// sampler when a reservation fails (spec.md §4.F "all-or-nothing").
func (t *Tables) RecordLoss(i uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) < len(t.lists) {
		t.lists[i].lossCount++
	}
}

// TakeLoss reads and resets list i's loss counter, called once per emitted
// sample so the wire header carries the count since the last successful
// send (spec.md §9 open question (a)).
func (t *Tables) TakeLoss(i uint16) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.lists) {
		return 0
	}
	n := t.lists[i].lossCount
	t.lists[i].lossCount = 0
	return n
}
