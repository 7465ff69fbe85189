// Package registry accumulates the descriptor metadata (measurements,
// characteristics, axes, events, typedefs) an embedder registers at startup
// and turns it into a compact binary artifact (GET_ID(description) reports
// its length; no UPLOAD address range serves its bytes), the Go-native
// stand-in for the derive-macro-generated A2L
// file the original implementation produced (src/reg.rs,
// serialization/characteristic_container).
package registry

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xcplite/go-xcp/internal/wire"
)

// DataType names the wire representation of a measurement or characteristic
// value, mirroring the scalar set the original xcp-lite exposes through its
// `XcpType` trait.
type DataType uint8

const (
	TypeU8 DataType = iota
	TypeI8
	TypeU16
	TypeI16
	TypeU32
	TypeI32
	TypeU64
	TypeI64
	TypeF32
	TypeF64
)

func (t DataType) size() int {
	switch t {
	case TypeU8, TypeI8:
		return 1
	case TypeU16, TypeI16:
		return 2
	case TypeU32, TypeI32, TypeF32:
		return 4
	default:
		return 8
	}
}

// Measurement describes one DAQ-sampleable quantity: a name, its address,
// and its scalar type.
type Measurement struct {
	Name string
	Addr wire.Address
	Type DataType
	Unit string
}

// Axis describes a calibration curve/map's shared axis, referenced by
// Characteristic.AxisRef.
type Axis struct {
	Name string
	Type DataType
	N    int
}

// Characteristic describes one calibration-segment-relative tunable value.
type Characteristic struct {
	Name    string
	Addr    wire.Address
	Type    DataType
	Min     float64
	Max     float64
	AxisRef string // empty for a scalar characteristic
}

// Event describes one DAQ trigger point, the registry-side twin of
// daq.Tables' EventID field.
type Event struct {
	ID   uint16
	Name string
}

// Typedef names a structured aggregate of Measurements/Characteristics, so
// a described "struct" groups fields under one name in the emitted artifact
// instead of being flattened to independent scalars.
type Typedef struct {
	Name   string
	Fields []string // Measurement or Characteristic names, in declared order
}

var ErrDuplicateName = errors.New("registry: duplicate name")

// Registry accumulates descriptor entries and, once Finalize'd, serves a
// stable Emit() blob. The zero value is ready to use.
type Registry struct {
	mu sync.Mutex

	measurements    []Measurement
	characteristics []Characteristic
	axes            []Axis
	events          []Event
	typedefs        []Typedef

	names map[string]struct{}

	finalized bool
	epk       string
	blob      []byte
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

func (r *Registry) checkName(name string) error {
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.names[name] = struct{}{}
	return nil
}

// AddMeasurement registers a DAQ-sampleable quantity. Must be called before
// Finalize.
func (r *Registry) AddMeasurement(m Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("registry: already finalized")
	}
	if err := r.checkName(m.Name); err != nil {
		return err
	}
	r.measurements = append(r.measurements, m)
	return nil
}

// AddCharacteristic registers a calibration-segment-relative tunable.
func (r *Registry) AddCharacteristic(c Characteristic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("registry: already finalized")
	}
	if err := r.checkName(c.Name); err != nil {
		return err
	}
	r.characteristics = append(r.characteristics, c)
	return nil
}

// AddAxis registers a shared calibration curve/map axis.
func (r *Registry) AddAxis(a Axis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("registry: already finalized")
	}
	if err := r.checkName(a.Name); err != nil {
		return err
	}
	r.axes = append(r.axes, a)
	return nil
}

// AddEvent registers a DAQ trigger point.
func (r *Registry) AddEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("registry: already finalized")
	}
	if err := r.checkName(e.Name); err != nil {
		return err
	}
	r.events = append(r.events, e)
	return nil
}

// AddTypedef registers a named grouping of previously added fields.
func (r *Registry) AddTypedef(t Typedef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return errors.New("registry: already finalized")
	}
	if err := r.checkName(t.Name); err != nil {
		return err
	}
	r.typedefs = append(r.typedefs, t)
	return nil
}

// Finalize sorts every accumulated entry into a stable order and computes
// the EPK version tag. Finalize is idempotent: calling it again is a no-op,
// so a server can call it defensively at startup without coordinating with
// whatever code path registered descriptors.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	sort.Slice(r.measurements, func(i, j int) bool { return r.measurements[i].Name < r.measurements[j].Name })
	sort.Slice(r.characteristics, func(i, j int) bool { return r.characteristics[i].Name < r.characteristics[j].Name })
	sort.Slice(r.axes, func(i, j int) bool { return r.axes[i].Name < r.axes[j].Name })
	sort.Slice(r.events, func(i, j int) bool { return r.events[i].ID < r.events[j].ID })
	sort.Slice(r.typedefs, func(i, j int) bool { return r.typedefs[i].Name < r.typedefs[j].Name })

	r.blob = r.encode()
	r.epk = computeEPK(r.blob)
	r.finalized = true
}

// EPK returns the version tag computed by Finalize, empty before Finalize
// runs.
func (r *Registry) EPK() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epk
}

// Filename names the description artifact. The GET_ID handler in
// internal/proto does not send it.
func (r *Registry) Filename() string { return "go-xcp.descriptor" }

// Emit returns the finalized descriptor blob. Returns nil if Finalize has
// not run.
func (r *Registry) Emit() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finalized {
		return nil
	}
	out := make([]byte, len(r.blob))
	copy(out, r.blob)
	return out
}

const descriptorMagic = 0x58435044 // "XCPD"
const descriptorVersion = 1

// encode produces the versioned binary descriptor table: a header followed
// by one length-prefixed record per entry kind. The layout is intentionally
// simple (fixed-width scalar fields, no variant tags beyond the section
// headers) since nothing in this module parses it (internal/proto's GET_ID
// handler reports only its length) and there is no cross-version
// compatibility requirement.
func (r *Registry) encode() []byte {
	var buf []byte
	buf = appendU32(buf, descriptorMagic)
	buf = appendU32(buf, descriptorVersion)

	buf = appendU32(buf, uint32(len(r.measurements)))
	for _, m := range r.measurements {
		buf = appendString(buf, m.Name)
		buf = append(buf, m.Addr.Extension)
		buf = appendU32(buf, m.Addr.Offset)
		buf = append(buf, uint8(m.Type))
		buf = appendString(buf, m.Unit)
	}

	buf = appendU32(buf, uint32(len(r.characteristics)))
	for _, c := range r.characteristics {
		buf = appendString(buf, c.Name)
		buf = append(buf, c.Addr.Extension)
		buf = appendU32(buf, c.Addr.Offset)
		buf = append(buf, uint8(c.Type))
		buf = appendF64(buf, c.Min)
		buf = appendF64(buf, c.Max)
		buf = appendString(buf, c.AxisRef)
	}

	buf = appendU32(buf, uint32(len(r.axes)))
	for _, a := range r.axes {
		buf = appendString(buf, a.Name)
		buf = append(buf, uint8(a.Type))
		buf = appendU32(buf, uint32(a.N))
	}

	buf = appendU32(buf, uint32(len(r.events)))
	for _, e := range r.events {
		buf = appendU16(buf, e.ID)
		buf = appendString(buf, e.Name)
	}

	buf = appendU32(buf, uint32(len(r.typedefs)))
	for _, t := range r.typedefs {
		buf = appendString(buf, t.Name)
		buf = appendU32(buf, uint32(len(t.Fields)))
		for _, f := range t.Fields {
			buf = appendString(buf, f)
		}
	}

	return buf
}

func computeEPK(blob []byte) string {
	sum := sha1.Sum(blob)
	return fmt.Sprintf("EPK_%x", sum[:4])
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendF64(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}
