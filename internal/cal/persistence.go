package cal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrMismatch is returned by Load when the stored EPK (EPROM
// identification, spec.md glossary) doesn't match the caller's expected
// value: the calibration data on disk belongs to a different A2L/software
// build and must not be applied blindly.
var ErrMismatch = errors.New("cal: stored EPK does not match expected EPK")

// Store persists and restores a segment's XCP-role page bytes, the way
// the teacher's Backend interface (backend.go/interfaces.go) abstracts
// where ublk I/O ultimately lands: callers depend only on this interface,
// never on a concrete file layout.
type Store interface {
	// Save writes epk and the segment's current page bytes.
	Save(name string, epk string, page []byte) error
	// Load reads back page bytes previously saved under name, verifying
	// the stored EPK equals expectedEPK. Returns ErrMismatch (with the
	// stored bytes still population-free) if it does not.
	Load(name string, expectedEPK string) ([]byte, error)
}

// FileStore is a Store backed by a flat file per segment, named
// "<dir>/<name>.cal". The file format is a small fixed header (EPK length
// + EPK bytes) followed by the raw page bytes, deliberately simple since
// spec.md leaves the on-disk format as an implementation detail.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func (f *FileStore) path(name string) string {
	return fmt.Sprintf("%s/%s.cal", f.Dir, name)
}

func (f *FileStore) Save(name string, epk string, page []byte) error {
	file, err := os.Create(f.path(name))
	if err != nil {
		return err
	}
	defer file.Close()

	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(epk)))
	if _, err := file.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := file.Write([]byte(epk)); err != nil {
		return err
	}
	_, err = file.Write(page)
	return err
}

// Save persists the segment's XCP-role page (the page the master's
// calibration writes target) through store, tagged with epk so a later
// Load can detect a stale artifact (spec.md §4.E "save(name) writes the
// current working page to a named artifact").
func (s *Segment) Save(store Store, name string, epk string) error {
	s.mu.Lock()
	page := append([]byte(nil), s.pages[s.xcpPage.Load()]...)
	s.mu.Unlock()
	return store.Save(name, epk, page)
}

// Load replaces the segment's XCP-role page with the bytes previously
// saved under name, iff the stored EPK matches epk and the artifact's size
// matches this segment's page size (spec.md §4.E "iff the artifact's size
// and layout signature match; otherwise returns MISMATCH"). The bump to
// version makes the restored bytes visible to readers via the usual
// seqlock discipline.
func (s *Segment) Load(store Store, name string, epk string) error {
	page, err := store.Load(name, epk)
	if err != nil {
		return err
	}
	if len(page) != s.size {
		return ErrMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.pages[s.xcpPage.Load()], page)
	s.version.Add(1)
	return nil
}

func (f *FileStore) Load(name string, expectedEPK string) ([]byte, error) {
	file, err := os.Open(f.path(name))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lenBuf [2]byte
	if _, err := io.ReadFull(file, lenBuf[:]); err != nil {
		return nil, err
	}
	epkLen := binary.LittleEndian.Uint16(lenBuf[:])

	epkBuf := make([]byte, epkLen)
	if _, err := io.ReadFull(file, epkBuf); err != nil {
		return nil, err
	}

	if string(epkBuf) != expectedEPK {
		return nil, ErrMismatch
	}

	page, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return page, nil
}
