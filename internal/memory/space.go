// Package memory models the flat 64-bit address space seen by bytecode and
// the typed, misalignment-tolerant access layer on top of it.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fortio.org/safecast"
)

var (
	// ErrUnmapped is returned for accesses outside every mapped region.
	ErrUnmapped = errors.New("unmapped address")
	// ErrOverlap is returned when a new region overlaps an existing one.
	ErrOverlap = errors.New("region overlaps existing mapping")
	// ErrStackGap is returned for program accesses inside the interpreter's
	// reserved stack gap.
	ErrStackGap = errors.New("access inside stack gap")
)

// AccessError describes a failed access.
type AccessError struct {
	Op   string // "read", "write", "fetch"
	Addr uint64
	Size int
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s of %d bytes at 0x%x: %v", e.Op, e.Size, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Region is a contiguous mapped range backed by a byte slice.
type Region struct {
	Name string
	Base uint64
	Data []byte
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Base + uint64(len(r.Data))
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr uint64, n int) bool {
	if addr < r.Base {
		return false
	}
	off := addr - r.Base
	return off <= uint64(len(r.Data)) && uint64(n) <= uint64(len(r.Data))-off //nolint:gosec
}

// Space is a set of non-overlapping regions. Mapping is guarded; the bytes
// themselves are not, callers own the synchronization of what they share.
type Space struct {
	mu      sync.RWMutex
	regions []*Region // sorted by Base
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{}
}

// Map installs data at base. The slice is used in place.
func (s *Space) Map(name string, base uint64, data []byte) (*Region, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("map %s: empty region", name)
	}
	size, err := safecast.Conv[uint64](len(data))
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	if base+size < base {
		return nil, fmt.Errorf("map %s at 0x%x: region wraps the address space", name, base)
	}
	r := &Region{Name: name, Base: base, Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].Base >= base })
	if i > 0 && s.regions[i-1].End() > base {
		return nil, fmt.Errorf("map %s at 0x%x: %w (%s)", name, base, ErrOverlap, s.regions[i-1].Name)
	}
	if i < len(s.regions) && s.regions[i].Base < r.End() {
		return nil, fmt.Errorf("map %s at 0x%x: %w (%s)", name, base, ErrOverlap, s.regions[i].Name)
	}
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return r, nil
}

// Unmap removes the region starting at base.
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.Base == base {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unmap 0x%x: %w", base, ErrUnmapped)
}

// Regions returns a snapshot of the mapped regions in address order.
func (s *Space) Regions() []*Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Region returns the region containing addr, or nil.
func (s *Space) Region(addr uint64) *Region {
	r, _ := s.lookup(addr, 1)
	return r
}

func (s *Space) lookup(addr uint64, n int) (*Region, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].End() > addr })
	if i < len(s.regions) && s.regions[i].Contains(addr, n) {
		r := s.regions[i]
		return r, addr - r.Base
	}
	return nil, 0
}

func (s *Space) slice(op string, addr uint64, n int) ([]byte, error) {
	r, off := s.lookup(addr, n)
	if r == nil {
		return nil, &AccessError{Op: op, Addr: addr, Size: n, Err: ErrUnmapped}
	}
	return r.Data[off : off+uint64(n)], nil //nolint:gosec
}

// Load8 reads one byte.
func (s *Space) Load8(addr uint64) (uint8, error) {
	p, err := s.slice("read", addr, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Load16 reads a little-endian 16-bit value.
func (s *Space) Load16(addr uint64) (uint16, error) {
	p, err := s.slice("read", addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

// Load32 reads a little-endian 32-bit value.
func (s *Space) Load32(addr uint64) (uint32, error) {
	p, err := s.slice("read", addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// Load64 reads a little-endian 64-bit value.
func (s *Space) Load64(addr uint64) (uint64, error) {
	p, err := s.slice("read", addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// Store8 writes one byte.
func (s *Space) Store8(addr uint64, v uint8) error {
	p, err := s.slice("write", addr, 1)
	if err != nil {
		return err
	}
	p[0] = v
	return nil
}

// Store16 writes a little-endian 16-bit value.
func (s *Space) Store16(addr uint64, v uint16) error {
	p, err := s.slice("write", addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(p, v)
	return nil
}

// Store32 writes a little-endian 32-bit value.
func (s *Space) Store32(addr uint64, v uint32) error {
	p, err := s.slice("write", addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(p, v)
	return nil
}

// Store64 writes a little-endian 64-bit value.
func (s *Space) Store64(addr uint64, v uint64) error {
	p, err := s.slice("write", addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(p, v)
	return nil
}

// ReadBytes copies n bytes starting at addr.
func (s *Space) ReadBytes(addr uint64, n int) ([]byte, error) {
	p, err := s.slice("read", addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// WriteBytes copies p into memory starting at addr.
func (s *Space) WriteBytes(addr uint64, p []byte) error {
	dst, err := s.slice("write", addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}
