package memory

import (
	"fmt"
	"sync/atomic"
)

// Accessor implements the typed reads and writes bytecode performs.
//
// Aligned accesses are a single load or store. A misaligned access is split
// into two half-width accesses, recursively, down to bytes, with a fence
// around each part so that bytecode observes a strongly ordered memory. The
// natural width is 4 or 8 bytes.
//
// Every data address passes ConvertStackAddress first. The gap
// [Low, High) is interpreter bookkeeping and never a valid program address,
// so an access inside it fails with ErrStackGap instead of being redirected.
type Accessor struct {
	space   *Space
	natural int
	low     uint64
	high    uint64
	fences  atomic.Uint64
}

// NewAccessor binds an accessor to a space. natural must be 4 or 8.
func NewAccessor(space *Space, natural int) *Accessor {
	if natural != 4 && natural != 8 {
		panic(fmt.Sprintf("memory: unsupported natural width %d", natural))
	}
	return &Accessor{space: space, natural: natural}
}

// Space returns the underlying address space.
func (a *Accessor) Space() *Space { return a.space }

// Natural returns the natural width in bytes.
func (a *Accessor) Natural() int { return a.natural }

// SetStackGap installs the reserved range. low == high disables the check.
func (a *Accessor) SetStackGap(low, high uint64) {
	a.low, a.high = low, high
}

// StackGap returns the reserved range.
func (a *Accessor) StackGap() (low, high uint64) {
	return a.low, a.high
}

// ConvertStackAddress maps a program address to the address actually
// accessed. Outside the gap this is the identity.
func (a *Accessor) ConvertStackAddress(addr uint64) (uint64, error) {
	return a.convert(addr, 1)
}

// convert checks the whole range [addr, addr+n) against the gap, so a wide
// or split access that straddles it fails before any byte is written.
func (a *Accessor) convert(addr, n uint64) (uint64, error) {
	end := addr + n
	if end < addr {
		end = ^uint64(0)
	}
	if addr < a.high && end > a.low {
		return 0, &AccessError{Op: "convert", Addr: addr, Size: int(n), Err: ErrStackGap} //nolint:gosec
	}
	return addr, nil
}

// Fence orders the surrounding accesses. The atomic add is a full barrier
// under the Go memory model.
func (a *Accessor) Fence() {
	a.fences.Add(1)
}

// Fences returns the number of fences issued so far.
func (a *Accessor) Fences() uint64 {
	return a.fences.Load()
}

func aligned(addr uint64, n uint64) bool {
	return addr&(n-1) == 0
}

func (a *Accessor) Read8(addr uint64) (uint8, error) {
	addr, err := a.convert(addr, 1)
	if err != nil {
		return 0, err
	}
	return a.space.Load8(addr)
}

func (a *Accessor) Read16(addr uint64) (uint16, error) {
	addr, err := a.convert(addr, 2)
	if err != nil {
		return 0, err
	}
	if aligned(addr, 2) {
		return a.space.Load16(addr)
	}
	lo, err := a.space.Load8(addr)
	if err != nil {
		return 0, err
	}
	a.Fence()
	hi, err := a.Read8(addr + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (a *Accessor) Read32(addr uint64) (uint32, error) {
	addr, err := a.convert(addr, 4)
	if err != nil {
		return 0, err
	}
	if aligned(addr, 4) {
		return a.space.Load32(addr)
	}
	lo, err := a.Read16(addr)
	if err != nil {
		return 0, err
	}
	a.Fence()
	hi, err := a.Read16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (a *Accessor) Read64(addr uint64) (uint64, error) {
	addr, err := a.convert(addr, 8)
	if err != nil {
		return 0, err
	}
	if aligned(addr, 8) {
		return a.space.Load64(addr)
	}
	lo, err := a.Read32(addr)
	if err != nil {
		return 0, err
	}
	a.Fence()
	hi, err := a.Read32(addr + 4)
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// ReadN reads a natural-width value, zero-extended. A misaligned natural
// read is assembled byte by byte.
func (a *Accessor) ReadN(addr uint64) (uint64, error) {
	addr, err := a.convert(addr, uint64(a.natural))
	if err != nil {
		return 0, err
	}
	n := uint64(a.natural) //nolint:gosec
	if aligned(addr, n) {
		if n == 4 {
			v, err := a.space.Load32(addr)
			return uint64(v), err
		}
		return a.space.Load64(addr)
	}
	var v uint64
	for i := uint64(0); i < n; i++ {
		if i > 0 {
			a.Fence()
		}
		b, err := a.Read8(addr + i)
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

func (a *Accessor) Write8(addr uint64, v uint8) error {
	addr, err := a.convert(addr, 1)
	if err != nil {
		return err
	}
	return a.space.Store8(addr, v)
}

func (a *Accessor) Write16(addr uint64, v uint16) error {
	addr, err := a.convert(addr, 2)
	if err != nil {
		return err
	}
	if aligned(addr, 2) {
		return a.space.Store16(addr, v)
	}
	a.Fence()
	if err := a.space.Store8(addr, uint8(v)); err != nil { //nolint:gosec
		return err
	}
	a.Fence()
	if err := a.Write8(addr+1, uint8(v>>8)); err != nil {
		return err
	}
	a.Fence()
	return nil
}

func (a *Accessor) Write32(addr uint64, v uint32) error {
	addr, err := a.convert(addr, 4)
	if err != nil {
		return err
	}
	if aligned(addr, 4) {
		return a.space.Store32(addr, v)
	}
	a.Fence()
	if err := a.Write16(addr, uint16(v)); err != nil { //nolint:gosec
		return err
	}
	a.Fence()
	if err := a.Write16(addr+2, uint16(v>>16)); err != nil {
		return err
	}
	a.Fence()
	return nil
}

func (a *Accessor) Write64(addr uint64, v uint64) error {
	addr, err := a.convert(addr, 8)
	if err != nil {
		return err
	}
	if aligned(addr, 8) {
		return a.space.Store64(addr, v)
	}
	a.Fence()
	if err := a.Write32(addr, uint32(v)); err != nil { //nolint:gosec
		return err
	}
	a.Fence()
	if err := a.Write32(addr+4, uint32(v>>32)); err != nil {
		return err
	}
	a.Fence()
	return nil
}

// WriteN writes the low natural-width bytes of v. A misaligned natural
// write is issued as 32-bit pieces.
func (a *Accessor) WriteN(addr uint64, v uint64) error {
	addr, err := a.convert(addr, uint64(a.natural))
	if err != nil {
		return err
	}
	n := uint64(a.natural) //nolint:gosec
	if aligned(addr, n) {
		if n == 4 {
			return a.space.Store32(addr, uint32(v)) //nolint:gosec
		}
		return a.space.Store64(addr, v)
	}
	for i := uint64(0); i < n/4; i++ {
		a.Fence()
		if err := a.Write32(addr+i*4, uint32(v)); err != nil { //nolint:gosec
			return err
		}
		a.Fence()
		v >>= 32
	}
	return nil
}

// Code reads are relative to an instruction address and skip the stack-gap
// check. misaligned reports whether any 16-bit part was unaligned; callers
// treat that as an alignment warning.

func (a *Accessor) FetchCode8(addr uint64) (uint8, error) {
	return a.space.Load8(addr)
}

func (a *Accessor) FetchCode16(addr uint64) (v uint16, misaligned bool, err error) {
	if aligned(addr, 2) {
		v, err = a.space.Load16(addr)
		return v, false, err
	}
	lo, err := a.space.Load8(addr)
	if err != nil {
		return 0, true, err
	}
	hi, err := a.space.Load8(addr + 1)
	if err != nil {
		return 0, true, err
	}
	return uint16(lo) | uint16(hi)<<8, true, nil
}

func (a *Accessor) FetchCode32(addr uint64) (uint32, bool, error) {
	if aligned(addr, 4) {
		v, err := a.space.Load32(addr)
		return v, false, err
	}
	lo, m1, err := a.FetchCode16(addr)
	if err != nil {
		return 0, m1, err
	}
	hi, m2, err := a.FetchCode16(addr + 2)
	if err != nil {
		return 0, m1 || m2, err
	}
	return uint32(lo) | uint32(hi)<<16, m1 || m2, nil
}

func (a *Accessor) FetchCode64(addr uint64) (uint64, bool, error) {
	if aligned(addr, 8) {
		v, err := a.space.Load64(addr)
		return v, false, err
	}
	lo, m1, err := a.FetchCode32(addr)
	if err != nil {
		return 0, m1, err
	}
	hi, m2, err := a.FetchCode32(addr + 4)
	if err != nil {
		return 0, m1 || m2, err
	}
	return uint64(lo) | uint64(hi)<<32, m1 || m2, nil
}
