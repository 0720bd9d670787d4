package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Breakpoint stops the debugger before the instruction at Addr executes.
type Breakpoint struct {
	ID   int
	Addr uint64
	Hits int
}

// Summary returns a string representation of the breakpoint.
func (bp *Breakpoint) Summary() string {
	if bp == nil {
		return "<nil>"
	}
	return fmt.Sprintf("#%d 0x%x (hits %d)", bp.ID, bp.Addr, bp.Hits)
}

// Breakpoints manages a collection of breakpoints.
type Breakpoints struct {
	nextID int
	list   []*Breakpoint
}

// NewBreakpoints creates a new Breakpoints collection.
func NewBreakpoints() *Breakpoints {
	return &Breakpoints{nextID: 1}
}

// Add adds a breakpoint at addr. Instructions start on 2-byte boundaries.
func (bps *Breakpoints) Add(addr uint64) (*Breakpoint, error) {
	if addr&1 != 0 {
		return nil, fmt.Errorf("address 0x%x is not 2-byte aligned", addr)
	}
	for _, bp := range bps.list {
		if bp.Addr == addr {
			return nil, fmt.Errorf("breakpoint #%d already at 0x%x", bp.ID, addr)
		}
	}
	bp := &Breakpoint{ID: bps.allocID(), Addr: addr}
	bps.list = append(bps.list, bp)
	return bp, nil
}

// Delete removes a breakpoint by ID.
func (bps *Breakpoints) Delete(id int) bool {
	if bps == nil || id <= 0 {
		return false
	}
	for i, bp := range bps.list {
		if bp != nil && bp.ID == id {
			copy(bps.list[i:], bps.list[i+1:])
			bps.list[len(bps.list)-1] = nil
			bps.list = bps.list[:len(bps.list)-1]
			return true
		}
	}
	return false
}

// List returns all breakpoints.
func (bps *Breakpoints) List() []*Breakpoint {
	if bps == nil || len(bps.list) == 0 {
		return nil
	}
	out := make([]*Breakpoint, 0, len(bps.list))
	out = append(out, bps.list...)
	return out
}

// Match returns the breakpoint at ip, if any.
func (bps *Breakpoints) Match(ip uint64) (*Breakpoint, bool) {
	if bps == nil {
		return nil, false
	}
	for _, bp := range bps.list {
		if bp != nil && bp.Addr == ip {
			return bp, true
		}
	}
	return nil, false
}

// ParseAddress parses a hex (0x-prefixed) or decimal address.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}

func (bps *Breakpoints) allocID() int {
	if bps.nextID <= 0 {
		bps.nextID = 1
	}
	id := bps.nextID
	bps.nextID++
	return id
}
