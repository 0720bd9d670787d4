package thunk

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"ebcvm/internal/memory"
)

var (
	// ErrInvalidEntry is returned for entry points that are not 2-byte aligned.
	ErrInvalidEntry = errors.New("invalid bytecode entry point")
	// ErrUnknownImage is returned when releasing an image with no thunks.
	ErrUnknownImage = errors.New("image has no thunks")
	// ErrArenaFull is returned when every trampoline slot is taken.
	ErrArenaFull = errors.New("trampoline arena exhausted")
)

// SlotStride is the arena distance between trampolines; it keeps each one
// 16-byte aligned.
const SlotStride = 48

// Image identifies the owner of a set of thunks.
type Image uint64

// FlushFunc invalidates the instruction cache for freshly written code.
type FlushFunc func(addr uint64, n int)

// Arena is a fixed block of trampoline slots mapped into the address space.
type Arena struct {
	base  uint64
	mem   []byte
	inUse []bool
}

// NewArena allocates slots trampolines starting at base.
func NewArena(base uint64, slots int) *Arena {
	if slots <= 0 {
		slots = 256
	}
	return &Arena{
		base:  base,
		mem:   make([]byte, slots*SlotStride),
		inUse: make([]bool, slots),
	}
}

// MapInto maps the arena into space.
func (a *Arena) MapInto(space *memory.Space) error {
	_, err := space.Map("thunks", a.base, a.mem)
	return err
}

// Base returns the address of slot 0.
func (a *Arena) Base() uint64 { return a.base }

// Slots returns the arena capacity.
func (a *Arena) Slots() int { return len(a.inUse) }

func (a *Arena) alloc() (uint64, []byte, error) {
	for i, used := range a.inUse {
		if !used {
			a.inUse[i] = true
			off := i * SlotStride
			return a.base + uint64(off), a.mem[off : off+Size], nil //nolint:gosec
		}
	}
	return 0, nil, ErrArenaFull
}

func (a *Arena) free(addr uint64) {
	off := addr - a.base
	i := int(off / SlotStride) //nolint:gosec
	if off%SlotStride != 0 || i < 0 || i >= len(a.inUse) {
		return
	}
	clear(a.mem[i*SlotStride : (i+1)*SlotStride])
	a.inUse[i] = false
}

// Tracker creates trampolines and records them against their image.
type Tracker struct {
	mu     sync.Mutex
	arena  *Arena
	images map[Image][]uint64
	flush  FlushFunc
}

// NewTracker returns a tracker allocating from arena.
func NewTracker(arena *Arena) *Tracker {
	return &Tracker{arena: arena, images: make(map[Image][]uint64)}
}

// SetFlush registers the instruction cache flush hook.
func (t *Tracker) SetFlush(fn FlushFunc) {
	t.mu.Lock()
	t.flush = fn
	t.mu.Unlock()
}

// Create emits a trampoline for entry through bridge and records it under
// image.
func (t *Tracker) Create(image Image, entry, bridge uint64) (uint64, error) {
	if entry&1 != 0 {
		return 0, fmt.Errorf("%w: 0x%x is not 2-byte aligned", ErrInvalidEntry, entry)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	addr, slot, err := t.arena.alloc()
	if err != nil {
		return 0, err
	}
	code := Encode(entry, bridge)
	copy(slot, code[:])
	if t.flush != nil {
		t.flush(addr, Size)
	}
	t.images[image] = append(t.images[image], addr)
	return addr, nil
}

// Release frees every trampoline recorded for image and returns the count.
func (t *Tracker) Release(image Image) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addrs, ok := t.images[image]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownImage, image)
	}
	for _, addr := range addrs {
		t.arena.free(addr)
	}
	delete(t.images, image)
	return len(addrs), nil
}

// Thunks returns the trampolines recorded for image.
func (t *Tracker) Thunks(image Image) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.images[image])
}

// Images returns every image with live thunks, in ascending order.
func (t *Tracker) Images() []Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Image, 0, len(t.images))
	for img := range t.images {
		out = append(out, img)
	}
	slices.Sort(out)
	return out
}
