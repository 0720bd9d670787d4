// Package stackpool hands out the fixed set of execution stacks that back
// concurrent bytecode invocations.
package stackpool

import (
	"errors"
	"fmt"
	"sync"

	"fortio.org/safecast"

	"ebcvm/internal/memory"
)

const (
	// DefaultCapacity is the number of stacks in a pool.
	DefaultCapacity = 4
	// DefaultBufferSize is the size of one stack buffer.
	DefaultBufferSize = 1024 * 1020
)

var (
	// ErrOutOfResources is returned when every buffer is in use.
	ErrOutOfResources = errors.New("out of resources: no free stack buffer")
	// ErrNotInUse is returned when releasing a buffer that is already free.
	ErrNotInUse = errors.New("stack buffer is not in use")
)

// Owner tags a buffer with its user. Free is the zero value.
type Owner uint64

// Free marks an unowned buffer.
const Free Owner = 0

// Buffer is one pre-allocated stack. Base is its address in the VM address
// space once the pool is mapped.
type Buffer struct {
	Index int
	Base  uint64
	Data  []byte
}

// Top returns the first address past the buffer.
func (b *Buffer) Top() uint64 {
	return b.Base + uint64(len(b.Data))
}

// Config sizes a pool. Buffers are laid out at Base, Base+Stride, ...
// Stride defaults to BufferSize rounded up to 64 KiB, leaving an unmapped
// hole between stacks.
type Config struct {
	Capacity   int
	BufferSize int
	Base       uint64
	Stride     uint64
}

// Pool is a fixed-capacity set of stack buffers. The owner table is the
// only mutable state and is guarded by mu; nothing holds mu while bytecode
// runs.
type Pool struct {
	mu      sync.Mutex
	buffers []*Buffer
	owners  []Owner
}

// New allocates every buffer up front.
func New(cfg Config) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	size, err := safecast.Conv[uint64](cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("stack pool: %w", err)
	}
	if cfg.Stride == 0 {
		cfg.Stride = (size + 0xFFFF) &^ 0xFFFF
	}
	if cfg.Stride < size {
		return nil, fmt.Errorf("stack pool: stride 0x%x smaller than buffer size 0x%x", cfg.Stride, size)
	}

	p := &Pool{
		buffers: make([]*Buffer, cfg.Capacity),
		owners:  make([]Owner, cfg.Capacity),
	}
	for i := range p.buffers {
		p.buffers[i] = &Buffer{
			Index: i,
			Base:  cfg.Base + uint64(i)*cfg.Stride, //nolint:gosec
			Data:  make([]byte, cfg.BufferSize),
		}
	}
	return p, nil
}

// MapInto maps every buffer into space at its Base.
func (p *Pool) MapInto(space *memory.Space) error {
	for _, b := range p.buffers {
		if _, err := space.Map(fmt.Sprintf("stack%d", b.Index), b.Base, b.Data); err != nil {
			return err
		}
	}
	return nil
}

// Capacity returns the number of buffers.
func (p *Pool) Capacity() int { return len(p.buffers) }

// Acquire claims the first free buffer for owner. The buffer is returned
// as-is; its previous contents are not cleared.
func (p *Pool) Acquire(owner Owner) (*Buffer, error) {
	if owner == Free {
		return nil, errors.New("stack pool: owner must be non-zero")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.owners {
		if o == Free {
			p.owners[i] = owner
			return p.buffers[i], nil
		}
	}
	return nil, ErrOutOfResources
}

// Release returns a buffer to the pool.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.Index < 0 || b.Index >= len(p.buffers) || p.buffers[b.Index] != b {
		return errors.New("stack pool: buffer does not belong to this pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owners[b.Index] == Free {
		return ErrNotInUse
	}
	p.owners[b.Index] = Free
	return nil
}

// ReleaseAs returns b to the pool only while it is still tagged with owner.
// A buffer already reclaimed by ReleaseOwner, and possibly handed to someone
// else, is left alone and ErrNotInUse is returned.
func (p *Pool) ReleaseAs(b *Buffer, owner Owner) error {
	if b == nil || b.Index < 0 || b.Index >= len(p.buffers) || p.buffers[b.Index] != b {
		return errors.New("stack pool: buffer does not belong to this pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner == Free || p.owners[b.Index] != owner {
		return ErrNotInUse
	}
	p.owners[b.Index] = Free
	return nil
}

// ReleaseOwner frees every buffer tagged with owner and reports how many
// were freed.
func (p *Pool) ReleaseOwner(owner Owner) int {
	if owner == Free {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i, o := range p.owners {
		if o == owner {
			p.owners[i] = Free
			n++
		}
	}
	return n
}

// Owner returns the current tag of buffer i.
func (p *Pool) Owner(i int) Owner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners[i]
}

// InUse returns the number of claimed buffers.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.owners {
		if o != Free {
			n++
		}
	}
	return n
}
