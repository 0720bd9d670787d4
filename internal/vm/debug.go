package vm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidParameter is returned for an out-of-range exception type or
	// when clearing a callback that was never registered.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrAlreadyStarted is returned when registering over a callback.
	ErrAlreadyStarted = errors.New("callback already registered")
)

// SystemContext is the register file handed to debug callbacks. Changes are
// copied back into the VM when the callback returns.
type SystemContext struct {
	R            [8]uint64
	IP           uint64
	Flags        uint64
	ControlFlags uint64
}

// ExceptionCallback is invoked synchronously for each delivered exception
// of the type it is registered for.
type ExceptionCallback func(t ExceptionType, ctx *SystemContext)

// PeriodicCallback is invoked from the execution loop once per tick.
type PeriodicCallback func(ctx *SystemContext)

// Hooks observe every instruction. BeforeInstruction runs with IP at the
// instruction about to execute; AfterInstruction runs once it completed.
type Hooks interface {
	BeforeInstruction(vm *VM)
	AfterInstruction(vm *VM)
}

// DebugSupport holds the debugger registrations shared by every VM of an
// engine.
type DebugSupport struct {
	mu        sync.Mutex
	callbacks [MaxExceptionType + 1]ExceptionCallback
	periodic  PeriodicCallback
	interval  time.Duration
	ticker    *ticker
	flush     func(addr uint64, n int)

	pending atomic.Bool
}

// NewDebugSupport creates an empty registry. interval is the periodic
// callback period.
func NewDebugSupport(interval time.Duration) *DebugSupport {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &DebugSupport{interval: interval}
}

// RegisterExceptionCallback installs cb for t. A nil cb clears the slot.
func (d *DebugSupport) RegisterExceptionCallback(t ExceptionType, cb ExceptionCallback) error {
	if t > MaxExceptionType {
		return fmt.Errorf("%w: exception type %d", ErrInvalidParameter, t)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case cb == nil && d.callbacks[t] == nil:
		return fmt.Errorf("%w: no callback for %s", ErrInvalidParameter, t)
	case cb != nil && d.callbacks[t] != nil:
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, t)
	}
	d.callbacks[t] = cb
	return nil
}

// RegisterPeriodicCallback installs cb and starts the tick source. A nil cb
// clears the slot and stops it.
func (d *DebugSupport) RegisterPeriodicCallback(cb PeriodicCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case cb == nil && d.periodic == nil:
		return fmt.Errorf("%w: no periodic callback", ErrInvalidParameter)
	case cb != nil && d.periodic != nil:
		return fmt.Errorf("%w: periodic callback", ErrAlreadyStarted)
	}
	d.periodic = cb
	if cb != nil {
		d.ticker = startTicker(d.interval, &d.pending)
	} else {
		d.ticker.stop()
		d.ticker = nil
		d.pending.Store(false)
	}
	return nil
}

// SetICacheFlush installs the hook InvalidateInstructionCache forwards to.
func (d *DebugSupport) SetICacheFlush(fn func(addr uint64, n int)) {
	d.mu.Lock()
	d.flush = fn
	d.mu.Unlock()
}

// InvalidateInstructionCache forwards to the flush hook, if any.
func (d *DebugSupport) InvalidateInstructionCache(addr uint64, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: length %d", ErrInvalidParameter, n)
	}
	d.mu.Lock()
	fn := d.flush
	d.mu.Unlock()
	if fn != nil {
		fn(addr, n)
	}
	return nil
}

// Close stops the periodic tick source.
func (d *DebugSupport) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticker.stop()
	d.ticker = nil
}

func (vm *VM) context() SystemContext {
	return SystemContext{R: vm.R, IP: vm.IP, Flags: vm.Flags, ControlFlags: uint64(vm.StopFlags)}
}

func (vm *VM) restore(ctx *SystemContext) {
	vm.R = ctx.R
	vm.IP = ctx.IP
	vm.Flags = ctx.Flags
	vm.StopFlags = StopFlags(ctx.ControlFlags) //nolint:gosec
}

func (d *DebugSupport) deliver(vm *VM, t ExceptionType) {
	d.mu.Lock()
	cb := d.callbacks[t]
	d.mu.Unlock()
	if cb == nil {
		return
	}
	ctx := vm.context()
	cb(t, &ctx)
	vm.restore(&ctx)
}

// poll runs the periodic callback if a tick arrived since the last poll.
func (d *DebugSupport) poll(vm *VM) {
	if !d.pending.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	cb := d.periodic
	d.mu.Unlock()
	if cb == nil {
		return
	}
	ctx := vm.context()
	cb(&ctx)
	vm.restore(&ctx)
}

// ticker raises a pending flag at a fixed interval. The execution loop owns
// the registers, so the tick goroutine never touches the VM.
type ticker struct {
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func startTicker(interval time.Duration, pending *atomic.Bool) *ticker {
	t := &ticker{stopCh: make(chan struct{})}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				pending.Store(true)
			case <-t.stopCh:
				return
			}
		}
	}()
	return t
}

func (t *ticker) stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
