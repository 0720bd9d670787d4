// Package engine is the host side of the interpreter: it owns the address
// space, the stack pool, the trampoline tracker and the native table, and
// runs bytecode calls on behalf of the embedder.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"

	"ebcvm/internal/config"
	"ebcvm/internal/memory"
	"ebcvm/internal/stackpool"
	"ebcvm/internal/thunk"
	"ebcvm/internal/trace"
	"ebcvm/internal/vm"
)

var (
	// ErrNotCallable is returned by CallNative for an address that is
	// neither a registered native nor a trampoline.
	ErrNotCallable = errors.New("address is not callable")
	// ErrNativeTableFull is returned when every native slot is taken.
	ErrNativeTableFull = errors.New("native table full")
	// ErrInvalidImage is returned for the zero image handle.
	ErrInvalidImage = errors.New("invalid image handle")
)

// FlagEntryPoint selects the image-entry bridge in CreateThunk.
const FlagEntryPoint uint32 = 1

// Bridge native names.
const (
	InterpretBridge  = "ebc.interpret"
	ImageEntryBridge = "ebc.image-entry"
)

// anonymousOwner marks stack owners that are not image handles.
const anonymousOwner = stackpool.Owner(1) << 63

// NativeFunc implements a host function callable from bytecode.
type NativeFunc func(args []uint64) (uint64, error)

type bridgeFunc func(entry uint64, args []uint64) (uint64, error)

type native struct {
	name   string
	addr   uint64
	fn     NativeFunc
	bridge bridgeFunc
}

// Option customises an Engine.
type Option func(*Engine)

// WithTracer routes engine and VM events to t.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithHooks installs per-instruction hooks on every VM the engine creates.
// Hooks shared across concurrent calls must be safe for concurrent use.
func WithHooks(h ...vm.Hooks) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h...) }
}

// WithPolicy overrides the configured fault policy.
func WithPolicy(p vm.FaultPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// Stats reports engine counters.
type Stats struct {
	// NativeCalls counts calls that crossed into a Go native. Calls that
	// resolve to bytecode through a trampoline are not counted.
	NativeCalls uint64
	Executions  uint64
	Thunks      int
	StacksInUse int
}

// Engine runs bytecode calls over a shared address space.
type Engine struct {
	cfg     config.Config
	natural int
	policy  vm.FaultPolicy

	space  *memory.Space
	pool   *stackpool.Pool
	arena  *thunk.Arena
	thunks *thunk.Tracker
	debug  *vm.DebugSupport
	tracer trace.Tracer
	hooks  []vm.Hooks

	mu         sync.RWMutex
	natives    map[uint64]*native
	byName     map[string]*native
	nativeNext int

	interpBridge uint64
	entryBridge  uint64

	nativeCalls atomic.Uint64
	executions  atomic.Uint64
	anon        atomic.Uint64
}

// New validates cfg and lays out the address space: the stack pool, the
// trampoline arena and the native stub region, with the two bridges
// registered first.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	policy, _ := cfg.Policy()
	interval, _ := cfg.PeriodicInterval()
	stride, _ := cfg.StackStride()

	e := &Engine{
		cfg:     cfg,
		natural: cfg.VM.NativeWidth,
		policy:  policy,
		space:   memory.NewSpace(),
		debug:   vm.NewDebugSupport(interval),
		tracer:  trace.Nop,
		natives: make(map[uint64]*native),
		byName:  make(map[string]*native),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = trace.Nop
	}

	pool, err := stackpool.New(stackpool.Config{
		Capacity:   cfg.Stack.PoolSize,
		BufferSize: cfg.Stack.BufferSize,
		Base:       cfg.Stack.Base,
		Stride:     stride,
	})
	if err != nil {
		return nil, err
	}
	if err := pool.MapInto(e.space); err != nil {
		return nil, fmt.Errorf("map stack pool: %w", err)
	}
	e.pool = pool

	e.arena = thunk.NewArena(cfg.Thunk.Base, cfg.Thunk.Slots)
	if err := e.arena.MapInto(e.space); err != nil {
		return nil, fmt.Errorf("map trampoline arena: %w", err)
	}
	e.thunks = thunk.NewTracker(e.arena)

	stubs := make([]byte, cfg.Native.Slots*config.NativeSlotSize)
	if _, err := e.space.Map("natives", cfg.Native.Base, stubs); err != nil {
		return nil, fmt.Errorf("map native stubs: %w", err)
	}
	if e.interpBridge, err = e.register(InterpretBridge, nil, e.interpret); err != nil {
		return nil, err
	}
	if e.entryBridge, err = e.register(ImageEntryBridge, nil, e.imageEntry); err != nil {
		return nil, err
	}

	trace.Point(e.tracer, trace.ScopeEngine, "init",
		fmt.Sprintf("natural=%d stacks=%d policy=%s", e.natural, pool.Capacity(), e.policy))
	return e, nil
}

// Close stops the periodic debug tick source.
func (e *Engine) Close() error {
	e.debug.Close()
	return e.tracer.Flush()
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

// Space returns the shared address space.
func (e *Engine) Space() *memory.Space { return e.space }

// Debug returns the debug registrations shared by every call.
func (e *Engine) Debug() *vm.DebugSupport { return e.debug }

// Version returns the interpreter version reported by BREAK 1.
func (e *Engine) Version() uint64 { return vm.Version }

// Bridges returns the interpreter and image-entry bridge addresses.
func (e *Engine) Bridges() (interp, entry uint64) { return e.interpBridge, e.entryBridge }

// MapImage maps a flat bytecode image at base. The slice is used in place.
func (e *Engine) MapImage(name string, base uint64, code []byte) (*memory.Region, error) {
	n, err := safecast.Conv[uint64](len(code))
	if err != nil {
		return nil, err
	}
	if region, ok := e.cfg.Reserved(base, n); ok {
		return nil, fmt.Errorf("map image %s at 0x%x: overlaps the %s region", name, base, region)
	}
	r, err := e.space.Map(name, base, code)
	if err != nil {
		return nil, fmt.Errorf("map image: %w", err)
	}
	trace.Point(e.tracer, trace.ScopeEngine, "map", fmt.Sprintf("%s [0x%x, 0x%x)", name, r.Base, r.End()))
	return r, nil
}

// RegisterNative assigns fn a stub address bytecode can CALLEX.
func (e *Engine) RegisterNative(name string, fn NativeFunc) (uint64, error) {
	if fn == nil {
		return 0, fmt.Errorf("native %q: %w", name, vm.ErrInvalidParameter)
	}
	return e.register(name, fn, nil)
}

func (e *Engine) register(name string, fn NativeFunc, bridge bridgeFunc) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.byName[name]; dup {
		return 0, fmt.Errorf("native %q already registered", name)
	}
	if e.nativeNext >= e.cfg.Native.Slots {
		return 0, fmt.Errorf("%w: %d slots", ErrNativeTableFull, e.cfg.Native.Slots)
	}
	addr := e.cfg.Native.Base + uint64(e.nativeNext)*config.NativeSlotSize //nolint:gosec
	e.nativeNext++
	n := &native{name: name, addr: addr, fn: fn, bridge: bridge}
	e.natives[addr] = n
	e.byName[name] = n
	return addr, nil
}

// Native returns the stub address of a registered native.
func (e *Engine) Native(name string) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.byName[name]
	if !ok {
		return 0, false
	}
	return n.addr, true
}

// NativeName returns the name registered at addr.
func (e *Engine) NativeName(addr uint64) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.natives[addr]
	if !ok {
		return "", false
	}
	return n.name, true
}

// RegisterICacheFlush installs the instruction cache flush hook used after
// trampolines are written and by InvalidateInstructionCache.
func (e *Engine) RegisterICacheFlush(fn func(addr uint64, n int)) {
	e.thunks.SetFlush(fn)
	e.debug.SetICacheFlush(fn)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	thunks := 0
	for _, img := range e.thunks.Images() {
		thunks += len(e.thunks.Thunks(img))
	}
	return Stats{
		NativeCalls: e.nativeCalls.Load(),
		Executions:  e.executions.Load(),
		Thunks:      thunks,
		StacksInUse: e.pool.InUse(),
	}
}

func (e *Engine) vmOptions() vm.Options {
	return vm.Options{
		Policy: e.policy,
		Host:   host{e},
		Bridge: e.interpBridge,
		Debug:  e.debug,
		Hooks:  e.hooks,
		Trace:  e.tracer,
	}
}

// host adapts the engine to the VM's outgoing interface.
type host struct{ e *Engine }

func (h host) CallNative(target uint64, args []uint64) (uint64, error) {
	return h.e.callNative(target, args)
}

func (h host) CreateThunk(image, entry uint64, flags uint32) (uint64, error) {
	return h.e.CreateThunk(image, entry, flags)
}
