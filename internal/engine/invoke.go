package engine

import (
	"errors"
	"fmt"
	"strconv"

	"ebcvm/internal/memory"
	"ebcvm/internal/stackpool"
	"ebcvm/internal/thunk"
	"ebcvm/internal/trace"
	"ebcvm/internal/vm"
)

// Invocation is one bytecode call bound to a stack buffer. It is not safe
// for concurrent use.
type Invocation struct {
	e      *Engine
	vm     *vm.VM
	buf    *stackpool.Buffer
	owner  stackpool.Owner
	span   *trace.Span
	closed bool
}

// VM exposes the register file for debuggers and tests.
func (inv *Invocation) VM() *vm.VM { return inv.vm }

// Stack returns the buffer the call runs on.
func (inv *Invocation) Stack() *stackpool.Buffer { return inv.buf }

// Step executes one instruction.
func (inv *Invocation) Step() error { return inv.vm.Step() }

// Run executes until the call stops and returns its result.
func (inv *Invocation) Run() vm.Result {
	inv.vm.Run()
	return inv.vm.Result()
}

// Result returns the current outcome without running.
func (inv *Invocation) Result() vm.Result { return inv.vm.Result() }

// Close ends the trace span and returns the stack buffer. A buffer already
// reclaimed by ReleaseImage is not touched.
func (inv *Invocation) Close() error {
	if inv == nil || inv.closed {
		return nil
	}
	inv.closed = true
	res := inv.vm.Result()
	inv.span.WithExtra("steps", strconv.FormatUint(res.Steps, 10)).
		WithExtra("r7", fmt.Sprintf("0x%x", res.Value)).
		End(res.Reason.String())
	if err := inv.e.pool.ReleaseAs(inv.buf, inv.owner); err != nil && !errors.Is(err, stackpool.ErrNotInUse) {
		return err
	}
	return nil
}

// Start prepares a generic call on a fresh stack buffer. Missing arguments
// are passed as zero.
func (e *Engine) Start(entry uint64, args ...uint64) (*Invocation, error) {
	if len(args) > vm.MaxArgs {
		return nil, fmt.Errorf("execute 0x%x: %w: %d > %d", entry, vm.ErrTooManyArgs, len(args), vm.MaxArgs)
	}
	owner := anonymousOwner | stackpool.Owner(e.anon.Add(1))
	return e.start(owner, "execute", func(m *vm.VM, frame vm.StackFrame) error {
		return m.Prepare(frame, entry, args)
	})
}

// StartImageEntry prepares an image entry point call. The stack buffer is
// tagged with the image until the call closes or the image is released.
func (e *Engine) StartImageEntry(image, entry, systemTable uint64) (*Invocation, error) {
	owner := stackpool.Owner(image)
	if owner == stackpool.Free || owner&anonymousOwner != 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrInvalidImage, image)
	}
	return e.start(owner, "image-entry", func(m *vm.VM, frame vm.StackFrame) error {
		return m.PrepareImageEntry(frame, entry, image, systemTable)
	})
}

func (e *Engine) start(owner stackpool.Owner, name string, prepare func(*vm.VM, vm.StackFrame) error) (*Invocation, error) {
	buf, err := e.pool.Acquire(owner)
	if err != nil {
		trace.Fault(e.tracer, trace.ScopeEngine, "stack", err.Error())
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	machine := vm.New(memory.NewAccessor(e.space, e.natural), e.vmOptions())
	if err := prepare(machine, vm.StackFrame{Base: buf.Base, Size: len(buf.Data)}); err != nil {
		e.pool.ReleaseAs(buf, owner) //nolint:errcheck
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	e.executions.Add(1)
	span := trace.Begin(e.tracer, trace.ScopeCall, name, 0).
		WithExtra("entry", fmt.Sprintf("0x%x", machine.EntryPoint)).
		WithExtra("stack", strconv.Itoa(buf.Index))
	return &Invocation{e: e, vm: machine, buf: buf, owner: owner, span: span}, nil
}

// Execute runs a generic call to completion. A fault is reported in the
// result; the error covers setup failures such as an exhausted stack pool.
func (e *Engine) Execute(entry uint64, args ...uint64) (vm.Result, error) {
	inv, err := e.Start(entry, args...)
	if err != nil {
		return vm.Result{}, err
	}
	res := inv.Run()
	return res, inv.Close()
}

// ExecuteImageEntry runs an image entry point with the image handle and
// system table as its arguments.
func (e *Engine) ExecuteImageEntry(image, entry, systemTable uint64) (vm.Result, error) {
	inv, err := e.StartImageEntry(image, entry, systemTable)
	if err != nil {
		return vm.Result{}, err
	}
	res := inv.Run()
	return res, inv.Close()
}

// CreateThunk writes a trampoline for a bytecode entry point. FlagEntryPoint
// routes it through the image-entry bridge, otherwise the interpreter
// bridge is used.
func (e *Engine) CreateThunk(image, entry uint64, flags uint32) (uint64, error) {
	bridge := e.interpBridge
	if flags&FlagEntryPoint != 0 {
		bridge = e.entryBridge
	}
	addr, err := e.thunks.Create(thunk.Image(image), entry, bridge)
	if err != nil {
		trace.Fault(e.tracer, trace.ScopeEngine, "thunk", err.Error())
		return 0, err
	}
	trace.Point(e.tracer, trace.ScopeEngine, "thunk",
		fmt.Sprintf("image=0x%x entry=0x%x addr=0x%x", image, entry, addr))
	return addr, nil
}

// ReleaseImage frees the image's trampolines and any stack buffer still
// tagged with it. It returns the number of trampolines freed.
func (e *Engine) ReleaseImage(image uint64) (int, error) {
	n, err := e.thunks.Release(thunk.Image(image))
	stacks := 0
	if owner := stackpool.Owner(image); owner != stackpool.Free && owner&anonymousOwner == 0 {
		stacks = e.pool.ReleaseOwner(owner)
	}
	if err != nil && (!errors.Is(err, thunk.ErrUnknownImage) || stacks == 0) {
		return 0, err
	}
	trace.Point(e.tracer, trace.ScopeEngine, "unload",
		fmt.Sprintf("image=0x%x thunks=%d stacks=%d", image, n, stacks))
	return n, nil
}

// CallNative calls target from the host side. A registered native runs
// its Go function; a trampoline enters its bridge with the embedded entry
// point, which runs the bytecode on a fresh stack buffer.
func (e *Engine) CallNative(target uint64, args ...uint64) (uint64, error) {
	return e.callNative(target, args)
}

func (e *Engine) callNative(target uint64, args []uint64) (uint64, error) {
	e.mu.RLock()
	n := e.natives[target]
	e.mu.RUnlock()
	if n != nil && n.fn != nil {
		e.nativeCalls.Add(1)
		trace.Point(e.tracer, trace.ScopeCall, "native",
			fmt.Sprintf("%s@0x%x args=%d", n.name, target, len(args)))
		return n.fn(args)
	}

	if code, err := e.space.ReadBytes(target, thunk.Size); err == nil {
		if entry, bridge, ok := thunk.Decode(code); ok {
			e.mu.RLock()
			b := e.natives[bridge]
			e.mu.RUnlock()
			if b != nil && b.bridge != nil {
				trace.Point(e.tracer, trace.ScopeCall, "trampoline",
					fmt.Sprintf("0x%x -> %s entry=0x%x", target, b.name, entry))
				return b.bridge(entry, args)
			}
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNotCallable, target)
}

// interpret is the interpreter bridge: the arguments become the call's
// arguments.
func (e *Engine) interpret(entry uint64, args []uint64) (uint64, error) {
	return bridgeResult(e.Execute(entry, args...))
}

// imageEntry is the image-entry bridge: the first two arguments are the
// image handle and the system table.
func (e *Engine) imageEntry(entry uint64, args []uint64) (uint64, error) {
	var image, systemTable uint64
	if len(args) > 0 {
		image = args[0]
	}
	if len(args) > 1 {
		systemTable = args[1]
	}
	return bridgeResult(e.ExecuteImageEntry(image, entry, systemTable))
}

func bridgeResult(res vm.Result, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	if res.Exception != nil {
		return res.Value, res.Exception
	}
	return res.Value, nil
}
