// Package vm interprets EFI-style portable bytecode over a memory.Accessor.
//
// One VM runs one call on one stack buffer. It is strictly sequential; the
// only state shared with other calls lives in the stack pool and the
// trampoline tracker, both owned by the engine.
package vm

import (
	"errors"
	"fmt"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/memory"
	"ebcvm/internal/trace"
)

const (
	// Version is returned in R7 by BREAK 1.
	Version uint64 = 0x00010000

	// StackMagic is the guard word written at the top of the program stack.
	StackMagic uint64 = 0xDEADBEEF

	// StackRemainder is the part of the buffer below StackTop that the
	// program may not grow into.
	StackRemainder = 4096

	// SentinelReturn is pushed as the outermost return address.
	SentinelReturn uint64 = 0x1234567887654321

	// MaxArgs is the number of native-word arguments a call can carry.
	MaxArgs = 16
)

var (
	// ErrTooManyArgs is returned by Prepare for more than MaxArgs arguments.
	ErrTooManyArgs = errors.New("too many arguments")
	// ErrStackTooSmall is returned when the buffer cannot hold the frame.
	ErrStackTooSmall = errors.New("stack buffer too small")
)

// StopFlags records why the execution loop should stop.
type StopFlags uint8

const (
	StopAppDone    StopFlags = 1 << iota // call finished or faulted
	StopBreakpoint                       // BREAK 3 executed
)

// HaltReason classifies how a call ended.
type HaltReason uint8

const (
	HaltRunning HaltReason = iota
	HaltNormal
	HaltFault
)

func (r HaltReason) String() string {
	switch r {
	case HaltRunning:
		return "running"
	case HaltNormal:
		return "normal"
	case HaltFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Host provides the operations that leave the VM.
type Host interface {
	// CallNative performs a genuine native call with the outgoing argument
	// words and returns the value for R7.
	CallNative(target uint64, args []uint64) (uint64, error)
	// CreateThunk builds a trampoline for a bytecode entry point.
	CreateThunk(image, entry uint64, flags uint32) (uint64, error)
}

// Options configures a VM.
type Options struct {
	Policy FaultPolicy
	Host   Host
	// Bridge is the interpreter bridge address patched into trampolines
	// that CALLEX recognises as bytecode.
	Bridge uint64
	Debug  *DebugSupport
	Hooks  []Hooks
	Trace  trace.Tracer
}

// StackFrame is the buffer a call runs on.
type StackFrame struct {
	Base uint64
	Size int
}

// VM is the register file and bookkeeping of one call.
type VM struct {
	R        [8]uint64
	IP       uint64
	FramePtr uint64
	Flags    uint64

	StopFlags       StopFlags
	StackTop        uint64
	LowStackTop     uint64
	HighStackBottom uint64
	StackRetAddr    uint64
	StackMagicPtr   uint64
	StackCorrupted  bool

	ImageHandle     uint64
	SystemTable     uint64
	EntryPoint      uint64
	CompilerVersion uint32

	LastException  ExceptionType
	ExceptionFlags Severity
	Steps          uint64

	mem   *memory.Accessor
	opts  Options
	fault *Exception
}

// New creates a VM over mem.
func New(mem *memory.Accessor, opts Options) *VM {
	return &VM{mem: mem, opts: opts}
}

// Memory returns the accessor the VM reads and writes through.
func (vm *VM) Memory() *memory.Accessor { return vm.mem }

// Options returns the configuration the VM was created with.
func (vm *VM) Options() Options { return vm.opts }

func (vm *VM) natural() uint64 {
	return uint64(vm.mem.Natural()) //nolint:gosec
}

// naturalMask masks a value to the natural width.
func (vm *VM) naturalMask() uint64 {
	if vm.mem.Natural() == 4 {
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

// setupStack lays the guard word and the reserved gap at the top of the
// buffer and leaves R0 below them.
func (vm *VM) setupStack(stack StackFrame) error {
	n := vm.natural()
	if stack.Size < StackRemainder+int(n)+16+MaxArgs*int(n) {
		return fmt.Errorf("%w: %d bytes", ErrStackTooSmall, stack.Size)
	}
	vm.StackTop = stack.Base + StackRemainder
	vm.R[0] = stack.Base + uint64(stack.Size) //nolint:gosec
	vm.HighStackBottom = vm.R[0]
	vm.R[0] &^= n - 1
	vm.R[0] -= n

	space := vm.mem.Space()
	var err error
	if n == 4 {
		err = space.Store32(vm.R[0], uint32(StackMagic))
	} else {
		err = space.Store64(vm.R[0], StackMagic)
	}
	if err != nil {
		return fmt.Errorf("write stack guard: %w", err)
	}
	vm.StackMagicPtr = vm.R[0]
	vm.LowStackTop = vm.R[0]
	vm.mem.SetStackGap(vm.LowStackTop, vm.HighStackBottom)
	return nil
}

func (vm *VM) pushSetup(v uint64) error {
	vm.R[0] -= vm.natural()
	return vm.mem.WriteN(vm.R[0], v)
}

// finishSetup pushes the 16-byte sentinel return address.
func (vm *VM) finishSetup(entry uint64) error {
	vm.R[0] -= 8
	if err := vm.mem.Write64(vm.R[0], 0); err != nil {
		return err
	}
	vm.R[0] -= 8
	if err := vm.mem.Write64(vm.R[0], SentinelReturn); err != nil {
		return err
	}
	vm.StackRetAddr = vm.R[0]
	vm.FramePtr = vm.R[0] + 8
	vm.IP = entry
	vm.EntryPoint = entry
	return nil
}

// Prepare sets up a generic call: up to MaxArgs native-word arguments, with
// missing ones passed as zero.
func (vm *VM) Prepare(stack StackFrame, entry uint64, args []uint64) error {
	if len(args) > MaxArgs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), MaxArgs)
	}
	vm.reset()
	if err := vm.setupStack(stack); err != nil {
		return err
	}
	for i := MaxArgs - 1; i >= 0; i-- {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		if err := vm.pushSetup(v); err != nil {
			return fmt.Errorf("push argument %d: %w", i+1, err)
		}
	}
	return vm.finishSetup(entry)
}

// PrepareImageEntry sets up an image entry-point call with the image handle
// and system table as its two arguments.
func (vm *VM) PrepareImageEntry(stack StackFrame, entry, image, systemTable uint64) error {
	vm.reset()
	vm.ImageHandle = image
	vm.SystemTable = systemTable
	if err := vm.setupStack(stack); err != nil {
		return err
	}
	if err := vm.pushSetup(systemTable); err != nil {
		return fmt.Errorf("push system table: %w", err)
	}
	if err := vm.pushSetup(image); err != nil {
		return fmt.Errorf("push image handle: %w", err)
	}
	return vm.finishSetup(entry)
}

func (vm *VM) reset() {
	image, st := vm.ImageHandle, vm.SystemTable
	mem, opts := vm.mem, vm.opts
	*vm = VM{mem: mem, opts: opts, ImageHandle: image, SystemTable: st}
}

// Done reports whether the call has stopped.
func (vm *VM) Done() bool {
	return vm.StopFlags&StopAppDone != 0
}

// Reason classifies the current halt state.
func (vm *VM) Reason() HaltReason {
	switch {
	case !vm.Done():
		return HaltRunning
	case vm.fault != nil:
		return HaltFault
	default:
		return HaltNormal
	}
}

// Fault returns the exception that ended the call, if any.
func (vm *VM) Fault() *Exception { return vm.fault }

// Result is the outcome of a finished call.
type Result struct {
	Value     uint64
	Reason    HaltReason
	Exception *Exception
	Steps     uint64
}

// Result reports R7 and the halt state.
func (vm *VM) Result() Result {
	return Result{Value: vm.R[7], Reason: vm.Reason(), Exception: vm.fault, Steps: vm.Steps}
}

// Run steps until the call stops.
func (vm *VM) Run() HaltReason {
	vm.checkInitialGuard()
	for !vm.Done() {
		vm.Step() //nolint:errcheck
	}
	return vm.Reason()
}

// checkInitialGuard latches a guard word that is already wrong so it is
// not reported on every step.
func (vm *VM) checkInitialGuard() {
	if vm.Steps == 0 && !vm.guardIntact() {
		vm.StackCorrupted = true
	}
}

func (vm *VM) guardIntact() bool {
	space := vm.mem.Space()
	if vm.mem.Natural() == 4 {
		v, err := space.Load32(vm.StackMagicPtr)
		return err == nil && uint64(v) == StackMagic
	}
	v, err := space.Load64(vm.StackMagicPtr)
	return err == nil && v == StackMagic
}

// Step executes one instruction. It returns the fault that stopped the call
// when this step stopped it.
func (vm *VM) Step() (err error) {
	if vm.Done() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(accessFault)
			if !ok {
				panic(r)
			}
			vm.fatal(ExceptAccessViolation, "%v", f.err)
		}
		if vm.Done() && vm.fault != nil {
			err = vm.fault
		}
	}()

	for _, h := range vm.opts.Hooks {
		h.BeforeInstruction(vm)
	}

	op := vm.fetch8(0)
	exec := dispatch[bytecode.OpcodeOf(op)]
	if exec == nil {
		vm.fatal(ExceptInvalidOpcode, "opcode 0x%02x", op)
		return nil
	}

	vm.mem.Fence()
	exec(vm)
	vm.mem.Fence()
	vm.Steps++

	for _, h := range vm.opts.Hooks {
		h.AfterInstruction(vm)
	}

	if vm.Flags&bytecode.FlagStep != 0 {
		vm.signal(ExceptSingleStep, SeverityNone, "single step")
	}
	if !vm.StackCorrupted {
		switch {
		case !vm.guardIntact():
			vm.StackCorrupted = true
			vm.fatal(ExceptStackFault, "stack guard at 0x%x overwritten", vm.StackMagicPtr)
		case vm.R[0] < vm.StackTop:
			vm.StackCorrupted = true
			vm.fatal(ExceptStackFault, "stack pointer 0x%x below limit 0x%x", vm.R[0], vm.StackTop)
		}
	}
	if vm.opts.Debug != nil {
		vm.opts.Debug.poll(vm)
	}
	return nil
}

func (vm *VM) emitFault(e *Exception) {
	if vm.opts.Trace == nil {
		return
	}
	trace.Fault(vm.opts.Trace, trace.ScopeCall, e.Type.Code(), e.Error())
}
