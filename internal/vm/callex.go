package vm

import (
	"ebcvm/internal/thunk"
)

// callEx handles CALL with the native bit. A target holding a trampoline
// through the interpreter bridge is a bytecode call in disguise and is
// entered directly on this VM; anything else goes to the host.
func (vm *VM) callEx(target, size uint64) {
	if entry, ok := vm.trampolineEntry(target); ok {
		vm.pushFrame(vm.IP + size)
		vm.IP = entry
		return
	}

	if vm.opts.Host == nil {
		vm.fatal(ExceptAccessViolation, "native call to 0x%x without a host", target)
		return
	}
	v, err := vm.opts.Host.CallNative(target, vm.outgoingArgs())
	if err != nil {
		vm.fatal(ExceptAccessViolation, "native call to 0x%x: %v", target, err)
		return
	}
	vm.R[7] = v
	vm.IP += size
}

func (vm *VM) trampolineEntry(target uint64) (uint64, bool) {
	if vm.opts.Bridge == 0 {
		return 0, false
	}
	code, err := vm.mem.Space().ReadBytes(target, thunk.Size)
	if err != nil {
		return 0, false
	}
	return thunk.Match(code, vm.opts.Bridge)
}

// outgoingArgs collects the natural-width words between the stack pointer
// and the frame pointer, at most MaxArgs of them.
func (vm *VM) outgoingArgs() []uint64 {
	n := vm.natural()
	var args []uint64
	for addr := vm.R[0]; addr+n <= vm.FramePtr && len(args) < MaxArgs; addr += n {
		args = append(args, vm.readN(addr))
	}
	return args
}
