package vm

import (
	"ebcvm/internal/bytecode"
)

// Control transfer handlers set IP themselves.

func (vm *VM) execBreak() {
	code := vm.fetch8(1)
	switch code {
	case bytecode.BreakRunaway:
		vm.fatal(ExceptBadBreak, "runaway break")
		return
	case bytecode.BreakGetVersion:
		vm.R[7] = Version
	case bytecode.BreakDebugger:
		vm.StopFlags |= StopBreakpoint
		vm.signal(ExceptBreakpoint, SeverityNone, "break 3")
	case bytecode.BreakSystemCall:
	case bytecode.BreakCreateThunk:
		vm.breakCreateThunk()
	case bytecode.BreakCompilerVersion:
		vm.CompilerVersion = uint32(vm.R[7]) //nolint:gosec
	default:
		vm.fatal(ExceptBadBreak, "break code %d", code)
		return
	}
	vm.IP += 2
}

// breakCreateThunk replaces the relative entry point stored at @R7 with a
// trampoline address.
func (vm *VM) breakCreateThunk() {
	addr := vm.R[7]
	off := int64(int32(vm.read32(addr))) //nolint:gosec
	entry := addr + uint64(off) + 4      //nolint:gosec
	if vm.opts.Host == nil {
		vm.signal(ExceptBadBreak, SeverityError, "no host to create a thunk for 0x%x", entry)
		return
	}
	thunk, err := vm.opts.Host.CreateThunk(vm.ImageHandle, entry, 0)
	if err != nil {
		vm.signal(ExceptBadBreak, SeverityError, "create thunk for 0x%x: %v", entry, err)
		return
	}
	vm.write64(addr, thunk)
}

// skipBranch reports whether a conditional branch is not taken.
func (vm *VM) skipBranch(conditional, ifSet bool) bool {
	if !conditional {
		return false
	}
	if ifSet {
		return !vm.cc()
	}
	return vm.cc()
}

func (vm *VM) execJmp() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)

	size := uint64(2)
	if op&bytecode.ModImm != 0 {
		size = 6
		if op&bytecode.Mod64 != 0 {
			size = 10
		}
	}
	if vm.skipBranch(operands&bytecode.JmpCond != 0, operands&bytecode.JmpCS != 0) {
		vm.IP += size
		return
	}
	reg, indirect := bytecode.Operand1(operands)
	relative := operands&bytecode.JmpRelative != 0

	if op&bytecode.Mod64 != 0 {
		if indirect {
			vm.fatal(ExceptInstructionEncoding, "JMP64 with indirect operand")
			return
		}
		imm := vm.imm64(2)
		if imm&1 != 0 {
			vm.fatal(ExceptAlignmentCheck, "jump target 0x%x not 2-byte aligned", imm)
			return
		}
		if relative {
			vm.IP += imm + 10
		} else {
			vm.IP = imm
		}
		return
	}

	var field int64
	if op&bytecode.ModImm != 0 {
		if indirect {
			field = vm.index32(2)
		} else {
			field = int64(int32(vm.imm32(2))) //nolint:gosec
		}
	}
	var base uint64
	if reg != 0 {
		base = vm.R[reg]
	}
	target := base + uint64(field) //nolint:gosec
	if indirect {
		target = vm.readN(target)
	}
	if target&1 != 0 {
		vm.fatal(ExceptAlignmentCheck, "jump target 0x%x not 2-byte aligned", target)
		return
	}
	if relative {
		vm.IP += target + size
	} else {
		vm.IP = target
	}
}

func (vm *VM) execJmp8() {
	op := vm.fetch8(0)
	if vm.skipBranch(op&bytecode.Jmp8Cond != 0, op&bytecode.Jmp8CS != 0) {
		vm.IP += 2
		return
	}
	off := int64(int8(vm.fetch8(1))) //nolint:gosec
	vm.IP += uint64(off*2) + 2       //nolint:gosec
}

// pushFrame saves FramePtr and the return address as two 8-byte slots.
func (vm *VM) pushFrame(ret uint64) {
	vm.R[0] -= 8
	vm.writeN(vm.R[0], vm.FramePtr)
	vm.FramePtr = vm.R[0]
	vm.R[0] -= 8
	vm.write64(vm.R[0], ret)
}

func (vm *VM) execCall() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	reg, indirect := bytecode.Operand1(operands)
	native := operands&bytecode.CallNative != 0
	relative := operands&bytecode.CallRelative != 0

	size := uint64(2)
	var field int64
	switch {
	case op&bytecode.ModImm != 0 && op&bytecode.Mod64 != 0:
		size = 10
	case op&bytecode.ModImm != 0:
		size = 6
		if indirect {
			field = vm.index32(2)
		} else {
			field = int64(int32(vm.imm32(2))) //nolint:gosec
		}
	}

	if !native {
		vm.pushFrame(vm.IP + size)
	}

	if size == 10 {
		target := vm.imm64(2)
		if native {
			vm.callEx(target, size)
		} else {
			vm.IP = target
		}
		return
	}

	var target uint64
	if reg != 0 {
		target = vm.R[reg]
	}
	if indirect {
		target = vm.readN(target + uint64(field)) //nolint:gosec
	} else {
		target += uint64(field) //nolint:gosec
	}

	switch {
	case !native && relative:
		vm.IP += target + size
	case !native:
		vm.IP = target
	case relative:
		vm.callEx(target+vm.IP+size, size)
	default:
		vm.callEx(target, size)
	}
}

func (vm *VM) execRet() {
	if vm.R[0] == vm.StackRetAddr {
		vm.StopFlags |= StopAppDone
		return
	}
	if vm.R[0]&1 != 0 {
		vm.fatal(ExceptAlignmentCheck, "stack pointer 0x%x not 2-byte aligned on return", vm.R[0])
		return
	}
	vm.IP = vm.read64(vm.R[0])
	vm.R[0] += 8
	vm.FramePtr = vm.readN(vm.R[0])
	vm.R[0] += 8
}
