package vm

import (
	"ebcvm/internal/bytecode"
)

// Code stream reads are relative to IP. A misaligned immediate is a warning;
// the value is still assembled and used.

func (vm *VM) fetch8(off uint64) uint8 {
	v, err := vm.mem.FetchCode8(vm.IP + off)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) misaligned(off uint64) {
	vm.signal(ExceptAlignmentCheck, SeverityWarning, "misaligned code read at 0x%x", vm.IP+off)
}

func (vm *VM) imm16(off uint64) uint16 {
	v, mis, err := vm.mem.FetchCode16(vm.IP + off)
	if err != nil {
		panic(accessFault{err})
	}
	if mis {
		vm.misaligned(off)
	}
	return v
}

func (vm *VM) imm32(off uint64) uint32 {
	v, mis, err := vm.mem.FetchCode32(vm.IP + off)
	if err != nil {
		panic(accessFault{err})
	}
	if mis {
		vm.misaligned(off)
	}
	return v
}

func (vm *VM) imm64(off uint64) uint64 {
	v, mis, err := vm.mem.FetchCode64(vm.IP + off)
	if err != nil {
		panic(accessFault{err})
	}
	if mis {
		vm.misaligned(off)
	}
	return v
}

func (vm *VM) index16(off uint64) int64 {
	return int64(bytecode.DecodeIndex16(vm.imm16(off), vm.mem.Natural()))
}

func (vm *VM) index32(off uint64) int64 {
	return int64(bytecode.DecodeIndex32(vm.imm32(off), vm.mem.Natural()))
}

func (vm *VM) index64(off uint64) int64 {
	return bytecode.DecodeIndex64(vm.imm64(off), vm.mem.Natural())
}

// Data accesses. Errors unwind the handler as an access violation.

func (vm *VM) read8(addr uint64) uint8 {
	v, err := vm.mem.Read8(addr)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) read16(addr uint64) uint16 {
	v, err := vm.mem.Read16(addr)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) read32(addr uint64) uint32 {
	v, err := vm.mem.Read32(addr)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) read64(addr uint64) uint64 {
	v, err := vm.mem.Read64(addr)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) readN(addr uint64) uint64 {
	v, err := vm.mem.ReadN(addr)
	if err != nil {
		panic(accessFault{err})
	}
	return v
}

func (vm *VM) write8(addr uint64, v uint8) {
	if err := vm.mem.Write8(addr, v); err != nil {
		panic(accessFault{err})
	}
}

func (vm *VM) write16(addr uint64, v uint16) {
	if err := vm.mem.Write16(addr, v); err != nil {
		panic(accessFault{err})
	}
}

func (vm *VM) write32(addr uint64, v uint32) {
	if err := vm.mem.Write32(addr, v); err != nil {
		panic(accessFault{err})
	}
}

func (vm *VM) write64(addr uint64, v uint64) {
	if err := vm.mem.Write64(addr, v); err != nil {
		panic(accessFault{err})
	}
}

func (vm *VM) writeN(addr uint64, v uint64) {
	if err := vm.mem.WriteN(addr, v); err != nil {
		panic(accessFault{err})
	}
}

// signExtendN sign-extends a natural-width value to 64 bits.
func (vm *VM) signExtendN(v uint64) uint64 {
	if vm.mem.Natural() == 4 {
		return uint64(int64(int32(v))) //nolint:gosec
	}
	return v
}

func sext32(v uint64) uint64 { return uint64(int64(int32(v))) } //nolint:gosec

func zext32(v uint64) uint64 { return v & 0xFFFFFFFF }

func (vm *VM) setCC(cond bool) {
	if cond {
		vm.Flags |= bytecode.FlagCC
	} else {
		vm.Flags &^= bytecode.FlagCC
	}
}

func (vm *VM) cc() bool {
	return vm.Flags&bytecode.FlagCC != 0
}
