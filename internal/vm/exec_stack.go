package vm

import "ebcvm/internal/bytecode"

// stackOperand decodes {@}R1 {idx16} for the push/pop family and advances IP
// past the instruction.
func (vm *VM) stackOperand() (op uint8, reg uint8, indirect bool, idx int64) {
	op = vm.fetch8(0)
	operands := vm.fetch8(1)
	reg, indirect = bytecode.Operand1(operands)
	if op&bytecode.ModImm != 0 {
		if indirect {
			idx = vm.index16(2)
		} else {
			idx = int64(int16(vm.imm16(2))) //nolint:gosec
		}
		vm.IP += 4
	} else {
		vm.IP += 2
	}
	return op, reg, indirect, idx
}

func (vm *VM) execPush() {
	op, reg, indirect, idx := vm.stackOperand()
	addr := vm.R[reg] + uint64(idx) //nolint:gosec
	if op&bytecode.Mod64 != 0 {
		data := addr
		if indirect {
			data = vm.read64(addr)
		}
		vm.R[0] -= 8
		vm.write64(vm.R[0], data)
		return
	}
	data := uint32(addr) //nolint:gosec
	if indirect {
		data = vm.read32(addr)
	}
	vm.R[0] -= 4
	vm.write32(vm.R[0], data)
}

func (vm *VM) execPushn() {
	_, reg, indirect, idx := vm.stackOperand()
	data := vm.R[reg] + uint64(idx) //nolint:gosec
	if indirect {
		data = vm.readN(data)
	}
	vm.R[0] -= vm.natural()
	vm.writeN(vm.R[0], data)
}

func (vm *VM) execPop() {
	op, reg, indirect, idx := vm.stackOperand()
	if op&bytecode.Mod64 != 0 {
		data := vm.read64(vm.R[0])
		vm.R[0] += 8
		if indirect {
			vm.write64(vm.R[reg]+uint64(idx), data) //nolint:gosec
		} else {
			vm.R[reg] = data + uint64(idx) //nolint:gosec
		}
		return
	}
	data := vm.read32(vm.R[0])
	vm.R[0] += 4
	if indirect {
		vm.write32(vm.R[reg]+uint64(idx), data) //nolint:gosec
	} else {
		vm.R[reg] = uint64(data + uint32(idx)) //nolint:gosec
	}
}

func (vm *VM) execPopn() {
	_, reg, indirect, idx := vm.stackOperand()
	data := vm.readN(vm.R[0])
	vm.R[0] += vm.natural()
	if indirect {
		vm.writeN(vm.R[reg]+uint64(idx), data) //nolint:gosec
	} else {
		vm.R[reg] = (data + uint64(idx)) & vm.naturalMask() //nolint:gosec
	}
}

// execLoadsp handles LOADSP [FLAGS], R2.
func (vm *VM) execLoadsp() {
	operands := vm.fetch8(1)
	dst, _ := bytecode.Operand1(operands)
	src, _ := bytecode.Operand2(operands)
	if dst != 0 {
		vm.signal(ExceptInstructionEncoding, SeverityWarning, "LOADSP to dedicated register %d", dst)
		vm.IP += 2
		return
	}
	vm.Flags = vm.Flags&^bytecode.FlagAllValid | vm.R[src]&bytecode.FlagAllValid
	vm.IP += 2
}

// execStoresp handles STORESP R1, [FLAGS|IP].
func (vm *VM) execStoresp() {
	operands := vm.fetch8(1)
	dst, _ := bytecode.Operand1(operands)
	src, _ := bytecode.Operand2(operands)
	switch src {
	case 0:
		vm.R[dst] = vm.Flags
	case 1:
		vm.R[dst] = vm.IP + 2
	default:
		vm.signal(ExceptInstructionEncoding, SeverityWarning, "STORESP from dedicated register %d", src)
	}
	vm.IP += 2
}
