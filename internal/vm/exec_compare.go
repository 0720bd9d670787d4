package vm

import "ebcvm/internal/bytecode"

// compare evaluates one of the five relations. Compares write only CC.
func compare(op bytecode.Opcode, wide bool, a, b uint64) bool {
	if !wide {
		sa, sb := int32(a), int32(b)   //nolint:gosec
		ua, ub := uint32(a), uint32(b) //nolint:gosec
		switch op {
		case bytecode.OpCmpEq, bytecode.OpCmpiEq:
			return ua == ub
		case bytecode.OpCmpLte, bytecode.OpCmpiLte:
			return sa <= sb
		case bytecode.OpCmpGte, bytecode.OpCmpiGte:
			return sa >= sb
		case bytecode.OpCmpUlte, bytecode.OpCmpiUlte:
			return ua <= ub
		case bytecode.OpCmpUgte, bytecode.OpCmpiUgte:
			return ua >= ub
		}
		return false
	}
	sa, sb := int64(a), int64(b) //nolint:gosec
	switch op {
	case bytecode.OpCmpEq, bytecode.OpCmpiEq:
		return a == b
	case bytecode.OpCmpLte, bytecode.OpCmpiLte:
		return sa <= sb
	case bytecode.OpCmpGte, bytecode.OpCmpiGte:
		return sa >= sb
	case bytecode.OpCmpUlte, bytecode.OpCmpiUlte:
		return a <= b
	case bytecode.OpCmpUgte, bytecode.OpCmpiUgte:
		return a >= b
	}
	return false
}

func (vm *VM) execCmp() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, _ := bytecode.Operand1(operands)
	r2, indirect2 := bytecode.Operand2(operands)
	wide := op&bytecode.Mod64 != 0

	size := uint64(2)
	var idx int64
	if op&bytecode.ModImm != 0 {
		if indirect2 {
			idx = vm.index16(2)
		} else {
			idx = int64(int16(vm.imm16(2))) //nolint:gosec
		}
		size = 4
	}

	op2 := vm.R[r2] + uint64(idx) //nolint:gosec
	if indirect2 {
		if wide {
			op2 = vm.read64(op2)
		} else {
			op2 = uint64(vm.read32(op2))
		}
	}
	vm.setCC(compare(bytecode.OpcodeOf(op), wide, vm.R[r1], op2))
	vm.IP += size
}

func (vm *VM) execCmpi() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, indirect1 := bytecode.Operand1(operands)
	wide := op&bytecode.Mod64 != 0
	hasIndex := operands&bytecode.CmpiIndex != 0

	size := uint64(2)
	var idx int64
	if hasIndex {
		idx = vm.index16(2)
		size += 2
	}

	immSize := uint64(2)
	if op&bytecode.ModCmpiImm32 != 0 {
		immSize = 4
	}

	op1 := vm.R[r1]
	if indirect1 {
		addr := op1 + uint64(idx) //nolint:gosec
		if wide {
			op1 = vm.read64(addr)
		} else {
			op1 = uint64(vm.read32(addr))
		}
	} else if hasIndex {
		vm.signal(ExceptInstructionEncoding, SeverityError, "CMPI with index on a direct operand")
		vm.IP += size + immSize
		return
	}

	var op2 uint64
	if immSize == 4 {
		op2 = sext32(uint64(vm.imm32(size)))
	} else {
		op2 = uint64(int64(int16(vm.imm16(size)))) //nolint:gosec
	}
	vm.setCC(compare(bytecode.OpcodeOf(op), wide, op1, op2))
	vm.IP += size + immSize
}
