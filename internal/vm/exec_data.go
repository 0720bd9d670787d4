package vm

import "ebcvm/internal/bytecode"

// execDataManip is the shared fetch, compute and writeback skeleton for the
// arithmetic and logic instructions: OP{32|64} {@}R1, {@}R2 {idx16}.
func (vm *VM) execDataManip() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	opc := bytecode.OpcodeOf(op)
	signed := opc.IsSigned()
	wide := op&bytecode.Mod64 != 0
	r1, indirect1 := bytecode.Operand1(operands)
	r2, indirect2 := bytecode.Operand2(operands)

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
			op2 = vm.extend32(uint64(vm.read32(op2)), signed)
		}
	} else if !wide {
		op2 = vm.extend32(op2, signed)
	}

	op1 := vm.R[r1]
	if indirect1 {
		if wide {
			op1 = vm.read64(op1)
		} else {
			op1 = vm.extend32(uint64(vm.read32(op1)), signed)
		}
	} else if !wide {
		op1 = vm.extend32(op1, signed)
	}

	result, ok := compute(opc, wide, op1, op2)
	if !ok {
		vm.fatal(ExceptDivideError, "%s by zero", opc)
		return
	}

	if indirect1 {
		if wide {
			vm.write64(vm.R[r1], result)
		} else {
			vm.write32(vm.R[r1], uint32(result)) //nolint:gosec
		}
	} else if wide {
		vm.R[r1] = result
	} else {
		vm.R[r1] = zext32(result)
	}
	vm.IP += size
}

func (vm *VM) extend32(v uint64, signed bool) uint64 {
	if signed {
		return sext32(v)
	}
	return zext32(v)
}

// compute applies one data manipulation. ok is false for a zero divisor.
func compute(op bytecode.Opcode, wide bool, a, b uint64) (uint64, bool) {
	switch op {
	case bytecode.OpNot:
		return ^b, true
	case bytecode.OpNeg:
		return -b, true
	case bytecode.OpAdd:
		return a + b, true
	case bytecode.OpSub:
		return a - b, true
	case bytecode.OpAnd:
		return a & b, true
	case bytecode.OpOr:
		return a | b, true
	case bytecode.OpXor:
		return a ^ b, true
	case bytecode.OpExtndb:
		return uint64(int64(int8(b))), true //nolint:gosec
	case bytecode.OpExtndw:
		return uint64(int64(int16(b))), true //nolint:gosec
	case bytecode.OpExtndd:
		return uint64(int64(int32(b))), true //nolint:gosec
	}
	if wide {
		return compute64(op, a, b)
	}
	return compute32(op, a, b)
}

func compute64(op bytecode.Opcode, a, b uint64) (uint64, bool) {
	sa, sb := int64(a), int64(b) //nolint:gosec
	switch op {
	case bytecode.OpMul:
		return uint64(sa * sb), true //nolint:gosec
	case bytecode.OpMulu:
		return a * b, true
	case bytecode.OpDiv:
		if sb == 0 {
			return 0, false
		}
		return uint64(sa / sb), true //nolint:gosec
	case bytecode.OpDivu:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case bytecode.OpMod:
		if sb == 0 {
			return 0, false
		}
		return uint64(sa % sb), true //nolint:gosec
	case bytecode.OpModu:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case bytecode.OpShl:
		return a << (b & 63), true
	case bytecode.OpShr:
		return a >> (b & 63), true
	case bytecode.OpAshr:
		return uint64(sa >> (b & 63)), true //nolint:gosec
	}
	return 0, true
}

func compute32(op bytecode.Opcode, a, b uint64) (uint64, bool) {
	sa, sb := int32(a), int32(b)   //nolint:gosec
	ua, ub := uint32(a), uint32(b) //nolint:gosec
	switch op {
	case bytecode.OpMul:
		return uint64(int64(sa * sb)), true //nolint:gosec
	case bytecode.OpMulu:
		return uint64(ua * ub), true
	case bytecode.OpDiv:
		if sb == 0 {
			return 0, false
		}
		return uint64(int64(sa / sb)), true //nolint:gosec
	case bytecode.OpDivu:
		if ub == 0 {
			return 0, false
		}
		return uint64(ua / ub), true
	case bytecode.OpMod:
		if sb == 0 {
			return 0, false
		}
		return uint64(int64(sa % sb)), true //nolint:gosec
	case bytecode.OpModu:
		if ub == 0 {
			return 0, false
		}
		return uint64(ua % ub), true
	case bytecode.OpShl:
		return uint64(ua << (ub & 31)), true
	case bytecode.OpShr:
		return uint64(ua >> (ub & 31)), true
	case bytecode.OpAshr:
		return uint64(int64(sa >> (ub & 31))), true //nolint:gosec
	}
	return 0, true
}
