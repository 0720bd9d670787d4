package vm

import "ebcvm/internal/bytecode"

// moveBits returns the data size of a sized MOV; 0 means natural.
func moveBits(op bytecode.Opcode) int {
	switch op {
	case bytecode.OpMovbw, bytecode.OpMovbd:
		return 8
	case bytecode.OpMovww, bytecode.OpMovwd:
		return 16
	case bytecode.OpMovdw, bytecode.OpMovdd:
		return 32
	case bytecode.OpMovqw, bytecode.OpMovqd, bytecode.OpMovqq:
		return 64
	default:
		return 0
	}
}

func (vm *VM) widthMask(bits int) uint64 {
	switch bits {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFFFFFF
	case 64:
		return ^uint64(0)
	default:
		return vm.naturalMask()
	}
}

func (vm *VM) readIndex(width int, off uint64) int64 {
	switch width {
	case 2:
		return vm.index16(off)
	case 4:
		return vm.index32(off)
	default:
		return vm.index64(off)
	}
}

func (vm *VM) readSized(bits int, addr uint64) uint64 {
	switch bits {
	case 8:
		return uint64(vm.read8(addr))
	case 16:
		return uint64(vm.read16(addr))
	case 32:
		return uint64(vm.read32(addr))
	case 64:
		return vm.read64(addr)
	default:
		return vm.readN(addr)
	}
}

func (vm *VM) writeSized(bits int, addr, v uint64) {
	switch bits {
	case 8:
		vm.write8(addr, uint8(v)) //nolint:gosec
	case 16:
		vm.write16(addr, uint16(v)) //nolint:gosec
	case 32:
		vm.write32(addr, uint32(v)) //nolint:gosec
	case 64:
		vm.write64(addr, v)
	default:
		vm.writeN(addr, v)
	}
}

// execMov handles MOV{b|w|d|q|n}{w|d} and MOVqq: {@}R1 {idx}, {@}R2 {idx}.
func (vm *VM) execMov() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	opc := bytecode.OpcodeOf(op)
	r1, indirect1 := bytecode.Operand1(operands)
	r2, indirect2 := bytecode.Operand2(operands)
	hasIdx1 := op&bytecode.ModIdxOp1 != 0

	size := uint64(2)
	var idx1, idx2 int64
	if op&(bytecode.ModIdxOp1|bytecode.ModIdxOp2) != 0 {
		width := opc.MoveIndexWidth()
		if width == 0 {
			vm.fatal(ExceptInstructionEncoding, "%s cannot carry an index", opc)
			return
		}
		w := uint64(width) //nolint:gosec
		if hasIdx1 {
			idx1 = vm.readIndex(width, size)
			size += w
		}
		if op&bytecode.ModIdxOp2 != 0 {
			idx2 = vm.readIndex(width, size)
			size += w
		}
	}

	bits := moveBits(opc)
	mask := vm.widthMask(bits)

	src := vm.R[r2] + uint64(idx2) //nolint:gosec
	var data uint64
	if indirect2 {
		data = vm.readSized(bits, src)
	} else {
		data = src & mask
	}

	if indirect1 {
		vm.writeSized(bits, vm.R[r1]+uint64(idx1), data) //nolint:gosec
	} else {
		if hasIdx1 {
			vm.fatal(ExceptInstructionEncoding, "%s with index on a direct destination", opc)
			return
		}
		vm.R[r1] = data & mask
	}
	vm.IP += size
}

// execMovsn handles MOVsnw and MOVsnd: signed natural moves.
func (vm *VM) execMovsn() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, indirect1 := bytecode.Operand1(operands)
	r2, indirect2 := bytecode.Operand2(operands)
	width := bytecode.OpcodeOf(op).MoveIndexWidth()
	w := uint64(width) //nolint:gosec

	size := uint64(2)
	var idx1, field int64
	if op&bytecode.ModIdxOp1 != 0 {
		idx1 = vm.readIndex(width, size)
		size += w
	}
	if op&bytecode.ModIdxOp2 != 0 {
		if indirect2 {
			field = vm.readIndex(width, size)
		} else if width == 2 {
			field = int64(int16(vm.imm16(size))) //nolint:gosec
		} else {
			field = int64(int32(vm.imm32(size))) //nolint:gosec
		}
		size += w
	}

	op2 := vm.signExtendN(vm.R[r2] + uint64(field)) //nolint:gosec
	if indirect2 {
		op2 = vm.signExtendN(vm.readN(op2))
	}
	if indirect1 {
		vm.writeN(vm.R[r1]+uint64(idx1), op2) //nolint:gosec
	} else {
		vm.R[r1] = op2
	}
	vm.IP += size
}

// moviPrefix reads the optional operand-1 index of the MOVI family and
// returns it with the offset of the immediate.
func (vm *VM) moviPrefix(operands uint8) (idx int64, hasIdx bool, size uint64) {
	size = 2
	if operands&bytecode.MoviIndex != 0 {
		return vm.index16(2), true, 4
	}
	return 0, false, size
}

// execMovi handles MOVI{b|w|d|q}{w|d|q} {@}R1 {idx16}, imm.
func (vm *VM) execMovi() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, indirect1 := bytecode.Operand1(operands)
	idx, hasIdx, size := vm.moviPrefix(operands)

	var imm uint64
	switch op & bytecode.MoviWidthMask {
	case bytecode.MoviWidth16:
		imm = uint64(int64(int16(vm.imm16(size)))) //nolint:gosec
		size += 2
	case bytecode.MoviWidth32:
		imm = sext32(uint64(vm.imm32(size)))
		size += 4
	case bytecode.MoviWidth64:
		imm = vm.imm64(size)
		size += 8
	default:
		vm.fatal(ExceptInstructionEncoding, "MOVI without immediate width")
		return
	}

	var bits int
	switch operands & bytecode.MoviMoveWidthMask {
	case bytecode.MoviMove8:
		bits = 8
	case bytecode.MoviMove16:
		bits = 16
	case bytecode.MoviMove32:
		bits = 32
	default:
		bits = 64
	}

	if indirect1 {
		vm.writeSized(bits, vm.R[r1]+uint64(idx), imm) //nolint:gosec
	} else {
		if hasIdx {
			vm.fatal(ExceptInstructionEncoding, "MOVI with index on a direct destination")
			return
		}
		vm.R[r1] = imm & vm.widthMask(bits)
	}
	vm.IP += size
}

// execMovin handles MOVIn {@}R1 {idx16}, index: the immediate is itself an
// encoded index.
func (vm *VM) execMovin() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, indirect1 := bytecode.Operand1(operands)
	idx, hasIdx, size := vm.moviPrefix(operands)

	var value int64
	switch op & bytecode.MoviWidthMask {
	case bytecode.MoviWidth16:
		value = vm.index16(size)
		size += 2
	case bytecode.MoviWidth32:
		value = vm.index32(size)
		size += 4
	case bytecode.MoviWidth64:
		value = vm.index64(size)
		size += 8
	default:
		vm.fatal(ExceptInstructionEncoding, "MOVIn without immediate width")
		return
	}

	if indirect1 {
		vm.writeN(vm.R[r1]+uint64(idx), uint64(value)) //nolint:gosec
	} else {
		if hasIdx {
			vm.fatal(ExceptInstructionEncoding, "MOVIn with index on a direct destination")
			return
		}
		vm.R[r1] = uint64(value) //nolint:gosec
	}
	vm.IP += size
}

// execMovrel handles MOVREL {@}R1 {idx16}, imm: the address of the next
// instruction plus imm.
func (vm *VM) execMovrel() {
	op := vm.fetch8(0)
	operands := vm.fetch8(1)
	r1, indirect1 := bytecode.Operand1(operands)
	idx, hasIdx, size := vm.moviPrefix(operands)

	var imm uint64
	switch op & bytecode.MoviWidthMask {
	case bytecode.MoviWidth16:
		imm = uint64(int64(int16(vm.imm16(size)))) //nolint:gosec
		size += 2
	case bytecode.MoviWidth32:
		imm = sext32(uint64(vm.imm32(size)))
		size += 4
	case bytecode.MoviWidth64:
		imm = vm.imm64(size)
		size += 8
	default:
		vm.fatal(ExceptInstructionEncoding, "MOVREL without immediate width")
		return
	}

	value := vm.IP + imm + size
	if indirect1 {
		vm.writeN(vm.R[r1]+uint64(idx), value) //nolint:gosec
	} else {
		if hasIdx {
			vm.fatal(ExceptInstructionEncoding, "MOVREL with index on a direct destination")
			return
		}
		vm.R[r1] = value
	}
	vm.IP += size
}
