package bytecode

import "encoding/binary"

// Operand is a register operand with optional indirection and index.
// Index holds the raw encoded index or immediate exactly as it is written
// into the code stream.
type Operand struct {
	Reg      uint8
	Indirect bool
	Index    uint64
	HasIndex bool
}

// R is a direct register operand.
func R(n uint8) Operand { return Operand{Reg: n & Op1Mask} }

// At is an indirect register operand (@Rn).
func At(n uint8) Operand { return Operand{Reg: n & Op1Mask, Indirect: true} }

// Idx attaches a raw index or immediate to the operand.
func (o Operand) Idx(raw uint64) Operand {
	o.Index = raw
	o.HasIndex = true
	return o
}

// Off attaches a plain 16-bit byte offset index.
func (o Operand) Off(offset int64) Operand {
	raw, err := EncodeOffset16(offset)
	if err != nil {
		panic(err)
	}
	return o.Idx(uint64(raw))
}

func (o Operand) op1() byte {
	b := o.Reg & Op1Mask
	if o.Indirect {
		b |= Op1Indirect
	}
	return b
}

func (o Operand) op2() byte {
	b := (o.Reg & Op1Mask) << Op2Shift
	if o.Indirect {
		b |= Op2Indirect
	}
	return b
}

// Cond selects when a conditional jump is taken.
type Cond uint8

const (
	Always  Cond = iota
	IfSet        // condition code set
	IfClear      // condition code clear
)

// Builder assembles instructions into a byte slice. Encoding helpers panic on
// impossible operand combinations; they are meant for tests and tools.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Bytes returns the assembled code.
func (b *Builder) Bytes() []byte { return b.buf }

// PC returns the offset of the next instruction.
func (b *Builder) PC() int { return len(b.buf) }

// Raw appends bytes verbatim.
func (b *Builder) Raw(p ...byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Align pads with zero bytes to a multiple of n.
func (b *Builder) Align(n int) *Builder {
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
	return b
}

func (b *Builder) u16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }
func (b *Builder) u32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *Builder) u64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }

func (b *Builder) field(width int, v uint64) {
	switch width {
	case 2:
		b.u16(uint16(v)) //nolint:gosec
	case 4:
		b.u32(uint32(v)) //nolint:gosec
	case 8:
		b.u64(v)
	}
}

// Break emits BREAK code.
func (b *Builder) Break(code uint8) *Builder {
	return b.Raw(byte(OpBreak), code)
}

// Ret emits RET.
func (b *Builder) Ret() *Builder {
	return b.Raw(byte(OpRet), 0)
}

// Jmp8 emits a short jump of off instruction words relative to the next
// instruction.
func (b *Builder) Jmp8(cond Cond, off int8) *Builder {
	op := byte(OpJmp8)
	switch cond {
	case IfSet:
		op |= Jmp8Cond | Jmp8CS
	case IfClear:
		op |= Jmp8Cond
	}
	return b.Raw(op, byte(off)) //nolint:gosec
}

func jmpOperand(cond Cond, relative bool) byte {
	var operands byte
	switch cond {
	case IfSet:
		operands |= JmpCond | JmpCS
	case IfClear:
		operands |= JmpCond
	}
	if relative {
		operands |= JmpRelative
	}
	return operands
}

// Jmp emits the 32-bit form: JMP32 {@}Rx {imm32}. An operand without index
// emits the two-byte register-only form.
func (b *Builder) Jmp(cond Cond, relative bool, target Operand) *Builder {
	op := byte(OpJmp)
	if target.HasIndex {
		op |= ModImm
	}
	b.Raw(op, jmpOperand(cond, relative)|target.op1())
	if target.HasIndex {
		b.u32(uint32(target.Index)) //nolint:gosec
	}
	return b
}

// Jmp64 emits JMP64 with an absolute or relative 64-bit immediate.
func (b *Builder) Jmp64(cond Cond, relative bool, imm uint64) *Builder {
	b.Raw(byte(OpJmp)|ModImm|Mod64, jmpOperand(cond, relative))
	b.u64(imm)
	return b
}

func callOperand(native, relative bool) byte {
	var operands byte
	if native {
		operands |= CallNative
	}
	if relative {
		operands |= CallRelative
	}
	return operands
}

// Call emits the 32-bit form: CALL32{EX} {@}Rx {imm32}.
func (b *Builder) Call(native, relative bool, target Operand) *Builder {
	op := byte(OpCall)
	if target.HasIndex {
		op |= ModImm
	}
	b.Raw(op, callOperand(native, relative)|target.op1())
	if target.HasIndex {
		b.u32(uint32(target.Index)) //nolint:gosec
	}
	return b
}

// Call64 emits CALL64{EX} with an absolute 64-bit address.
func (b *Builder) Call64(native bool, addr uint64) *Builder {
	b.Raw(byte(OpCall)|ModImm|Mod64, callOperand(native, false))
	b.u64(addr)
	return b
}

// Alu emits a data manipulation instruction: OP{32|64} {@}R1, {@}R2 {idx16}.
func (b *Builder) Alu(op Opcode, wide bool, dst, src Operand) *Builder {
	code := byte(op)
	if wide {
		code |= Mod64
	}
	if src.HasIndex {
		code |= ModImm
	}
	b.Raw(code, dst.op1()|src.op2())
	if src.HasIndex {
		b.u16(uint16(src.Index)) //nolint:gosec
	}
	return b
}

// Cmp emits CMP{32|64}cc R1, {@}R2 {idx16}.
func (b *Builder) Cmp(op Opcode, wide bool, r1 uint8, src Operand) *Builder {
	return b.Alu(op, wide, R(r1), src)
}

// Cmpi emits CMPI{32|64}{w|d}cc {@}R1 {idx16}, imm. imm32 selects the
// 32-bit immediate form.
func (b *Builder) Cmpi(op Opcode, wide bool, dst Operand, imm int32, imm32 bool) *Builder {
	code := byte(op)
	if wide {
		code |= Mod64
	}
	if imm32 {
		code |= ModCmpiImm32
	}
	operands := dst.op1()
	if dst.HasIndex {
		operands |= CmpiIndex
	}
	b.Raw(code, operands)
	if dst.HasIndex {
		b.u16(uint16(dst.Index)) //nolint:gosec
	}
	if imm32 {
		b.u32(uint32(imm)) //nolint:gosec
	} else {
		b.u16(uint16(imm)) //nolint:gosec
	}
	return b
}

// Mov emits one of the sized MOVxx forms. Index width follows the opcode.
func (b *Builder) Mov(op Opcode, dst, src Operand) *Builder {
	return b.movLike(op, dst, src)
}

// Movsn emits MOVsnw or MOVsnd.
func (b *Builder) Movsn(op Opcode, dst, src Operand) *Builder {
	return b.movLike(op, dst, src)
}

func (b *Builder) movLike(op Opcode, dst, src Operand) *Builder {
	code := byte(op)
	if dst.HasIndex {
		code |= ModIdxOp1
	}
	if src.HasIndex {
		code |= ModIdxOp2
	}
	b.Raw(code, dst.op1()|src.op2())
	w := op.MoveIndexWidth()
	if dst.HasIndex {
		b.field(w, dst.Index)
	}
	if src.HasIndex {
		b.field(w, src.Index)
	}
	return b
}

func moviWidth(dataWidth int) byte {
	switch dataWidth {
	case 16:
		return MoviWidth16
	case 32:
		return MoviWidth32
	case 64:
		return MoviWidth64
	}
	panic("bytecode: immediate width must be 16, 32 or 64")
}

func moveWidth(bits int) byte {
	switch bits {
	case 8:
		return MoviMove8
	case 16:
		return MoviMove16
	case 32:
		return MoviMove32
	case 64:
		return MoviMove64
	}
	panic("bytecode: move width must be 8, 16, 32 or 64")
}

func (b *Builder) moviLike(op Opcode, dst Operand, moveBits, dataWidth int, imm uint64) *Builder {
	operands := dst.op1() | moveWidth(moveBits)
	if dst.HasIndex {
		operands |= MoviIndex
	}
	b.Raw(byte(op)|moviWidth(dataWidth), operands)
	if dst.HasIndex {
		b.u16(uint16(dst.Index)) //nolint:gosec
	}
	b.field(dataWidth/8, imm)
	return b
}

// Movi emits MOVI{b|w|d|q}{w|d|q} dst, imm. moveBits is the store width,
// dataWidth the encoded immediate width.
func (b *Builder) Movi(dst Operand, moveBits, dataWidth int, imm int64) *Builder {
	return b.moviLike(OpMovi, dst, moveBits, dataWidth, uint64(imm)) //nolint:gosec
}

// Movin emits MOVIn dst, index where index is raw encoded at dataWidth.
func (b *Builder) Movin(dst Operand, dataWidth int, index uint64) *Builder {
	return b.moviLike(OpMovin, dst, 64, dataWidth, index)
}

// Movrel emits MOVREL dst, imm.
func (b *Builder) Movrel(dst Operand, dataWidth int, imm int64) *Builder {
	return b.moviLike(OpMovrel, dst, 64, dataWidth, uint64(imm)) //nolint:gosec
}

func (b *Builder) pushPop(op Opcode, wide bool, o Operand) *Builder {
	code := byte(op)
	if wide {
		code |= Mod64
	}
	if o.HasIndex {
		code |= ModImm
	}
	b.Raw(code, o.op1())
	if o.HasIndex {
		b.u16(uint16(o.Index)) //nolint:gosec
	}
	return b
}

// Push emits PUSH{32|64} {@}R1 {idx16}.
func (b *Builder) Push(wide bool, o Operand) *Builder { return b.pushPop(OpPush, wide, o) }

// Pop emits POP{32|64} {@}R1 {idx16}.
func (b *Builder) Pop(wide bool, o Operand) *Builder { return b.pushPop(OpPop, wide, o) }

// Pushn emits PUSHn {@}R1 {idx16}.
func (b *Builder) Pushn(o Operand) *Builder { return b.pushPop(OpPushn, false, o) }

// Popn emits POPn {@}R1 {idx16}.
func (b *Builder) Popn(o Operand) *Builder { return b.pushPop(OpPopn, false, o) }

// Loadsp emits LOADSP [dedicated], R2. Dedicated register 0 is FLAGS.
func (b *Builder) Loadsp(dedicated, src uint8) *Builder {
	return b.Raw(byte(OpLoadsp), dedicated&Op1Mask|(src&Op1Mask)<<Op2Shift)
}

// Storesp emits STORESP R1, [dedicated]. 0 is FLAGS, 1 is IP.
func (b *Builder) Storesp(dst, dedicated uint8) *Builder {
	return b.Raw(byte(OpStoresp), dst&Op1Mask|(dedicated&Op1Mask)<<Op2Shift)
}
