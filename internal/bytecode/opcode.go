// Package bytecode defines the instruction encoding shared by the VM, the
// disassembler and the assembler used to build test programs.
package bytecode

import "fmt"

// Opcode is the low six bits of an instruction's first byte.
type Opcode uint8

const (
	OpBreak    Opcode = 0x00
	OpJmp      Opcode = 0x01
	OpJmp8     Opcode = 0x02
	OpCall     Opcode = 0x03
	OpRet      Opcode = 0x04
	OpCmpEq    Opcode = 0x05
	OpCmpLte   Opcode = 0x06
	OpCmpGte   Opcode = 0x07
	OpCmpUlte  Opcode = 0x08
	OpCmpUgte  Opcode = 0x09
	OpNot      Opcode = 0x0A
	OpNeg      Opcode = 0x0B
	OpAdd      Opcode = 0x0C
	OpSub      Opcode = 0x0D
	OpMul      Opcode = 0x0E
	OpMulu     Opcode = 0x0F
	OpDiv      Opcode = 0x10
	OpDivu     Opcode = 0x11
	OpMod      Opcode = 0x12
	OpModu     Opcode = 0x13
	OpAnd      Opcode = 0x14
	OpOr       Opcode = 0x15
	OpXor      Opcode = 0x16
	OpShl      Opcode = 0x17
	OpShr      Opcode = 0x18
	OpAshr     Opcode = 0x19
	OpExtndb   Opcode = 0x1A
	OpExtndw   Opcode = 0x1B
	OpExtndd   Opcode = 0x1C
	OpMovbw    Opcode = 0x1D
	OpMovww    Opcode = 0x1E
	OpMovdw    Opcode = 0x1F
	OpMovqw    Opcode = 0x20
	OpMovbd    Opcode = 0x21
	OpMovwd    Opcode = 0x22
	OpMovdd    Opcode = 0x23
	OpMovqd    Opcode = 0x24
	OpMovsnw   Opcode = 0x25
	OpMovsnd   Opcode = 0x26
	OpMovqq    Opcode = 0x28
	OpLoadsp   Opcode = 0x29
	OpStoresp  Opcode = 0x2A
	OpPush     Opcode = 0x2B
	OpPop      Opcode = 0x2C
	OpCmpiEq   Opcode = 0x2D
	OpCmpiLte  Opcode = 0x2E
	OpCmpiGte  Opcode = 0x2F
	OpCmpiUlte Opcode = 0x30
	OpCmpiUgte Opcode = 0x31
	OpMovnw    Opcode = 0x32
	OpMovnd    Opcode = 0x33
	OpPushn    Opcode = 0x35
	OpPopn     Opcode = 0x36
	OpMovi     Opcode = 0x37
	OpMovin    Opcode = 0x38
	OpMovrel   Opcode = 0x39

	// NumOpcodes is the size of the dispatch table.
	NumOpcodes = 64
)

// Opcode byte modifiers.
const (
	OpcodeMask uint8 = 0x3F

	// ModImm marks an index or immediate following the operand byte.
	ModImm uint8 = 0x80
	// Mod64 selects 64-bit operation (or a 64-bit immediate for JMP/CALL).
	Mod64 uint8 = 0x40

	// MOVxx and MOVsn: index present on operand 1 / operand 2.
	ModIdxOp1 uint8 = 0x80
	ModIdxOp2 uint8 = 0x40

	// CMPI: 32-bit immediate instead of 16-bit.
	ModCmpiImm32 uint8 = 0x80

	// MOVI, MOVIn, MOVREL: immediate data width.
	MoviWidthMask uint8 = 0xC0
	MoviWidth16   uint8 = 0x40
	MoviWidth32   uint8 = 0x80
	MoviWidth64   uint8 = 0xC0

	// JMP8: conditional jump and "jump if condition set".
	Jmp8Cond uint8 = 0x80
	Jmp8CS   uint8 = 0x40
)

// Operand byte layout.
const (
	Op1Mask      uint8 = 0x07
	Op1Indirect  uint8 = 0x08
	Op2Mask      uint8 = 0x70
	Op2Shift           = 4
	Op2Indirect  uint8 = 0x80
	JmpCond      uint8 = 0x80
	JmpCS        uint8 = 0x40
	JmpRelative  uint8 = 0x10
	CallNative   uint8 = 0x20
	CallRelative uint8 = 0x10
	CmpiIndex    uint8 = 0x10

	// MOVI family operand bits.
	MoviIndex         uint8 = 0x40
	MoviMoveWidthMask uint8 = 0x30
	MoviMove8         uint8 = 0x00
	MoviMove16        uint8 = 0x10
	MoviMove32        uint8 = 0x20
	MoviMove64        uint8 = 0x30
)

// Break codes understood by the BREAK instruction.
const (
	BreakRunaway         uint8 = 0
	BreakGetVersion      uint8 = 1
	BreakDebugger        uint8 = 3
	BreakSystemCall      uint8 = 4
	BreakCreateThunk     uint8 = 5
	BreakCompilerVersion uint8 = 6
)

// Flags register bits.
const (
	FlagCC       uint64 = 0x01
	FlagStep     uint64 = 0x02
	FlagAllValid uint64 = FlagCC | FlagStep
)

var names = [NumOpcodes]string{
	OpBreak: "BREAK", OpJmp: "JMP", OpJmp8: "JMP8", OpCall: "CALL", OpRet: "RET",
	OpCmpEq: "CMPeq", OpCmpLte: "CMPlte", OpCmpGte: "CMPgte", OpCmpUlte: "CMPulte", OpCmpUgte: "CMPugte",
	OpNot: "NOT", OpNeg: "NEG", OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpMulu: "MULU",
	OpDiv: "DIV", OpDivu: "DIVU", OpMod: "MOD", OpModu: "MODU", OpAnd: "AND", OpOr: "OR",
	OpXor: "XOR", OpShl: "SHL", OpShr: "SHR", OpAshr: "ASHR",
	OpExtndb: "EXTNDB", OpExtndw: "EXTNDW", OpExtndd: "EXTNDD",
	OpMovbw: "MOVbw", OpMovww: "MOVww", OpMovdw: "MOVdw", OpMovqw: "MOVqw",
	OpMovbd: "MOVbd", OpMovwd: "MOVwd", OpMovdd: "MOVdd", OpMovqd: "MOVqd",
	OpMovsnw: "MOVsnw", OpMovsnd: "MOVsnd", OpMovqq: "MOVqq",
	OpLoadsp: "LOADSP", OpStoresp: "STORESP", OpPush: "PUSH", OpPop: "POP",
	OpCmpiEq: "CMPIeq", OpCmpiLte: "CMPIlte", OpCmpiGte: "CMPIgte", OpCmpiUlte: "CMPIulte", OpCmpiUgte: "CMPIugte",
	OpMovnw: "MOVnw", OpMovnd: "MOVnd", OpPushn: "PUSHn", OpPopn: "POPn",
	OpMovi: "MOVI", OpMovin: "MOVIn", OpMovrel: "MOVREL",
}

// OpcodeOf extracts the opcode from an instruction's first byte.
func OpcodeOf(b byte) Opcode {
	return Opcode(b & OpcodeMask)
}

// Valid reports whether the opcode has an instruction assigned.
func (op Opcode) Valid() bool {
	return int(op) < NumOpcodes && names[op] != ""
}

func (op Opcode) String() string {
	if op.Valid() {
		return names[op]
	}
	return fmt.Sprintf("OP_%02X", uint8(op))
}

// IsDataManip reports whether op belongs to the NOT..EXTNDD group.
func (op Opcode) IsDataManip() bool {
	return op >= OpNot && op <= OpExtndd
}

// IsSigned reports whether a data manipulation op sign-extends 32-bit operands.
func (op Opcode) IsSigned() bool {
	switch op {
	case OpNeg, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAshr:
		return true
	}
	return false
}

// IsCompare reports whether op is a register/register compare.
func (op Opcode) IsCompare() bool {
	return op >= OpCmpEq && op <= OpCmpUgte
}

// IsCompareImm reports whether op is a register/immediate compare.
func (op Opcode) IsCompareImm() bool {
	return op >= OpCmpiEq && op <= OpCmpiUgte
}

// IsMove reports whether op is one of the sized MOVxx forms.
func (op Opcode) IsMove() bool {
	return (op >= OpMovbw && op <= OpMovqd) || op == OpMovqq || op == OpMovnw || op == OpMovnd
}

// MoveIndexWidth returns the byte width of MOVxx index fields.
func (op Opcode) MoveIndexWidth() int {
	switch {
	case op >= OpMovbw && op <= OpMovqw, op == OpMovnw, op == OpMovsnw:
		return 2
	case op >= OpMovbd && op <= OpMovqd, op == OpMovnd, op == OpMovsnd:
		return 4
	case op == OpMovqq:
		return 8
	}
	return 0
}

// Operand1 returns the register selector and indirect flag of operand 1.
func Operand1(operands byte) (reg uint8, indirect bool) {
	return operands & Op1Mask, operands&Op1Indirect != 0
}

// Operand2 returns the register selector and indirect flag of operand 2.
func Operand2(operands byte) (reg uint8, indirect bool) {
	return (operands & Op2Mask) >> Op2Shift, operands&Op2Indirect != 0
}
