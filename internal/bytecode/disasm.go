package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTruncated is returned when the code ends inside an instruction.
	ErrTruncated = errors.New("truncated instruction")
	// ErrInvalidOpcode is returned for unassigned opcodes.
	ErrInvalidOpcode = errors.New("invalid opcode")
	// ErrBadEncoding is returned for field combinations no handler accepts.
	ErrBadEncoding = errors.New("bad instruction encoding")
)

// Inst is a decoded instruction.
type Inst struct {
	Op       Opcode
	Len      int
	Mnemonic string
	Operands string
}

func (i Inst) String() string {
	if i.Operands == "" {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + i.Operands
}

// Length returns the encoded size of the instruction starting at code[0].
func Length(code []byte) (int, error) {
	if len(code) < 2 {
		return 0, ErrTruncated
	}
	op, operands := code[0], code[1]
	var n int
	switch opc := OpcodeOf(op); {
	case !opc.Valid():
		return 0, fmt.Errorf("%w 0x%02x", ErrInvalidOpcode, op)
	case opc == OpJmp || opc == OpCall:
		switch {
		case op&Mod64 != 0 && (opc == OpJmp || op&ModImm != 0):
			n = 10
		case op&ModImm != 0:
			n = 6
		default:
			n = 2
		}
	case opc == OpBreak, opc == OpJmp8, opc == OpRet, opc == OpLoadsp, opc == OpStoresp:
		n = 2
	case opc.IsCompare(), opc.IsDataManip(),
		opc == OpPush, opc == OpPop, opc == OpPushn, opc == OpPopn:
		n = 2
		if op&ModImm != 0 {
			n = 4
		}
	case opc.IsCompareImm():
		n = 4
		if operands&CmpiIndex != 0 {
			n += 2
		}
		if op&ModCmpiImm32 != 0 {
			n += 2
		}
	case opc.IsMove(), opc == OpMovsnw, opc == OpMovsnd:
		w := opc.MoveIndexWidth()
		n = 2
		if op&ModIdxOp1 != 0 {
			n += w
		}
		if op&ModIdxOp2 != 0 {
			n += w
		}
	case opc == OpMovi, opc == OpMovin, opc == OpMovrel:
		n = 2
		if operands&MoviIndex != 0 {
			n += 2
		}
		switch op & MoviWidthMask {
		case MoviWidth16:
			n += 2
		case MoviWidth32:
			n += 4
		case MoviWidth64:
			n += 8
		default:
			return 0, fmt.Errorf("%w: %s without immediate width", ErrBadEncoding, opc)
		}
	}
	if len(code) < n {
		return 0, ErrTruncated
	}
	return n, nil
}

// IndexParts splits a raw index of the given bit width into its fields.
func IndexParts(raw uint64, bits uint) (negative bool, naturalUnits, constUnits uint64) {
	scale := bits / 8
	fieldBits := bits - 4
	all := uint64(1)<<bits - 1
	nbits := uint((raw>>fieldBits)&7) * scale
	mask := (all << nbits) & all
	return (raw>>(bits-1))&1 == 1, raw &^ mask & all, ((raw &^ (uint64(0xF) << fieldBits)) & mask) >> nbits
}

// FormatIndex renders a raw index as (+n,+c).
func FormatIndex(raw uint64, bits uint) string {
	neg, n, c := IndexParts(raw, bits)
	sign := "+"
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("(%s%d,%s%d)", sign, n, sign, c)
}

type reader struct {
	code []byte
	pos  int
}

func (r *reader) next(width int) uint64 {
	p := r.code[r.pos : r.pos+width]
	r.pos += width
	switch width {
	case 2:
		return uint64(binary.LittleEndian.Uint16(p))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p))
	default:
		return binary.LittleEndian.Uint64(p)
	}
}

func regText(reg uint8, indirect bool) string {
	if indirect {
		return fmt.Sprintf("@R%d", reg)
	}
	return fmt.Sprintf("R%d", reg)
}

// operandText renders an operand with an optional index or immediate.
// Indexes only apply to indirect operands; a direct operand prints the
// field as a signed immediate.
func operandText(reg uint8, indirect bool, field uint64, width int, has bool) string {
	s := regText(reg, indirect)
	if !has {
		return s
	}
	if indirect {
		return s + FormatIndex(field, uint(width*8)) //nolint:gosec
	}
	return fmt.Sprintf("%s %d", s, signExtend(field, width))
}

func signExtend(v uint64, width int) int64 {
	switch width {
	case 2:
		return int64(int16(v)) //nolint:gosec
	case 4:
		return int64(int32(v)) //nolint:gosec
	default:
		return int64(v) //nolint:gosec
	}
}

func condSuffix(operands byte, condBit, csBit uint8) string {
	if operands&condBit == 0 {
		return ""
	}
	if operands&csBit != 0 {
		return "cs"
	}
	return "cc"
}

var cmpSuffix = map[Opcode]string{
	OpCmpEq: "eq", OpCmpLte: "lte", OpCmpGte: "gte", OpCmpUlte: "ulte", OpCmpUgte: "ugte",
	OpCmpiEq: "eq", OpCmpiLte: "lte", OpCmpiGte: "gte", OpCmpiUlte: "ulte", OpCmpiUgte: "ugte",
}

func width(op byte) string {
	if op&Mod64 != 0 {
		return "64"
	}
	return "32"
}

// Decode disassembles the instruction at code[0].
func Decode(code []byte) (Inst, error) {
	n, err := Length(code)
	if err != nil {
		return Inst{}, err
	}
	op, operands := code[0], code[1]
	opc := OpcodeOf(op)
	r1, ind1 := Operand1(operands)
	r2, ind2 := Operand2(operands)
	rd := &reader{code: code[:n], pos: 2}
	inst := Inst{Op: opc, Len: n}

	switch {
	case opc == OpBreak:
		inst.Mnemonic = "BREAK"
		inst.Operands = fmt.Sprintf("%d", operands)
	case opc == OpRet:
		inst.Mnemonic = "RET"
	case opc == OpJmp8:
		inst.Mnemonic = "JMP8" + condSuffix(op, Jmp8Cond, Jmp8CS)
		inst.Operands = fmt.Sprintf("%d", int8(operands)) //nolint:gosec
	case opc == OpJmp, opc == OpCall:
		inst.Mnemonic, inst.Operands = decodeBranch(opc, op, operands, rd, n)
	case opc.IsDataManip():
		inst.Mnemonic = opc.String() + width(op)
		field, has := uint64(0), op&ModImm != 0
		if has {
			field = rd.next(2)
		}
		inst.Operands = regText(r1, ind1) + ", " + operandText(r2, ind2, field, 2, has)
	case opc.IsCompare():
		inst.Mnemonic = "CMP" + width(op) + cmpSuffix[opc]
		field, has := uint64(0), op&ModImm != 0
		if has {
			field = rd.next(2)
		}
		inst.Operands = regText(r1, false) + ", " + operandText(r2, ind2, field, 2, has)
	case opc.IsCompareImm():
		immw := "w"
		if op&ModCmpiImm32 != 0 {
			immw = "d"
		}
		inst.Mnemonic = "CMPI" + width(op) + immw + cmpSuffix[opc]
		dst := regText(r1, ind1)
		if operands&CmpiIndex != 0 {
			dst += FormatIndex(rd.next(2), 16)
		}
		iw := 2
		if op&ModCmpiImm32 != 0 {
			iw = 4
		}
		inst.Operands = fmt.Sprintf("%s, %d", dst, signExtend(rd.next(iw), iw))
	case opc.IsMove(), opc == OpMovsnw, opc == OpMovsnd:
		inst.Mnemonic = opc.String()
		w := opc.MoveIndexWidth()
		var f1, f2 uint64
		if op&ModIdxOp1 != 0 {
			f1 = rd.next(w)
		}
		if op&ModIdxOp2 != 0 {
			f2 = rd.next(w)
		}
		inst.Operands = operandText(r1, ind1, f1, w, op&ModIdxOp1 != 0) + ", " +
			operandText(r2, ind2, f2, w, op&ModIdxOp2 != 0)
	case opc == OpMovi, opc == OpMovin, opc == OpMovrel:
		inst.Mnemonic, inst.Operands = decodeMovi(opc, op, operands, rd)
	case opc == OpPush, opc == OpPop, opc == OpPushn, opc == OpPopn:
		inst.Mnemonic = opc.String()
		if opc == OpPush || opc == OpPop {
			inst.Mnemonic += width(op)
		}
		field, has := uint64(0), op&ModImm != 0
		if has {
			field = rd.next(2)
		}
		inst.Operands = operandText(r1, ind1, field, 2, has)
	case opc == OpLoadsp:
		inst.Mnemonic = "LOADSP"
		inst.Operands = fmt.Sprintf("%s, R%d", dedicatedName(r1), r2)
	case opc == OpStoresp:
		inst.Mnemonic = "STORESP"
		inst.Operands = fmt.Sprintf("R%d, %s", r1, dedicatedName(r2))
	}
	return inst, nil
}

func dedicatedName(reg uint8) string {
	switch reg {
	case 0:
		return "[FLAGS]"
	case 1:
		return "[IP]"
	}
	return fmt.Sprintf("[%d]", reg)
}

func decodeBranch(opc Opcode, op, operands byte, rd *reader, n int) (string, string) {
	var sb strings.Builder
	sb.WriteString(opc.String())
	if n == 10 {
		sb.WriteString("64")
	} else {
		sb.WriteString("32")
	}
	if opc == OpCall && operands&CallNative != 0 {
		sb.WriteString("EX")
	}
	if opc == OpJmp {
		sb.WriteString(condSuffix(operands, JmpCond, JmpCS))
	}
	mnemonic := sb.String()

	relative := operands&JmpRelative != 0
	prefix := ""
	if relative {
		prefix = "rel "
	}
	r1, ind1 := Operand1(operands)
	switch n {
	case 10:
		return mnemonic, fmt.Sprintf("%s0x%x", prefix, rd.next(8))
	case 6:
		return mnemonic, prefix + operandText(r1, ind1, rd.next(4), 4, true)
	default:
		return mnemonic, prefix + regText(r1, ind1)
	}
}

func decodeMovi(opc Opcode, op, operands byte, rd *reader) (string, string) {
	r1, ind1 := Operand1(operands)
	dst := regText(r1, ind1)
	if operands&MoviIndex != 0 {
		dst += FormatIndex(rd.next(2), 16)
	}
	var w int
	var wc string
	switch op & MoviWidthMask {
	case MoviWidth16:
		w, wc = 2, "w"
	case MoviWidth32:
		w, wc = 4, "d"
	default:
		w, wc = 8, "q"
	}
	field := rd.next(w)
	switch opc {
	case OpMovin:
		return "MOVIn" + wc, dst + ", " + FormatIndex(field, uint(w*8)) //nolint:gosec
	case OpMovrel:
		return "MOVREL" + wc, fmt.Sprintf("%s, %d", dst, signExtend(field, w))
	}
	mw := "bwdq"[(operands&MoviMoveWidthMask)>>4]
	return "MOVI" + string(mw) + wc, fmt.Sprintf("%s, %d", dst, signExtend(field, w))
}
