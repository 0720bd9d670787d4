package vm

import "ebcvm/internal/bytecode"

type handler func(vm *VM)

// dispatch maps the low six opcode bits to a handler. Empty slots raise an
// invalid-opcode fault.
var dispatch [bytecode.NumOpcodes]handler

func init() {
	dispatch = [bytecode.NumOpcodes]handler{
		bytecode.OpBreak: (*VM).execBreak,
		bytecode.OpJmp:   (*VM).execJmp,
		bytecode.OpJmp8:  (*VM).execJmp8,
		bytecode.OpCall:  (*VM).execCall,
		bytecode.OpRet:   (*VM).execRet,

		bytecode.OpCmpEq:   (*VM).execCmp,
		bytecode.OpCmpLte:  (*VM).execCmp,
		bytecode.OpCmpGte:  (*VM).execCmp,
		bytecode.OpCmpUlte: (*VM).execCmp,
		bytecode.OpCmpUgte: (*VM).execCmp,

		bytecode.OpNot:    (*VM).execDataManip,
		bytecode.OpNeg:    (*VM).execDataManip,
		bytecode.OpAdd:    (*VM).execDataManip,
		bytecode.OpSub:    (*VM).execDataManip,
		bytecode.OpMul:    (*VM).execDataManip,
		bytecode.OpMulu:   (*VM).execDataManip,
		bytecode.OpDiv:    (*VM).execDataManip,
		bytecode.OpDivu:   (*VM).execDataManip,
		bytecode.OpMod:    (*VM).execDataManip,
		bytecode.OpModu:   (*VM).execDataManip,
		bytecode.OpAnd:    (*VM).execDataManip,
		bytecode.OpOr:     (*VM).execDataManip,
		bytecode.OpXor:    (*VM).execDataManip,
		bytecode.OpShl:    (*VM).execDataManip,
		bytecode.OpShr:    (*VM).execDataManip,
		bytecode.OpAshr:   (*VM).execDataManip,
		bytecode.OpExtndb: (*VM).execDataManip,
		bytecode.OpExtndw: (*VM).execDataManip,
		bytecode.OpExtndd: (*VM).execDataManip,

		bytecode.OpMovbw: (*VM).execMov,
		bytecode.OpMovww: (*VM).execMov,
		bytecode.OpMovdw: (*VM).execMov,
		bytecode.OpMovqw: (*VM).execMov,
		bytecode.OpMovbd: (*VM).execMov,
		bytecode.OpMovwd: (*VM).execMov,
		bytecode.OpMovdd: (*VM).execMov,
		bytecode.OpMovqd: (*VM).execMov,
		bytecode.OpMovqq: (*VM).execMov,
		bytecode.OpMovnw: (*VM).execMov,
		bytecode.OpMovnd: (*VM).execMov,

		bytecode.OpMovsnw: (*VM).execMovsn,
		bytecode.OpMovsnd: (*VM).execMovsn,

		bytecode.OpLoadsp:  (*VM).execLoadsp,
		bytecode.OpStoresp: (*VM).execStoresp,
		bytecode.OpPush:    (*VM).execPush,
		bytecode.OpPop:     (*VM).execPop,
		bytecode.OpPushn:   (*VM).execPushn,
		bytecode.OpPopn:    (*VM).execPopn,

		bytecode.OpCmpiEq:   (*VM).execCmpi,
		bytecode.OpCmpiLte:  (*VM).execCmpi,
		bytecode.OpCmpiGte:  (*VM).execCmpi,
		bytecode.OpCmpiUlte: (*VM).execCmpi,
		bytecode.OpCmpiUgte: (*VM).execCmpi,

		bytecode.OpMovi:   (*VM).execMovi,
		bytecode.OpMovin:  (*VM).execMovin,
		bytecode.OpMovrel: (*VM).execMovrel,
	}
}
