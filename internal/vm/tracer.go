package vm

import (
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/memory"
)

// maxInstLen is the longest encoding: opcode, operands and two 8-byte fields.
const maxInstLen = 18

// DisasmAt decodes the instruction at addr.
func DisasmAt(space *memory.Space, addr uint64) (bytecode.Inst, error) {
	r := space.Region(addr)
	if r == nil {
		return bytecode.Inst{}, &memory.AccessError{Op: "disasm", Addr: addr, Size: 2, Err: memory.ErrUnmapped}
	}
	off := addr - r.Base
	end := min(off+maxInstLen, uint64(len(r.Data)))
	return bytecode.Decode(r.Data[off:end])
}

// Tracer writes one line per executed instruction followed by the
// registers it changed.
// Format: [0x<ip>] <disasm>  {R1=0x.. SP=0x..}
type Tracer struct {
	w      io.Writer
	before SystemContext
	fp     uint64
	text   string
}

// NewTracer creates a new tracer that writes to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

var regNames = [8]string{"R0", "R1", "R2", "R3", "R4", "R5", "R6", "R7"}

// BeforeInstruction records the register file and decodes the instruction.
func (t *Tracer) BeforeInstruction(vm *VM) {
	if t == nil || t.w == nil {
		return
	}
	t.before = vm.context()
	t.fp = vm.FramePtr
	inst, err := DisasmAt(vm.mem.Space(), vm.IP)
	if err != nil {
		t.text = fmt.Sprintf("<%v>", err)
		return
	}
	t.text = inst.String()
}

// AfterInstruction prints the line with the register changes.
func (t *Tracer) AfterInstruction(vm *VM) {
	if t == nil || t.w == nil {
		return
	}
	line := fmt.Sprintf("[0x%x] %s", t.before.IP, runewidth.FillRight(t.text, 32))
	for i, v := range vm.R {
		if v != t.before.R[i] {
			line += fmt.Sprintf(" %s=0x%x", regNames[i], v)
		}
	}
	if vm.FramePtr != t.fp {
		line += fmt.Sprintf(" FP=0x%x", vm.FramePtr)
	}
	if vm.Flags != t.before.Flags {
		line += fmt.Sprintf(" FLAGS=%d", vm.Flags)
	}
	fmt.Fprintln(t.w, line) //nolint:errcheck
}
