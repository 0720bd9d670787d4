package vm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Debugger provides interactive debugging capabilities for a prepared VM.
type Debugger struct {
	vm          *VM
	breakpoints *Breakpoints

	in          *bufio.Scanner
	out         io.Writer
	interactive bool

	quit bool
}

// DebuggerResult contains the result of a debugger session.
type DebuggerResult struct {
	Reason HaltReason
	Quit   bool
}

// NewDebugger creates a new Debugger instance.
func NewDebugger(vm *VM, in io.Reader, out io.Writer, interactive bool) *Debugger {
	if in == nil {
		in = strings.NewReader("")
	}
	if out == nil {
		out = io.Discard
	}
	d := &Debugger{
		vm:          vm,
		breakpoints: NewBreakpoints(),
		out:         out,
		interactive: interactive,
	}
	d.in = bufio.NewScanner(in)
	return d
}

// Breakpoints returns the breakpoints collection.
func (d *Debugger) Breakpoints() *Breakpoints {
	if d == nil {
		return nil
	}
	return d.breakpoints
}

// Run executes the debugger session.
func (d *Debugger) Run() DebuggerResult {
	if d == nil || d.vm == nil {
		return DebuggerResult{}
	}
	d.vm.checkInitialGuard()

	for !d.vm.Done() {
		if d.quit {
			return DebuggerResult{Reason: d.vm.Reason(), Quit: true}
		}
		if d.interactive {
			fmt.Fprint(d.out, "(ebcdb) ") //nolint:errcheck
		}
		if !d.in.Scan() {
			break
		}
		line := strings.TrimSpace(d.in.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d.execCommand(line)
	}

	// Script mode: when input ends, continue to completion (ignoring breakpoints).
	if !d.interactive && !d.quit {
		d.vm.Run()
	}
	if d.vm.Done() {
		d.printHalt()
	}
	return DebuggerResult{Reason: d.vm.Reason(), Quit: d.quit}
}

func (d *Debugger) execCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "help", "h":
		d.help()
	case "step", "s":
		n := 1
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				fmt.Fprintln(d.out, "error: step expects a positive count") //nolint:errcheck
				return
			}
			n = v
		}
		d.cmdStep(n)
	case "continue", "c":
		d.cmdContinue()
	case "break", "b":
		if len(args) != 1 {
			fmt.Fprintln(d.out, "error: break expects <addr>") //nolint:errcheck
			return
		}
		if err := d.cmdBreak(args[0]); err != nil {
			fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		}
	case "delete":
		if len(args) != 1 {
			fmt.Fprintln(d.out, "error: delete expects <id>") //nolint:errcheck
			return
		}
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			fmt.Fprintln(d.out, "error: invalid breakpoint id") //nolint:errcheck
			return
		}
		if !d.breakpoints.Delete(id) {
			fmt.Fprintln(d.out, "error: unknown breakpoint id") //nolint:errcheck
		}
	case "breakpoints", "list":
		d.cmdList()
	case "regs", "r":
		d.cmdRegs()
	case "mem", "x":
		d.cmdMem(args)
	case "disasm", "d":
		d.cmdDisasm(args)
	case "set":
		d.cmdSet(args)
	case "quit", "q":
		d.quit = true
	default:
		fmt.Fprintln(d.out, "error: unknown command") //nolint:errcheck
	}
}

// stepOne executes one instruction and reports a BREAK 3 stop.
func (d *Debugger) stepOne() bool {
	d.vm.Step() //nolint:errcheck
	if d.vm.StopFlags&StopBreakpoint != 0 {
		d.vm.StopFlags &^= StopBreakpoint
		fmt.Fprintf(d.out, "stopped: break 3 before 0x%x\n", d.vm.IP) //nolint:errcheck
		return false
	}
	return !d.vm.Done()
}

func (d *Debugger) cmdStep(n int) {
	for i := 0; i < n && !d.vm.Done(); i++ {
		ip := d.vm.IP
		text := d.disasmText(ip)
		ok := d.stepOne()
		fmt.Fprintf(d.out, "step: 0x%x %s\n", ip, text) //nolint:errcheck
		if !ok {
			return
		}
	}
}

func (d *Debugger) cmdContinue() {
	// If we're already sitting on a breakpoint location, advance once.
	if _, hit := d.breakpoints.Match(d.vm.IP); hit {
		if !d.stepOne() {
			return
		}
	}
	for !d.vm.Done() {
		if bp, hit := d.breakpoints.Match(d.vm.IP); hit {
			bp.Hits++
			fmt.Fprintf(d.out, "stopped: breakpoint #%d\n", bp.ID)             //nolint:errcheck
			fmt.Fprintf(d.out, "at 0x%x %s\n", d.vm.IP, d.disasmText(d.vm.IP)) //nolint:errcheck
			return
		}
		if !d.stepOne() {
			return
		}
	}
}

func (d *Debugger) cmdBreak(spec string) error {
	addr, err := ParseAddress(spec)
	if err != nil {
		return err
	}
	bp, err := d.breakpoints.Add(addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "breakpoint #%d at 0x%x\n", bp.ID, bp.Addr) //nolint:errcheck
	return nil
}

func (d *Debugger) cmdList() {
	fmt.Fprintln(d.out, "breakpoints:") //nolint:errcheck
	for _, bp := range d.breakpoints.List() {
		fmt.Fprintf(d.out, "  %s\n", bp.Summary()) //nolint:errcheck
	}
}

func (d *Debugger) cmdRegs() {
	vm := d.vm
	for i := 0; i < 8; i += 2 {
		fmt.Fprintf(d.out, "R%d=0x%016x  R%d=0x%016x\n", i, vm.R[i], i+1, vm.R[i+1]) //nolint:errcheck
	}
	fmt.Fprintf(d.out, "IP=0x%016x  FP=0x%016x  FLAGS=%d\n", vm.IP, vm.FramePtr, vm.Flags) //nolint:errcheck
}

func (d *Debugger) cmdMem(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(d.out, "error: mem expects <addr> [n]") //nolint:errcheck
		return
	}
	addr, err := ParseAddress(args[0])
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		return
	}
	n := 16
	if len(args) == 2 {
		if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
			fmt.Fprintln(d.out, "error: invalid length") //nolint:errcheck
			return
		}
	}
	data, err := d.vm.mem.Space().ReadBytes(addr, n)
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		return
	}
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		fmt.Fprintf(d.out, "0x%x: % x\n", addr+uint64(off), data[off:end]) //nolint:errcheck,gosec
	}
}

func (d *Debugger) cmdDisasm(args []string) {
	addr := d.vm.IP
	n := 5
	if len(args) >= 1 {
		v, err := ParseAddress(args[0])
		if err != nil {
			fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
			return
		}
		addr = v
	}
	if len(args) >= 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			fmt.Fprintln(d.out, "error: invalid count") //nolint:errcheck
			return
		}
		n = v
	}
	for i := 0; i < n; i++ {
		inst, err := DisasmAt(d.vm.mem.Space(), addr)
		if err != nil {
			fmt.Fprintf(d.out, "0x%x: <%v>\n", addr, err) //nolint:errcheck
			return
		}
		marker := " "
		if addr == d.vm.IP {
			marker = ">"
		}
		fmt.Fprintf(d.out, "%s 0x%x: %s\n", marker, addr, inst) //nolint:errcheck
		addr += uint64(inst.Len)                                //nolint:gosec
	}
}

func (d *Debugger) cmdSet(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(d.out, "error: set expects <reg> <value>") //nolint:errcheck
		return
	}
	v, err := ParseAddress(args[1])
	if err != nil {
		fmt.Fprintf(d.out, "error: %s\n", err.Error()) //nolint:errcheck
		return
	}
	switch name := strings.ToUpper(args[0]); name {
	case "IP":
		d.vm.IP = v
	case "FP":
		d.vm.FramePtr = v
	case "FLAGS":
		d.vm.Flags = v
	case "SP":
		d.vm.R[0] = v
	default:
		i := -1
		for j, rn := range regNames {
			if rn == name {
				i = j
			}
		}
		if i < 0 {
			fmt.Fprintf(d.out, "error: unknown register %q\n", args[0]) //nolint:errcheck
			return
		}
		d.vm.R[i] = v
	}
}

func (d *Debugger) disasmText(addr uint64) string {
	inst, err := DisasmAt(d.vm.mem.Space(), addr)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return inst.String()
}

func (d *Debugger) printHalt() {
	switch d.vm.Reason() {
	case HaltFault:
		fmt.Fprintf(d.out, "halted: fault %s\n", d.vm.Fault().Error()) //nolint:errcheck
	default:
		fmt.Fprintf(d.out, "halted: %s R7=0x%x\n", d.vm.Reason(), d.vm.R[7]) //nolint:errcheck
	}
}

func (d *Debugger) help() {
	fmt.Fprintln(d.out, "commands:")             //nolint:errcheck
	fmt.Fprintln(d.out, "  help|h")              //nolint:errcheck
	fmt.Fprintln(d.out, "  step|s [n]")          //nolint:errcheck
	fmt.Fprintln(d.out, "  continue|c")          //nolint:errcheck
	fmt.Fprintln(d.out, "  break|b <addr>")      //nolint:errcheck
	fmt.Fprintln(d.out, "  delete <id>")         //nolint:errcheck
	fmt.Fprintln(d.out, "  breakpoints|list")    //nolint:errcheck
	fmt.Fprintln(d.out, "  regs|r")              //nolint:errcheck
	fmt.Fprintln(d.out, "  mem|x <addr> [n]")    //nolint:errcheck
	fmt.Fprintln(d.out, "  disasm|d [addr] [n]") //nolint:errcheck
	fmt.Fprintln(d.out, "  set <reg> <value>")   //nolint:errcheck
	fmt.Fprintln(d.out, "  quit|q")              //nolint:errcheck
}
