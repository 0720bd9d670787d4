package vm

import (
	"fmt"
	"strings"
)

// ExceptionType identifies the kind of fault raised by an instruction.
type ExceptionType uint8

// Stable exception numbers - do not change values.
const (
	ExceptUndefined           ExceptionType = 0  // EBC0000
	ExceptDivideError         ExceptionType = 1  // EBC0001: zero divisor
	ExceptDebug               ExceptionType = 2  // EBC0002
	ExceptBreakpoint          ExceptionType = 3  // EBC0003: BREAK 3
	ExceptOverflow            ExceptionType = 4  // EBC0004
	ExceptInvalidOpcode       ExceptionType = 5  // EBC0005: empty dispatch slot
	ExceptStackFault          ExceptionType = 6  // EBC0006: guard word or stack limit
	ExceptAlignmentCheck      ExceptionType = 7  // EBC0007: misaligned target or immediate
	ExceptInstructionEncoding ExceptionType = 8  // EBC0008: field present where forbidden
	ExceptBadBreak            ExceptionType = 9  // EBC0009: unknown BREAK code
	ExceptSingleStep          ExceptionType = 10 // EBC0010: STEP flag set
	ExceptAccessViolation     ExceptionType = 11 // EBC0011: unmapped or reserved address

	// MaxExceptionType is the highest valid exception number.
	MaxExceptionType = ExceptAccessViolation
)

var exceptionNames = [...]string{
	ExceptUndefined:           "undefined",
	ExceptDivideError:         "divide error",
	ExceptDebug:               "debug",
	ExceptBreakpoint:          "breakpoint",
	ExceptOverflow:            "overflow",
	ExceptInvalidOpcode:       "invalid opcode",
	ExceptStackFault:          "stack fault",
	ExceptAlignmentCheck:      "alignment check",
	ExceptInstructionEncoding: "instruction encoding",
	ExceptBadBreak:            "bad break",
	ExceptSingleStep:          "single step",
	ExceptAccessViolation:     "access violation",
}

func (t ExceptionType) String() string {
	if int(t) < len(exceptionNames) {
		return exceptionNames[t]
	}
	return fmt.Sprintf("exception(%d)", uint8(t))
}

// Code returns the stable "EBC0005" form.
func (t ExceptionType) Code() string {
	return fmt.Sprintf("EBC%04d", uint8(t))
}

// Severity is a bit set; the VM accumulates every severity it has raised.
type Severity uint8

const (
	SeverityNone    Severity = 0
	SeverityWarning Severity = 1
	SeverityError   Severity = 2
	SeverityFatal   Severity = 4
)

func (s Severity) String() string {
	if s == SeverityNone {
		return "none"
	}
	var parts []string
	if s&SeverityFatal != 0 {
		parts = append(parts, "fatal")
	}
	if s&SeverityError != 0 {
		parts = append(parts, "error")
	}
	if s&SeverityWarning != 0 {
		parts = append(parts, "warning")
	}
	return strings.Join(parts, "|")
}

// Exception is one delivered fault.
type Exception struct {
	Type     ExceptionType
	Severity Severity
	IP       uint64
	Message  string
}

// Error implements the error interface.
func (e *Exception) Error() string {
	return fmt.Sprintf("%s %s at 0x%x: %s", e.Severity, e.Type.Code(), e.IP, e.Message)
}

// FaultPolicy decides which severities end the current call. Fatal faults
// always do.
type FaultPolicy uint8

const (
	// PolicyContinue halts on fatal faults only; errors and warnings are
	// reported and execution keeps going.
	PolicyContinue FaultPolicy = iota
	// PolicyAbortOnError also halts on error severity.
	PolicyAbortOnError
	// PolicyStrict halts on any warning or worse.
	PolicyStrict
)

func (p FaultPolicy) String() string {
	switch p {
	case PolicyContinue:
		return "continue"
	case PolicyAbortOnError:
		return "abort-on-error"
	case PolicyStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseFaultPolicy parses a policy name.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue":
		return PolicyContinue, nil
	case "abort-on-error":
		return PolicyAbortOnError, nil
	case "strict":
		return PolicyStrict, nil
	default:
		return 0, fmt.Errorf("unknown fault policy %q (want continue, abort-on-error or strict)", s)
	}
}

// Halts reports whether a fault of severity sev ends the call.
func (p FaultPolicy) Halts(sev Severity) bool {
	switch {
	case sev&SeverityFatal != 0:
		return true
	case sev&SeverityError != 0:
		return p >= PolicyAbortOnError
	case sev&SeverityWarning != 0:
		return p == PolicyStrict
	default:
		return false
	}
}

// accessFault carries a memory error out of a handler. Step recovers it.
type accessFault struct {
	err error
}

// signal records a fault, delivers it to the registered callback and stops
// the call when the policy says so.
func (vm *VM) signal(t ExceptionType, sev Severity, format string, args ...any) *Exception {
	e := &Exception{Type: t, Severity: sev, IP: vm.IP, Message: fmt.Sprintf(format, args...)}
	vm.ExceptionFlags |= sev
	vm.LastException = t
	if vm.opts.Policy.Halts(sev) {
		vm.StopFlags |= StopAppDone
		if vm.fault == nil {
			vm.fault = e
		}
	}
	vm.emitFault(e)
	if vm.opts.Debug != nil {
		vm.opts.Debug.deliver(vm, t)
	}
	return e
}

func (vm *VM) fatal(t ExceptionType, format string, args ...any) {
	vm.signal(t, SeverityFatal, format, args...)
}
