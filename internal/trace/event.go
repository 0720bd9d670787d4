package trace

import "time"

// Kind represents the type of trace event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1 // span start
	KindSpanEnd                   // span end
	KindPoint                     // instant event
	KindFault                     // exception delivered by the VM
	KindHeartbeat                 // periodic liveness signal
)

func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindPoint:
		return "point"
	case KindFault:
		return "fault"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Scope indicates the granularity of the event.
// Lower values are coarser.
type Scope uint8

const (
	ScopeEngine Scope = iota + 1 // engine lifecycle
	ScopeCall                    // one bytecode invocation
	ScopeInstr                   // single instruction
)

func (s Scope) String() string {
	switch s {
	case ScopeEngine:
		return "engine"
	case ScopeCall:
		return "call"
	case ScopeInstr:
		return "instr"
	default:
		return "unknown"
	}
}

// Event represents a single trace event.
type Event struct {
	Time     time.Time
	Seq      uint64
	Kind     Kind
	Scope    Scope
	SpanID   uint64
	ParentID uint64
	GID      uint64
	Name     string // e.g. "execute", "native", "thunk"
	Detail   string
	Extra    map[string]string
}

// Point emits an instant event if the tracer accepts it.
func Point(t Tracer, scope Scope, name, detail string) {
	emitKind(t, KindPoint, scope, name, detail)
}

// Fault emits a fault event. Faults pass every level except off.
func Fault(t Tracer, scope Scope, name, detail string) {
	emitKind(t, KindFault, scope, name, detail)
}

func emitKind(t Tracer, kind Kind, scope Scope, name, detail string) {
	if t == nil || !t.Level().ShouldEmit(scope, kind) {
		return
	}
	t.Emit(&Event{
		Time:   time.Now(),
		Kind:   kind,
		Scope:  scope,
		GID:    getGoroutineID(),
		Name:   name,
		Detail: detail,
	})
}
