// Package trace records what the bytecode engine does while it runs.
//
// Events are grouped by scope:
//
//   - ScopeEngine: engine lifecycle, image mapping, thunk creation
//   - ScopeCall: one span per bytecode invocation, native bridging
//   - ScopeInstr: exception delivery and per-instruction detail
//
// and filtered by level (off, error, call, detail, debug). A tracer travels
// with the context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeCall, "execute", 0)
//	defer span.End("")
//
// StreamTracer writes text or NDJSON as events arrive, RingTracer keeps the
// most recent events for a post-mortem dump, MultiTracer fans out to both.
package trace
