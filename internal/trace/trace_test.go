package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		level Level
		scope Scope
		kind  Kind
		want  bool
	}{
		{LevelOff, ScopeEngine, KindFault, false},
		{LevelError, ScopeCall, KindSpanBegin, false},
		{LevelError, ScopeInstr, KindFault, true},
		{LevelCall, ScopeCall, KindSpanEnd, true},
		{LevelCall, ScopeCall, KindPoint, false},
		{LevelCall, ScopeInstr, KindSpanBegin, false},
		{LevelDetail, ScopeCall, KindPoint, true},
		{LevelDetail, ScopeInstr, KindPoint, false},
		{LevelDebug, ScopeInstr, KindPoint, true},
	}
	for _, tc := range cases {
		if got := tc.level.ShouldEmit(tc.scope, tc.kind); got != tc.want {
			t.Errorf("%s.ShouldEmit(%s, %s) = %v, want %v", tc.level, tc.scope, tc.kind, got, tc.want)
		}
	}
}

func TestParseLevelAndMode(t *testing.T) {
	if lvl, err := ParseLevel("DETAIL"); err != nil || lvl != LevelDetail {
		t.Fatalf("ParseLevel(DETAIL) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if m, err := ParseMode("both"); err != nil || m != ModeBoth {
		t.Fatalf("ParseMode(both) = %v, %v", m, err)
	}
}

func TestStreamTracerText(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelCall, FormatText)

	span := Begin(tr, ScopeCall, "execute", 0)
	span.WithExtra("steps", "4").End("normal")
	Point(tr, ScopeCall, "native", "suppressed at call level")

	out := buf.String()
	if !strings.Contains(out, "→ call/execute") || !strings.Contains(out, "← call/execute (normal) {steps=4}") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "native") {
		t.Fatalf("point event leaked at call level:\n%s", out)
	}
}

func TestStreamTracerNDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelError, FormatNDJSON)
	Fault(tr, ScopeInstr, "exception", "DIVIDE_ERROR")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if got["kind"] != "fault" || got["scope"] != "instr" || got["detail"] != "DIVIDE_ERROR" {
		t.Fatalf("unexpected event: %v", got)
	}
}

func TestRingTracerWraps(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		Point(r, ScopeEngine, name, "")
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i, want := range []string{"c", "d", "e"} {
		if snap[i].Name != want {
			t.Fatalf("snap[%d] = %q, want %q", i, snap[i].Name, want)
		}
	}
}

func TestMultiTracerRing(t *testing.T) {
	var buf bytes.Buffer
	ring := NewRingTracer(8, LevelDebug)
	m := NewMultiTracer(LevelDebug, NewStreamTracer(&buf, LevelDebug, FormatText), ring)
	Point(m, ScopeEngine, "map", "image")
	if m.Ring() != ring || len(ring.Snapshot()) != 1 || buf.Len() == 0 {
		t.Fatal("multi tracer did not fan out")
	}
}

func TestContextFallsBackToNop(t *testing.T) {
	if FromContext(context.Background()) != Nop {
		t.Fatal("expected Nop")
	}
	r := NewRingTracer(1, LevelDebug)
	if FromContext(WithTracer(context.Background(), r)) != r {
		t.Fatal("tracer lost in context")
	}
	if tr, err := New(Config{Level: LevelOff}); err != nil || tr.Enabled() {
		t.Fatal("LevelOff should give a disabled tracer")
	}
}
