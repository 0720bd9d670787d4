package ui

import (
	"errors"
	"strings"
	"testing"

	"ebcvm/internal/batch"
	"ebcvm/internal/snapshot"
	"ebcvm/internal/vm"
)

func TestApplyEventTracksJobs(t *testing.T) {
	m := NewProgressModel("run", []string{"a", "b", "c"}, nil).(*progressModel)

	m.applyEvent(batch.Event{Job: "a", Status: batch.StatusRunning})
	m.applyEvent(batch.Event{Job: "a", Status: batch.StatusDone, Result: vm.Result{Value: 7, Reason: vm.HaltNormal}})
	m.applyEvent(batch.Event{Job: "b", Status: batch.StatusDone, Result: vm.Result{
		Reason:    vm.HaltFault,
		Exception: &vm.Exception{Type: vm.ExceptDivideError},
	}})
	m.applyEvent(batch.Event{Job: "c", Status: batch.StatusError, Err: errors.New("out of resources")})
	m.applyEvent(batch.Event{Job: "unknown", Status: batch.StatusDone})

	want := []struct{ status, detail string }{
		{"done", "r7=0x7"},
		{"fault", "EBC0001"},
		{"error", "out of resources"},
	}
	for i, w := range want {
		item := m.items[i]
		if item.status != w.status || !strings.Contains(item.detail, w.detail) {
			t.Fatalf("item %d = %+v, want %s/%s", i, item, w.status, w.detail)
		}
	}
	if m.finished() != 3 {
		t.Fatalf("finished = %d", m.finished())
	}
}

func TestViewListsJobs(t *testing.T) {
	m := NewProgressModel("batch", []string{"job#1", "job#2"}, nil).(*progressModel)
	m.applyEvent(batch.Event{Job: "job#1", Status: batch.StatusRunning})
	view := m.View()
	for _, s := range []string{"batch (0/2)", "job#1", "job#2", "running", "queued"} {
		if !strings.Contains(view, s) {
			t.Fatalf("view missing %q:\n%s", s, view)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 3, "abc"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestRenderState(t *testing.T) {
	s := &snapshot.State{
		Label:       "div",
		Reason:      "fault",
		Steps:       3,
		NativeWidth: 8,
		IP:          0x1008,
		Fault:       &snapshot.Fault{Type: uint8(vm.ExceptDivideError), Severity: uint8(vm.SeverityFatal), IP: 0x1008},
	}
	s.R[7] = 0xdead
	out := RenderState(s)
	for _, want := range []string{"div", "fault", "R7", "0x000000000000dead", "EBC0001"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}
}

func TestPadRight(t *testing.T) {
	if got := PadRight("R1", 5); got != "R1   " {
		t.Fatalf("PadRight = %q", got)
	}
}
