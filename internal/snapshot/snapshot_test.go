package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/memory"
	"ebcvm/internal/vm"
)

const (
	codeBase  = 0x1000
	stackBase = 0x10000
	stackSize = 0x8000
)

func runProgram(t *testing.T, code []byte) *vm.VM {
	t.Helper()
	space := memory.NewSpace()
	if _, err := space.Map("code", codeBase, code); err != nil {
		t.Fatal(err)
	}
	if _, err := space.Map("stack", stackBase, make([]byte, stackSize)); err != nil {
		t.Fatal(err)
	}
	m := vm.New(memory.NewAccessor(space, 8), vm.Options{})
	if err := m.Prepare(vm.StackFrame{Base: stackBase, Size: stackSize}, codeBase, []uint64{9}); err != nil {
		t.Fatal(err)
	}
	m.Run()
	return m
}

func TestWriteReadFaultedCall(t *testing.T) {
	code := bytecode.NewBuilder().
		Movi(bytecode.R(1), 64, 16, 10).
		Movi(bytecode.R(2), 64, 16, 0).
		Alu(bytecode.OpDiv, true, bytecode.R(1), bytecode.R(2)).
		Ret().
		Bytes()
	m := runProgram(t, code)

	s, err := FromVM(m, "div")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "nested", "state.mp")
	if err := Write(path, s); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.Label != "div" || got.Reason != "fault" || got.Steps != m.Steps {
		t.Fatalf("state = %+v", got)
	}
	if got.R != m.R || got.IP != m.IP || got.NativeWidth != 8 {
		t.Fatalf("registers differ: %v vs %v", got.R, m.R)
	}
	e := got.Exception()
	if e == nil || e.Type != vm.ExceptDivideError || e.Severity != vm.SeverityFatal {
		t.Fatalf("exception = %v", e)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}

func TestNormalCallHasNoFault(t *testing.T) {
	code := bytecode.NewBuilder().
		Movi(bytecode.R(7), 64, 16, 42).
		Ret().
		Bytes()
	s, err := FromVM(runProgram(t, code), "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Exception() != nil || s.Reason != "normal" || s.R[7] != 42 {
		t.Fatalf("state = %+v", s)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*State)
		schema bool
	}{
		{"schema", func(s *State) { s.Schema = Schema + 1 }, true},
		{"exception type", func(s *State) { s.Fault = &Fault{Type: 200} }, false},
		{"width", func(s *State) { s.NativeWidth = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{Schema: Schema, NativeWidth: 8}
			tt.mutate(s)
			var buf bytes.Buffer
			if err := Encode(&buf, s); err != nil {
				t.Fatal(err)
			}
			_, err := Decode(&buf)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.schema != errors.Is(err, ErrSchema) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{0xc1})); err == nil {
		t.Fatal("expected decode error")
	}
}
