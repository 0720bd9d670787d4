package engine

import (
	"errors"
	"testing"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/config"
	"ebcvm/internal/stackpool"
	"ebcvm/internal/thunk"
	"ebcvm/internal/trace"
	"ebcvm/internal/vm"
)

const imageBase = 0x40_0000

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Stack.PoolSize = 2
	cfg.Stack.BufferSize = 64 * 1024
	return cfg
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() }) //nolint:errcheck
	return e
}

func mapCode(t *testing.T, e *Engine, code []byte) {
	t.Helper()
	if _, err := e.MapImage("image", imageBase, code); err != nil {
		t.Fatalf("MapImage: %v", err)
	}
}

func TestExecuteReturnsR7(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().
		Movi(bytecode.R(7), 64, 16, 5).
		Movi(bytecode.R(2), 64, 16, 7).
		Alu(bytecode.OpAdd, false, bytecode.R(7), bytecode.R(2)).
		Ret().
		Bytes())

	res, err := e.Execute(imageBase)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Reason != vm.HaltNormal || res.Value != 12 || res.Steps != 4 {
		t.Fatalf("result = %+v", res)
	}
	if got := e.Stats().StacksInUse; got != 0 {
		t.Fatalf("stacks in use after return: %d", got)
	}
}

func TestExecuteArguments(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().
		Mov(bytecode.OpMovqw, bytecode.R(7), bytecode.At(0).Off(16)).
		Mov(bytecode.OpMovqw, bytecode.R(1), bytecode.At(0).Off(24)).
		Alu(bytecode.OpAdd, true, bytecode.R(7), bytecode.R(1)).
		Ret().
		Bytes())

	res, err := e.Execute(imageBase, 30, 12)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value != 42 {
		t.Fatalf("R7 = %d, want 42", res.Value)
	}

	args := make([]uint64, vm.MaxArgs+1)
	if _, err := e.Execute(imageBase, args...); !errors.Is(err, vm.ErrTooManyArgs) {
		t.Fatalf("expected ErrTooManyArgs, got %v", err)
	}
}

func TestNativeCallCounted(t *testing.T) {
	e := newEngine(t)
	var got []uint64
	addr, err := e.RegisterNative("add1", func(args []uint64) (uint64, error) {
		got = append([]uint64(nil), args...)
		return args[0] + 1, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	mapCode(t, e, bytecode.NewBuilder().
		Movi(bytecode.R(2), 64, 16, 41).
		Movi(bytecode.R(1), 64, 64, int64(addr)). //nolint:gosec
		Push(true, bytecode.R(2)).
		Call(true, false, bytecode.R(1)).
		Pop(true, bytecode.R(2)).
		Ret().
		Bytes())

	res, err := e.Execute(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != vm.HaltNormal || res.Value != 42 {
		t.Fatalf("result = %+v", res)
	}
	if len(got) == 0 || got[0] != 41 {
		t.Fatalf("native args = %v", got)
	}
	if n := e.Stats().NativeCalls; n != 1 {
		t.Fatalf("NativeCalls = %d, want 1", n)
	}
}

func TestTrampolineCallStaysInVM(t *testing.T) {
	e := newEngine(t)
	// MOVI R1 (6) + CALL32EX (2) + RET (2) puts the callee at +10.
	tramp, err := e.CreateThunk(0, imageBase+10, 0)
	if err != nil {
		t.Fatal(err)
	}
	mapCode(t, e, bytecode.NewBuilder().
		Movi(bytecode.R(1), 64, 32, int64(tramp)). //nolint:gosec
		Call(true, false, bytecode.R(1)).
		Ret().
		Movi(bytecode.R(7), 64, 16, 99).
		Ret().
		Bytes())

	res, err := e.Execute(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != vm.HaltNormal || res.Value != 99 {
		t.Fatalf("result = %+v", res)
	}
	if n := e.Stats().NativeCalls; n != 0 {
		t.Fatalf("trampoline call bridged natively %d times", n)
	}
}

func TestHostCallThroughTrampoline(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().
		Mov(bytecode.OpMovqw, bytecode.R(7), bytecode.At(0).Off(16)).
		Ret().
		Bytes())

	tramp, err := e.CreateThunk(0, imageBase, 0)
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.CallNative(tramp, 5)
	if err != nil || v != 5 {
		t.Fatalf("CallNative = %d, %v", v, err)
	}

	entry, err := e.CreateThunk(0x77, imageBase, FlagEntryPoint)
	if err != nil {
		t.Fatal(err)
	}
	v, err = e.CallNative(entry, 0x77, 0x88)
	if err != nil || v != 0x77 {
		t.Fatalf("image entry returned 0x%x, %v", v, err)
	}

	if n := e.Stats().NativeCalls; n != 0 {
		t.Fatalf("NativeCalls = %d, want 0", n)
	}
	if n := e.Stats().Executions; n != 2 {
		t.Fatalf("Executions = %d, want 2", n)
	}
}

func TestCallNativeNotCallable(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().Ret().Bytes())
	for _, addr := range []uint64{imageBase, 0x7000_0000} {
		if _, err := e.CallNative(addr); !errors.Is(err, ErrNotCallable) {
			t.Fatalf("CallNative(0x%x) = %v, want ErrNotCallable", addr, err)
		}
	}
	interp, _ := e.Bridges()
	if _, err := e.CallNative(interp); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("calling a bridge directly: %v", err)
	}
}

func TestBreakCreatesUsableThunk(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().
		Movrel(bytecode.R(7), 16, 12).                        // 0x00: R7 = +0x10
		Break(5).                                             // 0x04
		Mov(bytecode.OpMovqq, bytecode.R(1), bytecode.At(7)). // 0x06
		Call(true, false, bytecode.R(1)).                     // 0x08
		Ret().                                                // 0x0A
		Raw(0, 0, 0, 0).                                      // 0x0C
		Raw(4, 0, 0, 0, 0, 0, 0, 0).                          // 0x10: entry = 0x14 + 4
		Movi(bytecode.R(7), 64, 16, 0x55).                    // 0x18
		Ret().
		Bytes())

	res, err := e.Execute(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != vm.HaltNormal || res.Value != 0x55 {
		t.Fatalf("result = %+v (%v)", res, res.Exception)
	}
	if e.Stats().Thunks != 1 || e.Stats().NativeCalls != 0 {
		t.Fatalf("stats = %+v", e.Stats())
	}
}

func TestReleaseImage(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().Ret().Bytes())

	for i := 0; i < 2; i++ {
		if _, err := e.CreateThunk(5, imageBase, 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.CreateThunk(5, imageBase+1, 0); !errors.Is(err, thunk.ErrInvalidEntry) {
		t.Fatalf("odd entry: %v", err)
	}
	if n, err := e.ReleaseImage(5); err != nil || n != 2 {
		t.Fatalf("ReleaseImage = %d, %v", n, err)
	}
	if _, err := e.ReleaseImage(5); !errors.Is(err, thunk.ErrUnknownImage) {
		t.Fatalf("second release: %v", err)
	}

	inv, err := e.StartImageEntry(9, imageBase, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Stats().StacksInUse != 1 {
		t.Fatal("image stack not acquired")
	}
	if _, err := e.ReleaseImage(9); err != nil {
		t.Fatalf("release with only a stack: %v", err)
	}
	if e.Stats().StacksInUse != 0 {
		t.Fatal("image stack not reclaimed")
	}
	other, err := e.Start(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if err := inv.Close(); err != nil {
		t.Fatalf("Close after release: %v", err)
	}
	if e.Stats().StacksInUse != 1 {
		t.Fatal("closing a reclaimed invocation freed another call's stack")
	}
	if err := other.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := e.StartImageEntry(0, imageBase, 0); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("zero image: %v", err)
	}
}

func TestStackExhaustion(t *testing.T) {
	e := newEngine(t)
	mapCode(t, e, bytecode.NewBuilder().Ret().Bytes())

	a, err := e.Start(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Start(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Start(imageBase); !errors.Is(err, stackpool.ErrOutOfResources) {
		t.Fatalf("third start: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	c, err := e.Start(imageBase)
	if err != nil {
		t.Fatalf("start after release: %v", err)
	}
	if c.Stack() != a.Stack() {
		t.Fatal("released buffer not reused")
	}
	b.Close() //nolint:errcheck
	c.Close() //nolint:errcheck
}

func TestRegisterNativeErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Native.Slots = 3
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close() //nolint:errcheck

	fn := func([]uint64) (uint64, error) { return 0, nil }
	addr, err := e.RegisterNative("one", fn)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := e.Native("one"); !ok || got != addr {
		t.Fatalf("Native(one) = 0x%x, %v", got, ok)
	}
	if name, ok := e.NativeName(addr); !ok || name != "one" {
		t.Fatalf("NativeName = %q", name)
	}
	if _, err := e.RegisterNative("two", fn); !errors.Is(err, ErrNativeTableFull) {
		t.Fatalf("full table: %v", err)
	}
	if _, err := e.RegisterNative(InterpretBridge, fn); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if _, err := e.RegisterNative("nil", nil); !errors.Is(err, vm.ErrInvalidParameter) {
		t.Fatalf("nil native: %v", err)
	}
}

func TestICacheFlushHook(t *testing.T) {
	e := newEngine(t)
	type flush struct {
		addr uint64
		n    int
	}
	var flushes []flush
	e.RegisterICacheFlush(func(addr uint64, n int) { flushes = append(flushes, flush{addr, n}) })

	addr, err := e.CreateThunk(1, imageBase, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Debug().InvalidateInstructionCache(imageBase, 64); err != nil {
		t.Fatal(err)
	}
	want := []flush{{addr, thunk.Size}, {imageBase, 64}}
	if len(flushes) != len(want) {
		t.Fatalf("flushes = %v", flushes)
	}
	for i := range want {
		if flushes[i] != want[i] {
			t.Fatalf("flush %d = %v, want %v", i, flushes[i], want[i])
		}
	}
}

func TestMapImageRejectsReservedRegions(t *testing.T) {
	e := newEngine(t)
	cfg := e.Config()
	if _, err := e.MapImage("bad", cfg.Thunk.Base, make([]byte, 16)); err == nil {
		t.Fatal("image mapped over the trampoline arena")
	}
	mapCode(t, e, make([]byte, 16))
	if _, err := e.MapImage("dup", imageBase+8, make([]byte, 16)); err == nil {
		t.Fatal("overlapping image accepted")
	}
}

func TestFaultReportedInResult(t *testing.T) {
	ring := trace.NewRingTracer(64, trace.LevelDebug)
	e := newEngine(t, WithTracer(ring))
	mapCode(t, e, bytecode.NewBuilder().
		Movi(bytecode.R(1), 64, 16, 1).
		Alu(bytecode.OpDiv, true, bytecode.R(1), bytecode.R(2)).
		Ret().
		Bytes())

	res, err := e.Execute(imageBase)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != vm.HaltFault || res.Exception == nil || res.Exception.Type != vm.ExceptDivideError {
		t.Fatalf("result = %+v", res)
	}
	if e.Stats().StacksInUse != 0 {
		t.Fatal("faulted call kept its stack")
	}

	seen := map[string]bool{}
	for _, ev := range ring.Snapshot() {
		seen[ev.Kind.String()+":"+ev.Name] = true
	}
	for _, want := range []string{"begin:execute", "end:execute", "fault:" + vm.ExceptDivideError.Code()} {
		if !seen[want] {
			t.Errorf("missing trace event %s in %v", want, seen)
		}
	}
}
