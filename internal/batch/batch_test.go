package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/config"
	"ebcvm/internal/engine"
	"ebcvm/internal/stackpool"
	"ebcvm/internal/vm"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) OnEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) count(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Status == status {
			n++
		}
	}
	return n
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	exec := func(entry uint64, args ...uint64) (vm.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return vm.Result{Value: entry, Reason: vm.HaltNormal}, nil
	}

	sink := &recordingSink{}
	jobs := Repeat("job", 0x10, nil, 8)
	outcomes, err := Run(context.Background(), exec, jobs, 3, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", p)
	}
	for i, o := range outcomes {
		if o.Job.Name != jobs[i].Name || o.Result.Value != 0x10 {
			t.Fatalf("outcome %d = %+v", i, o)
		}
	}
	for _, status := range []Status{StatusQueued, StatusRunning, StatusDone} {
		if n := sink.count(status); n != len(jobs) {
			t.Fatalf("%s events = %d, want %d", status, n, len(jobs))
		}
	}
}

func TestRunRecordsPerJobErrors(t *testing.T) {
	exec := func(entry uint64, args ...uint64) (vm.Result, error) {
		if len(args) > 0 && args[0] == 1 {
			return vm.Result{}, stackpool.ErrOutOfResources
		}
		return vm.Result{Reason: vm.HaltFault, Exception: &vm.Exception{Type: vm.ExceptDivideError}}, nil
	}
	jobs := []Job{
		{Name: "busy", Args: []uint64{1}},
		{Name: "fault"},
	}
	sink := &recordingSink{}
	outcomes, err := Run(context.Background(), exec, jobs, 2, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(outcomes[0].Err, stackpool.ErrOutOfResources) {
		t.Fatalf("busy outcome err = %v", outcomes[0].Err)
	}
	s := Summarize(outcomes)
	if s.Errors != 1 || s.Faulted != 1 || s.Normal != 0 {
		t.Fatalf("summary = %+v", s)
	}
	if sink.count(StatusError) != 1 {
		t.Fatal("missing error event")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	exec := func(uint64, ...uint64) (vm.Result, error) {
		calls.Add(1)
		return vm.Result{}, nil
	}
	if _, err := Run(ctx, exec, Repeat("x", 0, nil, 4), 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run on cancelled context: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("exec called %d times after cancel", calls.Load())
	}
}

func TestRunAgainstEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Stack.PoolSize = 2
	cfg.Stack.BufferSize = 64 * 1024
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close() //nolint:errcheck

	const base = 0x40_0000
	code := bytecode.NewBuilder().
		Movi(bytecode.R(7), 64, 16, 3).
		Ret().
		Bytes()
	if _, err := e.MapImage("image", base, code); err != nil {
		t.Fatal(err)
	}

	outcomes, err := Run(context.Background(), e.Execute, Repeat("run", base, nil, 16), 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := Summarize(outcomes)
	if s.Normal+s.Errors != 16 || s.Normal == 0 || s.Faulted != 0 {
		t.Fatalf("summary = %+v", s)
	}
	for _, o := range outcomes {
		if o.Err != nil && !errors.Is(o.Err, stackpool.ErrOutOfResources) {
			t.Fatalf("unexpected error: %v", o.Err)
		}
		if o.Err == nil && o.Result.Value != 3 {
			t.Fatalf("R7 = %d", o.Result.Value)
		}
	}
	if e.Stats().StacksInUse != 0 {
		t.Fatal("stacks leaked")
	}
}
