package stackpool

import (
	"errors"
	"sync"
	"testing"

	"ebcvm/internal/memory"
)

func newPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(Config{Capacity: 4, BufferSize: 4096, Base: 0x100000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestAcquireBeyondCapacityConcurrently(t *testing.T) {
	p := newPool(t)
	const callers = 5

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []*Buffer
		failures int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(owner Owner) {
			defer wg.Done()
			<-start
			b, err := p.Acquire(owner)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrOutOfResources):
				failures++
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			default:
				acquired = append(acquired, b)
			}
		}(Owner(i + 1))
	}
	close(start)
	wg.Wait()

	if len(acquired) != 4 || failures != 1 {
		t.Fatalf("acquired %d, failed %d; want 4 and 1", len(acquired), failures)
	}
	seen := map[int]bool{}
	for _, b := range acquired {
		if seen[b.Index] {
			t.Fatalf("buffer %d handed out twice", b.Index)
		}
		seen[b.Index] = true
	}
}

func TestReleaseReusesSlot(t *testing.T) {
	p := newPool(t)
	b, err := p.Acquire(7)
	if err != nil {
		t.Fatal(err)
	}
	b.Data[0] = 0xAA
	if err := p.Release(b); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(b); !errors.Is(err, ErrNotInUse) {
		t.Fatalf("double release: %v", err)
	}
	again, err := p.Acquire(8)
	if err != nil {
		t.Fatal(err)
	}
	if again != b || again.Data[0] != 0xAA {
		t.Fatal("released buffer was not reused as-is")
	}
	if p.Owner(again.Index) != 8 {
		t.Fatalf("owner = %d, want 8", p.Owner(again.Index))
	}
}

func TestReleaseOwner(t *testing.T) {
	p := newPool(t)
	for _, o := range []Owner{3, 3, 9} {
		if _, err := p.Acquire(o); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.ReleaseOwner(3); n != 2 {
		t.Fatalf("ReleaseOwner freed %d, want 2", n)
	}
	if p.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", p.InUse())
	}
	if _, err := p.Acquire(Free); err == nil {
		t.Fatal("acquire with the free tag must fail")
	}
}

func TestMapInto(t *testing.T) {
	p := newPool(t)
	space := memory.NewSpace()
	if err := p.MapInto(space); err != nil {
		t.Fatal(err)
	}
	b, _ := p.Acquire(1)
	if err := space.Store64(b.Top()-8, 0x55); err != nil {
		t.Fatalf("top of stack not mapped: %v", err)
	}
	if b.Data[len(b.Data)-8] != 0x55 {
		t.Fatal("space does not alias the buffer")
	}
	if _, err := space.Load8(b.Top()); !errors.Is(err, memory.ErrUnmapped) {
		t.Fatalf("expected unmapped hole above stack, got %v", err)
	}
}

func TestReleaseAsIgnoresReclaimedBuffer(t *testing.T) {
	p := newPool(t)
	b, err := p.Acquire(7)
	if err != nil {
		t.Fatal(err)
	}
	if n := p.ReleaseOwner(7); n != 1 {
		t.Fatalf("ReleaseOwner = %d", n)
	}
	again, err := p.Acquire(9)
	if err != nil || again != b {
		t.Fatalf("expected the reclaimed buffer, got %v, %v", again, err)
	}
	if err := p.ReleaseAs(b, 7); !errors.Is(err, ErrNotInUse) {
		t.Fatalf("ReleaseAs stale owner: %v", err)
	}
	if p.Owner(b.Index) != 9 {
		t.Fatalf("owner = %d, want 9", p.Owner(b.Index))
	}
	if err := p.ReleaseAs(b, 9); err != nil {
		t.Fatal(err)
	}
}
