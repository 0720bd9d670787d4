package thunk

import (
	"errors"
	"testing"

	"ebcvm/internal/memory"
)

func TestEncodeLayout(t *testing.T) {
	code := Encode(0x1122334455667788, 0x99AABBCCDDEEFF00)
	want := []byte{
		0x48, 0xB8, 0xBC, 0x2E, 0x11, 0xCA, 0xBC, 0x2E, 0x11, 0xCA,
		0x49, 0xBA, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x49, 0xBB, 0x00, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x99,
		0x41, 0xFF, 0xE3,
	}
	if string(code[:]) != string(want) {
		t.Fatalf("Encode = % x\nwant     % x", code, want)
	}
	entry, bridge, ok := Decode(code[:])
	if !ok || entry != 0x1122334455667788 || bridge != 0x99AABBCCDDEEFF00 {
		t.Fatalf("Decode = %#x %#x %v", entry, bridge, ok)
	}
}

func TestMatchRequiresBridge(t *testing.T) {
	code := Encode(0x4000, 0x9000)
	if entry, ok := Match(code[:], 0x9000); !ok || entry != 0x4000 {
		t.Fatalf("Match = %#x, %v", entry, ok)
	}
	if _, ok := Match(code[:], 0x9010); ok {
		t.Fatal("matched with the wrong bridge")
	}
	code[Size-1] = 0xE2
	if _, ok := Match(code[:], 0x9000); ok {
		t.Fatal("matched a corrupted jump")
	}
	if _, ok := Match(code[:10], 0x9000); ok {
		t.Fatal("matched a short buffer")
	}
}

func TestTrackerCreateAndRelease(t *testing.T) {
	space := memory.NewSpace()
	arena := NewArena(0x70000, 4)
	if err := arena.MapInto(space); err != nil {
		t.Fatal(err)
	}
	tr := NewTracker(arena)
	var flushed []uint64
	tr.SetFlush(func(addr uint64, n int) {
		if n != Size {
			t.Errorf("flush size = %d", n)
		}
		flushed = append(flushed, addr)
	})

	if _, err := tr.Create(1, 0x4001, 0x9000); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("odd entry: %v", err)
	}

	a1, err := tr.Create(1, 0x4000, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := tr.Create(1, 0x4100, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Create(2, 0x5000, 0x9000); err != nil {
		t.Fatal(err)
	}
	if a1%16 != 0 || a2%16 != 0 || a1 == a2 {
		t.Fatalf("slots %#x %#x", a1, a2)
	}
	if len(flushed) != 3 {
		t.Fatalf("flush called %d times", len(flushed))
	}

	code, err := space.ReadBytes(a2, Size)
	if err != nil {
		t.Fatal(err)
	}
	if entry, ok := Match(code, 0x9000); !ok || entry != 0x4100 {
		t.Fatalf("thunk in memory does not match: %#x %v", entry, ok)
	}

	if got := tr.Images(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Images = %v", got)
	}
	if n, err := tr.Release(1); err != nil || n != 2 {
		t.Fatalf("Release = %d, %v", n, err)
	}
	if _, err := tr.Release(1); !errors.Is(err, ErrUnknownImage) {
		t.Fatalf("second Release: %v", err)
	}
	code, _ = space.ReadBytes(a2, Size)
	if _, ok := Match(code, 0x9000); ok {
		t.Fatal("released slot still holds a trampoline")
	}
}

func TestArenaExhaustion(t *testing.T) {
	tr := NewTracker(NewArena(0x70000, 1))
	if _, err := tr.Create(1, 0x10, 0x20); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Create(1, 0x12, 0x20); !errors.Is(err, ErrArenaFull) {
		t.Fatalf("expected ErrArenaFull, got %v", err)
	}
	if _, err := tr.Release(1); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Create(3, 0x12, 0x20); err != nil {
		t.Fatalf("slot not reusable: %v", err)
	}
}
