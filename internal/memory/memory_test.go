package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func newTestAccessor(t *testing.T, natural int) (*Accessor, *Region) {
	t.Helper()
	space := NewSpace()
	r, err := space.Map("ram", 0x1000, make([]byte, 256))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	return NewAccessor(space, natural), r
}

func TestSpaceMapRejectsOverlap(t *testing.T) {
	space := NewSpace()
	if _, err := space.Map("a", 0x1000, make([]byte, 0x100)); err != nil {
		t.Fatal(err)
	}
	if _, err := space.Map("b", 0x2000, make([]byte, 0x100)); err != nil {
		t.Fatal(err)
	}
	for _, base := range []uint64{0x0F80, 0x10FF, 0x1F80} {
		if _, err := space.Map("c", base, make([]byte, 0x100)); !errors.Is(err, ErrOverlap) {
			t.Fatalf("Map at %#x: expected ErrOverlap, got %v", base, err)
		}
	}
	if _, err := space.Map("between", 0x1100, make([]byte, 0xF00)); err != nil {
		t.Fatalf("adjacent mapping rejected: %v", err)
	}
	if got := len(space.Regions()); got != 3 {
		t.Fatalf("regions = %d, want 3", got)
	}
	if r := space.Region(0x1100); r == nil || r.Name != "between" {
		t.Fatalf("Region(0x1100) = %v", r)
	}
	if err := space.Unmap(0x1100); err != nil {
		t.Fatal(err)
	}
	if _, err := space.Load8(0x1100); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("expected ErrUnmapped after Unmap, got %v", err)
	}
}

func TestSpaceAccessMustStayInsideRegion(t *testing.T) {
	space := NewSpace()
	if _, err := space.Map("ram", 0x1000, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if err := space.Store64(0x1008, 1); err != nil {
		t.Fatalf("last full word: %v", err)
	}
	var ae *AccessError
	if err := space.Store64(0x1009, 1); !errors.As(err, &ae) || ae.Op != "write" || ae.Size != 8 {
		t.Fatalf("straddling store: %v", err)
	}
	if _, err := space.Load8(0xFFF); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("below region: %v", err)
	}
}

// Every misaligned access must land the same bytes as the equivalent store
// into an aligned scratch buffer.
func TestMisalignedRoundTrip(t *testing.T) {
	for _, natural := range []int{4, 8} {
		a, r := newTestAccessor(t, natural)
		for off := uint64(0); off < 16; off++ {
			addr := r.Base + 64 + off
			clear(r.Data)

			v := uint64(0x8877665544332211)
			want := make([]byte, 8)

			if err := a.Write16(addr, uint16(v)); err != nil {
				t.Fatal(err)
			}
			binary.LittleEndian.PutUint16(want, uint16(v))
			checkBytes(t, r, addr, want[:2], "Write16")
			if got, err := a.Read16(addr); err != nil || got != uint16(v) {
				t.Fatalf("Read16(+%d) = %#x, %v", off, got, err)
			}

			if err := a.Write32(addr, uint32(v)); err != nil {
				t.Fatal(err)
			}
			binary.LittleEndian.PutUint32(want, uint32(v))
			checkBytes(t, r, addr, want[:4], "Write32")
			if got, err := a.Read32(addr); err != nil || got != uint32(v) {
				t.Fatalf("Read32(+%d) = %#x, %v", off, got, err)
			}

			if err := a.Write64(addr, v); err != nil {
				t.Fatal(err)
			}
			binary.LittleEndian.PutUint64(want, v)
			checkBytes(t, r, addr, want, "Write64")
			if got, err := a.Read64(addr); err != nil || got != v {
				t.Fatalf("Read64(+%d) = %#x, %v", off, got, err)
			}

			clear(r.Data)
			if err := a.WriteN(addr, v); err != nil {
				t.Fatal(err)
			}
			checkBytes(t, r, addr, want[:natural], "WriteN")
			wantN := v
			if natural == 4 {
				wantN = uint64(uint32(v))
			}
			if got, err := a.ReadN(addr); err != nil || got != wantN {
				t.Fatalf("ReadN(+%d) natural=%d = %#x, %v", off, natural, got, err)
			}
		}
	}
}

func checkBytes(t *testing.T, r *Region, addr uint64, want []byte, what string) {
	t.Helper()
	off := addr - r.Base
	if got := r.Data[off : off+uint64(len(want))]; !bytes.Equal(got, want) {
		t.Fatalf("%s at %#x wrote % x, want % x", what, addr, got, want)
	}
}

func TestFencesOnlyOnSplitAccesses(t *testing.T) {
	a, r := newTestAccessor(t, 8)
	if err := a.Write64(r.Base+8, 1); err != nil {
		t.Fatal(err)
	}
	if a.Fences() != 0 {
		t.Fatalf("aligned write issued %d fences", a.Fences())
	}
	if err := a.Write64(r.Base+9, 1); err != nil {
		t.Fatal(err)
	}
	if a.Fences() == 0 {
		t.Fatal("misaligned write issued no fences")
	}
}

func TestStackGap(t *testing.T) {
	a, r := newTestAccessor(t, 8)
	low, high := r.Base+0x80, r.Base+0x90
	a.SetStackGap(low, high)

	for _, addr := range []uint64{low, low + 4, high - 1} {
		if err := a.Write32(addr, 1); !errors.Is(err, ErrStackGap) {
			t.Fatalf("write at %#x: expected ErrStackGap, got %v", addr, err)
		}
		if _, err := a.ReadN(addr); !errors.Is(err, ErrStackGap) {
			t.Fatalf("read at %#x: expected ErrStackGap, got %v", addr, err)
		}
	}
	for _, addr := range []uint64{low - 8, high} {
		if err := a.Write64(addr, 7); err != nil {
			t.Fatalf("outside gap at %#x: %v", addr, err)
		}
		if got, err := a.Read64(addr); err != nil || got != 7 {
			t.Fatalf("outside gap read %#x = %d, %v", addr, got, err)
		}
	}
	if got, err := a.ConvertStackAddress(0x42); err != nil || got != 0x42 {
		t.Fatalf("ConvertStackAddress outside gap = %#x, %v", got, err)
	}
}

func TestStackGapRejectsStraddlingAccess(t *testing.T) {
	a, r := newTestAccessor(t, 4)
	low, high := r.Base+0x80, r.Base+0x84
	a.SetStackGap(low, high)

	if _, err := a.Read64(low - 4); !errors.Is(err, ErrStackGap) {
		t.Fatalf("aligned Read64 across gap: %v", err)
	}
	if err := a.Write64(low-4, ^uint64(0)); !errors.Is(err, ErrStackGap) {
		t.Fatalf("aligned Write64 across gap: %v", err)
	}
	if err := a.Write32(low-2, 0xFFFFFFFF); !errors.Is(err, ErrStackGap) {
		t.Fatalf("split Write32 across gap: %v", err)
	}
	if _, err := a.ReadN(low - 2); !errors.Is(err, ErrStackGap) {
		t.Fatalf("misaligned ReadN across gap: %v", err)
	}
	for i := 0x7C; i < 0x80; i++ {
		if r.Data[i] != 0 {
			t.Fatalf("byte at +%#x written before the fault", i)
		}
	}
	if err := a.WriteN(low-4, 1); err != nil {
		t.Fatalf("WriteN ending at the gap: %v", err)
	}
}

func TestFetchCodeReportsMisalignment(t *testing.T) {
	a, r := newTestAccessor(t, 8)
	copy(r.Data[2:], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	if v, mis, err := a.FetchCode16(r.Base + 2); err != nil || mis || v != 0x2211 {
		t.Fatalf("aligned fetch = %#x, %v, %v", v, mis, err)
	}
	if v, mis, err := a.FetchCode16(r.Base + 3); err != nil || !mis || v != 0x3322 {
		t.Fatalf("misaligned fetch = %#x, %v, %v", v, mis, err)
	}
	if v, mis, err := a.FetchCode32(r.Base + 2); err != nil || mis || v != 0x44332211 {
		t.Fatalf("32-bit fetch at even offset = %#x, %v, %v", v, mis, err)
	}
}
