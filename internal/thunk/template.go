// Package thunk builds and recognizes the native trampolines that route a
// native call into a bytecode entry point, and tracks them per image.
package thunk

import (
	"bytes"
	"encoding/binary"
)

// Size is the length of one trampoline.
const Size = 33

// Magic is loaded into rax by every trampoline.
const Magic uint64 = 0xCA112EBCCA112EBC

const (
	entryOffset  = 12
	bridgeOffset = 22
)

// Template is the x64 trampoline with placeholder entry and bridge values:
//
//	48 B8 <magic>   mov rax, 0xCA112EBCCA112EBC
//	49 BA <entry>   mov r10, entry
//	49 BB <bridge>  mov r11, bridge
//	41 FF E3        jmp r11
var Template = [Size]byte{
	0x48, 0xB8, 0xBC, 0x2E, 0x11, 0xCA, 0xBC, 0x2E, 0x11, 0xCA,
	0x49, 0xBA, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF, 0xAF,
	0x49, 0xBB, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA, 0xFA,
	0x41, 0xFF, 0xE3,
}

// Encode returns a trampoline for entry that jumps through bridge.
func Encode(entry, bridge uint64) [Size]byte {
	t := Template
	binary.LittleEndian.PutUint64(t[entryOffset:], entry)
	binary.LittleEndian.PutUint64(t[bridgeOffset:], bridge)
	return t
}

// Decode checks the fixed bytes of a trampoline and extracts its fields.
func Decode(code []byte) (entry, bridge uint64, ok bool) {
	if len(code) < Size {
		return 0, 0, false
	}
	if !bytes.Equal(code[:entryOffset], Template[:entryOffset]) ||
		!bytes.Equal(code[entryOffset+8:bridgeOffset], Template[entryOffset+8:bridgeOffset]) ||
		!bytes.Equal(code[bridgeOffset+8:Size], Template[bridgeOffset+8:]) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(code[entryOffset:]), binary.LittleEndian.Uint64(code[bridgeOffset:]), true
}

// Match reports whether code is a trampoline through bridge and returns its
// entry. The entry slot is the only wildcard.
func Match(code []byte, bridge uint64) (entry uint64, ok bool) {
	if len(code) < Size {
		return 0, false
	}
	want := Encode(0, bridge)
	if !bytes.Equal(code[:entryOffset], want[:entryOffset]) ||
		!bytes.Equal(code[entryOffset+8:Size], want[entryOffset+8:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(code[entryOffset:]), true
}
