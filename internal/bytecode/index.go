package bytecode

import (
	"errors"
	"fmt"
)

// ErrIndexRange is returned when an offset does not fit an index encoding.
var ErrIndexRange = errors.New("index out of range")

// An index packs sign, a 3-bit field width w, and two unit counts:
//
//	bit N-1      sign
//	bits N-2..N-4 w; natural units take the low w*scale bits
//	remaining     constant units above the natural field
//
// scale is 2 for 16-bit, 4 for 32-bit and 8 for 64-bit indexes. The decoded
// byte offset is sign * (constant + natural * pointer size).

func decodeIndex(raw uint64, bits, scale uint, natural uint64) (magnitude uint64, negative bool) {
	fieldBits := bits - 4
	all := uint64(1)<<bits - 1
	nbits := uint((raw>>fieldBits)&7) * scale
	mask := (all << nbits) & all
	nat := raw &^ mask & all
	cst := ((raw &^ (uint64(0xF) << fieldBits)) & mask) >> nbits
	return nat*natural + cst, (raw>>(bits-1))&1 == 1
}

func encodeIndex(negative bool, naturalUnits, constUnits uint64, bits, scale uint) (uint64, error) {
	fieldBits := bits - 4
	for w := uint(0); w < 8; w++ {
		nbits := w * scale
		if nbits > fieldBits {
			break
		}
		if naturalUnits >= uint64(1)<<nbits || constUnits >= uint64(1)<<(fieldBits-nbits) {
			continue
		}
		raw := uint64(w)<<fieldBits | constUnits<<nbits | naturalUnits
		if negative {
			raw |= uint64(1) << (bits - 1)
		}
		return raw, nil
	}
	return 0, fmt.Errorf("%w: %d-bit index cannot hold natural=%d const=%d", ErrIndexRange, bits, naturalUnits, constUnits)
}

// DecodeIndex16 returns the signed byte offset of a 16-bit index for the
// given pointer size.
func DecodeIndex16(raw uint16, natural int) int16 {
	m, neg := decodeIndex(uint64(raw), 16, 2, uint64(natural)) //nolint:gosec
	off := int16(uint16(m))                                    //nolint:gosec
	if neg {
		off = -off
	}
	return off
}

// DecodeIndex32 is the 32-bit form of DecodeIndex16.
func DecodeIndex32(raw uint32, natural int) int32 {
	m, neg := decodeIndex(uint64(raw), 32, 4, uint64(natural)) //nolint:gosec
	off := int32(uint32(m))                                    //nolint:gosec
	if neg {
		off = -off
	}
	return off
}

// DecodeIndex64 is the 64-bit form of DecodeIndex16.
func DecodeIndex64(raw uint64, natural int) int64 {
	m, neg := decodeIndex(raw, 64, 8, uint64(natural)) //nolint:gosec
	off := int64(m)                                    //nolint:gosec
	if neg {
		off = -off
	}
	return off
}

// EncodeIndex16 packs natural and constant unit counts into a 16-bit index,
// choosing the narrowest natural field that holds naturalUnits.
func EncodeIndex16(negative bool, naturalUnits, constUnits uint64) (uint16, error) {
	raw, err := encodeIndex(negative, naturalUnits, constUnits, 16, 2)
	return uint16(raw), err //nolint:gosec
}

// EncodeIndex32 is the 32-bit form of EncodeIndex16.
func EncodeIndex32(negative bool, naturalUnits, constUnits uint64) (uint32, error) {
	raw, err := encodeIndex(negative, naturalUnits, constUnits, 32, 4)
	return uint32(raw), err //nolint:gosec
}

// EncodeIndex64 is the 64-bit form of EncodeIndex16.
func EncodeIndex64(negative bool, naturalUnits, constUnits uint64) (uint64, error) {
	return encodeIndex(negative, naturalUnits, constUnits, 64, 8)
}

func magnitude(offset int64) (uint64, bool) {
	if offset < 0 {
		return uint64(-offset), true //nolint:gosec
	}
	return uint64(offset), false //nolint:gosec
}

// EncodeOffset16 encodes a plain byte offset (no natural units).
func EncodeOffset16(offset int64) (uint16, error) {
	m, neg := magnitude(offset)
	return EncodeIndex16(neg, 0, m)
}

// EncodeOffset32 encodes a plain byte offset (no natural units).
func EncodeOffset32(offset int64) (uint32, error) {
	m, neg := magnitude(offset)
	return EncodeIndex32(neg, 0, m)
}

// EncodeOffset64 encodes a plain byte offset (no natural units).
func EncodeOffset64(offset int64) (uint64, error) {
	m, neg := magnitude(offset)
	return EncodeIndex64(neg, 0, m)
}
