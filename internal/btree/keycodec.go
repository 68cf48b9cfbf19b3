// keycodec.go turns ordered Go values into byte strings whose lexicographic
// order matches the value's natural order, so the tree itself only ever
// needs byte-wise comparison (spec §4.5: "the B+Tree over comparable keys
// receives keys pre-encoded to preserve the required ordering").
package btree

import (
	"encoding/binary"
	"math"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/unicode/norm"
)

// EncodeKey converts v into its order-preserving byte encoding.
func EncodeKey[T constraints.Ordered](v T) []byte {
	switch x := any(v).(type) {
	case int:
		return encodeSignedInt(int64(x))
	case int8:
		return encodeSignedInt(int64(x))
	case int16:
		return encodeSignedInt(int64(x))
	case int32:
		return encodeSignedInt(int64(x))
	case int64:
		return encodeSignedInt(x)
	case uint:
		return encodeUnsignedInt(uint64(x))
	case uint8:
		return encodeUnsignedInt(uint64(x))
	case uint16:
		return encodeUnsignedInt(uint64(x))
	case uint32:
		return encodeUnsignedInt(uint64(x))
	case uint64:
		return encodeUnsignedInt(x)
	case float32:
		return encodeFloat(float64(x))
	case float64:
		return encodeFloat(x)
	case string:
		return encodeString(x)
	default:
		panic("btree: unsupported key type for EncodeKey")
	}
}

// encodeSignedInt flips the sign bit so two's-complement ordering becomes
// unsigned big-endian byte ordering.
func encodeSignedInt(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
	return buf
}

func encodeUnsignedInt(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// encodeFloat maps IEEE-754 bits to an order-preserving unsigned encoding:
// for non-negative numbers flip the sign bit; for negative numbers flip
// every bit. This is the standard float-to-sortable-bits transform.
func encodeFloat(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

// encodeString normalizes to NFC so that byte-wise comparison of the UTF-8
// encoding agrees with the natural ordering of the underlying Unicode text
// regardless of the caller's input normalization form.
func encodeString(s string) []byte {
	return norm.NFC.Bytes([]byte(s))
}

// CompareKeys compares two already-encoded keys lexicographically; this is
// the only comparison the tree performs internally.
func CompareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
