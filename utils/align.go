package utils

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// IsPow2 reports whether v is a non-zero power of two.
func IsPow2[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AlignUp rounds v up to a multiple of a. a must be a power of two.
func AlignUp[T constraints.Unsigned](v, a T) T {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// Padding returns how many bytes bring v to a multiple of a.
func Padding[T constraints.Unsigned](v, a T) T {
	return AlignUp(v, a) - v
}

// AlignedBytes returns a zeroed n-byte slice whose first byte is 8-byte
// aligned, so pointer-sized words inside it can be read through unsafe.
func AlignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
