// Package memory gives the capture engine read access to original addresses.
//
// The engine never dereferences a captured address itself; it asks a Reader
// for the bytes. Process reads live memory of the current process, Space is a
// simulated address space for building synthetic graphs.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

var ErrUnmapped = errors.New("memory: address range not mapped")

// Reader copies len(dst) bytes starting at addr into dst.
type Reader interface {
	Read(addr uintptr, dst []byte) error
}

// ReadPointer reads one pointer-sized word at addr.
func ReadPointer(r Reader, addr uintptr) (uintptr, error) {
	var word [8]byte
	if err := r.Read(addr, word[:]); err != nil {
		return 0, err
	}
	return uintptr(binary.NativeEndian.Uint64(word[:])), nil
}

// Process reads the memory of the running process. Addresses must name live,
// readable memory; nothing is checked.
type Process struct{}

func (Process) Read(addr uintptr, dst []byte) error {
	if addr == 0 {
		return fmt.Errorf("%w: nil address", ErrUnmapped)
	}
	// addr comes from a live object the caller handed to the capture, not
	// from arithmetic on a Go pointer the collector could move
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(dst))
	copy(dst, src)
	return nil
}
