//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a live mapping of a file prefix.
type Mapping struct {
	ptr  unsafe.Pointer
	data []byte
}

// FixedAddressSupported reports whether Map honours Request.Hint.
func FixedAddressSupported() bool { return true }

// Map maps the first req.Size bytes of f. With a hint the mapping either lands
// exactly there or fails; MAP_FIXED_NOREPLACE never replaces a live mapping.
func Map(f *os.File, req Request) (*Mapping, error) {
	if req.Size <= 0 {
		return nil, ErrEmpty
	}
	prot := unix.PROT_READ
	if req.Writable {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_PRIVATE
	if req.Shared {
		flags = unix.MAP_SHARED
	}
	if req.Hint != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	// the hint is only an address request to the kernel and is never
	// dereferenced; with MAP_FIXED_NOREPLACE it cannot clobber a mapping
	ptr, err := unix.MmapPtr(int(f.Fd()), 0, unsafe.Pointer(req.Hint), uintptr(req.Size), prot, flags)
	if err != nil {
		if req.Hint != 0 && errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %#x", ErrAddressInUse, req.Hint)
		}
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	m := &Mapping{ptr: ptr, data: unsafe.Slice((*byte)(ptr), req.Size)}
	// kernels before 4.17 treat the unknown flag as a plain hint
	if req.Hint != 0 && uintptr(ptr) != req.Hint {
		_ = m.Unmap()
		return nil, fmt.Errorf("%w: wanted %#x, got %#x", ErrRemapMoved, req.Hint, uintptr(ptr))
	}
	return m, nil
}

// Bytes returns the mapped memory.
func (m *Mapping) Bytes() []byte { return m.data }

// Addr returns the mapping start address.
func (m *Mapping) Addr() uintptr { return uintptr(m.ptr) }

// Protect switches the pages to read-only or read-write.
func (m *Mapping) Protect(readOnly bool) error {
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(m.data, prot)
}

// Sync flushes a shared mapping to its file.
func (m *Mapping) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Unmap releases the mapping; calling it twice is harmless.
func (m *Mapping) Unmap() error {
	if m.ptr == nil {
		return nil
	}
	err := unix.MunmapPtr(m.ptr, uintptr(len(m.data)))
	m.ptr, m.data = nil, nil
	return err
}
