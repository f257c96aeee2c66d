//go:build unix && !linux

package platform

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a live mapping of a file prefix.
type Mapping struct {
	data []byte
}

// FixedAddressSupported reports whether Map honours Request.Hint.
func FixedAddressSupported() bool { return false }

// Map maps the first req.Size bytes of f anywhere. A hint is refused: without
// a no-replace flag a fixed mapping could clobber live memory.
func Map(f *os.File, req Request) (*Mapping, error) {
	if req.Size <= 0 {
		return nil, ErrEmpty
	}
	if req.Hint != 0 {
		return nil, ErrHintUnsupported
	}
	prot := unix.PROT_READ
	if req.Writable {
		prot |= unix.PROT_WRITE
	}
	flags := unix.MAP_PRIVATE
	if req.Shared {
		flags = unix.MAP_SHARED
	}
	data, err := unix.Mmap(int(f.Fd()), 0, req.Size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	return &Mapping{data: data}, nil
}

func (m *Mapping) Bytes() []byte { return m.data }

func (m *Mapping) Addr() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0]))
}

func (m *Mapping) Protect(readOnly bool) error {
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(m.data, prot)
}

func (m *Mapping) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
