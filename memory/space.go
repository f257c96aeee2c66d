package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
)

type segment struct {
	base uintptr
	data []byte
}

// Space is a simulated sparse address space. Segments are allocated at
// increasing addresses separated by a guard gap so that neighbouring
// allocations are never contiguous unless requested with AllocAt.
type Space struct {
	segs []segment // sorted by base
	next uintptr
	gap  uintptr
}

// NewSpace returns an empty space whose first allocation lands at base.
func NewSpace(base uintptr) *Space {
	if base == 0 {
		base = 0x10000
	}
	return &Space{next: base, gap: 64}
}

// Alloc reserves size zeroed bytes aligned to 8 and returns their address.
func (s *Space) Alloc(size int) uintptr {
	addr := (s.next + 7) &^ 7
	s.insert(segment{base: addr, data: make([]byte, size)})
	s.next = addr + uintptr(size) + s.gap
	return addr
}

// AllocAt maps size zeroed bytes at addr. Overlapping an existing segment panics.
func (s *Space) AllocAt(addr uintptr, size int) uintptr {
	for _, seg := range s.segs {
		if addr < seg.base+uintptr(len(seg.data)) && seg.base < addr+uintptr(size) {
			panic(fmt.Sprintf("memory: AllocAt %#x+%d overlaps segment %#x", addr, size, seg.base))
		}
	}
	s.insert(segment{base: addr, data: make([]byte, size)})
	if end := addr + uintptr(size) + s.gap; end > s.next {
		s.next = end
	}
	return addr
}

func (s *Space) insert(seg segment) {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].base > seg.base })
	s.segs = append(s.segs, segment{})
	copy(s.segs[i+1:], s.segs[i:])
	s.segs[i] = seg
}

// slice returns the backing bytes of [addr, addr+n), which must lie in one
// segment.
func (s *Space) slice(addr uintptr, n int) ([]byte, error) {
	i := sort.Search(len(s.segs), func(i int) bool { return s.segs[i].base > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnmapped, addr)
	}
	seg := s.segs[i]
	off := addr - seg.base
	if off+uintptr(n) > uintptr(len(seg.data)) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, n)
	}
	return seg.data[off : off+uintptr(n)], nil
}

func (s *Space) Read(addr uintptr, dst []byte) error {
	src, err := s.slice(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Write copies data to addr.
func (s *Space) Write(addr uintptr, data []byte) {
	dst, err := s.slice(addr, len(data))
	if err != nil {
		panic(err)
	}
	copy(dst, data)
}

// PutPointer stores a pointer-sized word at addr.
func (s *Space) PutPointer(addr, value uintptr) {
	var word [8]byte
	binary.NativeEndian.PutUint64(word[:], uint64(value))
	s.Write(addr, word[:])
}

// PutUint32 stores a 32-bit word at addr.
func (s *Space) PutUint32(addr uintptr, v uint32) {
	var word [4]byte
	binary.NativeEndian.PutUint32(word[:], v)
	s.Write(addr, word[:])
}

// Bytes allocates a segment holding a copy of data.
func (s *Space) Bytes(data []byte) uintptr {
	addr := s.Alloc(len(data))
	s.Write(addr, data)
	return addr
}
