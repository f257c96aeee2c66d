package image

import (
	"encoding/binary"
	"fmt"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/platform"
	"github.com/quickwritereader/flatimage/roots"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
)

// Image is a loaded image: a heap copy or a live mapping whose pointer slots
// hold addresses inside the payload.
type Image struct {
	Header types.Header
	Roots  *roots.Table

	buf     []byte // copy path: bound table prefix followed by payload
	payload []byte
	base    uintptr
	bound   []uint64
	consts  []uint64

	mapping  *platform.Mapping
	mode     config.MapMode
	fastPath bool
}

// Payload returns the live payload bytes.
func (img *Image) Payload() []byte { return img.payload }

// Base returns the address of the first payload byte.
func (img *Image) Base() uintptr { return img.base }

// FastPath reports whether the mapping landed at the recorded fix base and the
// fixup pass was skipped.
func (img *Image) FastPath() bool { return img.fastPath }

// Mapped reports whether the image is backed by a file mapping.
func (img *Image) Mapped() bool { return img.mapping != nil }

// Mode returns the map mode; meaningless for heap copies.
func (img *Image) Mode() config.MapMode { return img.mode }

// BoundSlots returns the payload offsets of every relocated pointer slot.
func (img *Image) BoundSlots() []uint64 { return img.bound }

// ConstSlots returns the payload offsets of every slot holding a constant.
func (img *Image) ConstSlots() []uint64 { return img.consts }

// Read copies len(dst) bytes at a live payload address, so an image can stand
// in wherever a memory.Reader is expected.
func (img *Image) Read(addr uintptr, dst []byte) error {
	off, err := img.offset(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, img.payload[off:])
	return nil
}

// Word returns the pointer-sized word at a live payload address.
func (img *Image) Word(addr uintptr) (uint64, error) {
	off, err := img.offset(addr, types.PointerWidth)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(img.payload[off:]), nil
}

// SlotValue returns the word stored in the slot at payload offset off.
func (img *Image) SlotValue(off uint64) uint64 {
	return binary.NativeEndian.Uint64(img.payload[off:])
}

func (img *Image) offset(addr uintptr, n int) (uint64, error) {
	size := uint64(len(img.payload))
	if addr < img.base || uint64(addr-img.base) > size || size-uint64(addr-img.base) < uint64(n) {
		return 0, fmt.Errorf("%w: %#x+%d", ErrOutOfImage, addr, n)
	}
	return uint64(addr - img.base), nil
}

// Close releases the mapping or drops the heap copy. Safe to call twice.
func (img *Image) Close() error {
	var err error
	if img.mapping != nil {
		err = img.mapping.Unmap()
		img.mapping = nil
	}
	img.buf, img.payload, img.base = nil, nil, 0
	return err
}

// attach publishes a loaded image on the restore context.
func (img *Image) attach(ctx *session.Context) {
	ctx.Header = img.Header
	ctx.Base = img.base
	ctx.Payload = img.payload
	ctx.RootTable = img.Roots
	ctx.OnFini(img.Close)
}

// payloadBase is the live payload address the stored bound slot values are
// relative to: the payload position inside the last fixed mapping, or 0 for
// an image that was never fixed.
func payloadBase(h types.Header) uint64 {
	if h.FixBase == 0 {
		return 0
	}
	return h.FixBase + h.PayloadOffset()
}

// checkLayout rejects table entries that do not fit the payload before any
// slot is touched.
func checkLayout(h types.Header, rootOffsets, bound, consts []uint64) error {
	size := h.PayloadSize
	for _, off := range rootOffsets {
		if off != types.NullOffset && off > size {
			return fmt.Errorf("%w: root offset %#x, payload %d", ErrCorrupt, off, size)
		}
	}
	for _, tab := range [][]uint64{bound, consts} {
		for _, off := range tab {
			if off > size || size-off < types.PointerWidth {
				return fmt.Errorf("%w: slot offset %#x, payload %d", ErrCorrupt, off, size)
			}
		}
	}
	return nil
}

// relocate rewrites every bound slot from the from base to the to base.
func relocate(payload []byte, slots []uint64, from, to uint64) {
	if from == to {
		return
	}
	for _, off := range slots {
		v := binary.NativeEndian.Uint64(payload[off:])
		binary.NativeEndian.PutUint64(payload[off:], v-from+to)
	}
}
