package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies an image file (ASCII "FLATIMG1" read as a host word).
const Magic uint64 = 0x31474D4954414C46

// Version is the current on-disk layout version.
const Version uint64 = 1

// HeaderSize is the encoded size of Header: seven host-native words.
const HeaderSize = 7 * PointerWidth

// word offsets inside the encoded header
const (
	offMagic = iota * PointerWidth
	offVersion
	offPayloadSize
	offBoundCount
	offConstCount
	offRootCount
	offFixBase
)

var (
	ErrHeaderTooShort = errors.New("header: buffer shorter than header size")
	ErrBadMagic       = errors.New("header: bad magic")
	ErrBadVersion     = errors.New("header: unsupported version")
)

// Header is the persisted prefix of an image file.
//
// Layout: [Header][Roots: RootCount words][Bound: BoundCount words]
// [Const: ConstCount words][Payload: PayloadSize bytes].
type Header struct {
	Magic       uint64 `json:"magic" msgpack:"magic"`
	Version     uint64 `json:"version" msgpack:"version"`
	PayloadSize uint64 `json:"payload_size" msgpack:"payload_size"`
	BoundCount  uint64 `json:"bound_count" msgpack:"bound_count"`
	ConstCount  uint64 `json:"const_count" msgpack:"const_count"`
	RootCount   uint64 `json:"root_count" msgpack:"root_count"`
	// FixBase is the mapping address the image had during its last fixup pass, 0 if never fixed.
	FixBase uint64 `json:"fix_base" msgpack:"fix_base"`
}

// NewHeader returns a header carrying the current magic and version.
func NewHeader() Header {
	return Header{Magic: Magic, Version: Version}
}

// TablesSize returns the byte size of the root, bound and constant tables.
func (h Header) TablesSize() uint64 {
	return (h.RootCount + h.BoundCount + h.ConstCount) * PointerWidth
}

// PayloadOffset is the file offset of the first payload byte.
func (h Header) PayloadOffset() uint64 {
	return HeaderSize + h.TablesSize()
}

// ImageSize is the total file size the header declares.
func (h Header) ImageSize() uint64 {
	return h.PayloadOffset() + h.PayloadSize
}

// Validate checks magic and version.
func (h Header) Validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: got %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, Version)
	}
	return nil
}

// EncodeHeader writes h into buf in host byte order and returns the bytes used.
func EncodeHeader(buf []byte, h Header) int {
	_ = buf[HeaderSize-1]
	binary.NativeEndian.PutUint64(buf[offMagic:], h.Magic)
	binary.NativeEndian.PutUint64(buf[offVersion:], h.Version)
	binary.NativeEndian.PutUint64(buf[offPayloadSize:], h.PayloadSize)
	binary.NativeEndian.PutUint64(buf[offBoundCount:], h.BoundCount)
	binary.NativeEndian.PutUint64(buf[offConstCount:], h.ConstCount)
	binary.NativeEndian.PutUint64(buf[offRootCount:], h.RootCount)
	binary.NativeEndian.PutUint64(buf[offFixBase:], h.FixBase)
	return HeaderSize
}

// DecodeHeader reads a header from buf without validating it.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}
	return Header{
		Magic:       binary.NativeEndian.Uint64(buf[offMagic:]),
		Version:     binary.NativeEndian.Uint64(buf[offVersion:]),
		PayloadSize: binary.NativeEndian.Uint64(buf[offPayloadSize:]),
		BoundCount:  binary.NativeEndian.Uint64(buf[offBoundCount:]),
		ConstCount:  binary.NativeEndian.Uint64(buf[offConstCount:]),
		RootCount:   binary.NativeEndian.Uint64(buf[offRootCount:]),
		FixBase:     binary.NativeEndian.Uint64(buf[offFixBase:]),
	}, nil
}

// PutFixBase rewrites only the FixBase word of an encoded header.
func PutFixBase(buf []byte, base uint64) {
	binary.NativeEndian.PutUint64(buf[offFixBase:], base)
}
