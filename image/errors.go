package image

import (
	"errors"

	"github.com/quickwritereader/flatimage/platform"
	"github.com/quickwritereader/flatimage/types"
)

var (
	ErrBadMagic       = types.ErrBadMagic
	ErrBadVersion     = types.ErrBadVersion
	ErrRemapMoved     = platform.ErrRemapMoved
	ErrMapFailed      = platform.ErrMapFailed
	ErrMapUnsupported = platform.ErrUnsupported
	ErrShortRead      = errors.New("image: short read")
	ErrShortWrite     = errors.New("image: short write")
	ErrSizeMismatch   = errors.New("image: declared size does not match file size")
	ErrTooLarge       = errors.New("image: declared size exceeds limit")
	ErrCorrupt        = errors.New("image: table entry outside payload")
	ErrWrongKind      = errors.New("image: session kind does not match operation")
	ErrOutOfImage     = errors.New("image: address outside payload")
)

// MaxImageSize bounds what a header may declare before any buffer is sized
// from it.
const MaxImageSize = 1 << 40
