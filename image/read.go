package image

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"github.com/quickwritereader/flatimage/roots"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
	"github.com/quickwritereader/flatimage/utils"
)

// Read loads an image from r into a heap buffer and runs the fixup pass.
// size is the length of the underlying file, or -1 when unknown.
func Read(ctx *session.Context, r io.Reader, size int64) (*Image, error) {
	if ctx.Kind != session.Restore {
		return nil, fmt.Errorf("%w: read on a %s session", ErrWrongKind, ctx.Kind)
	}
	start := time.Now()
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if err = checkSize(h, size); err != nil {
		return nil, err
	}
	rootOffsets, err := readWords(r, h.RootCount)
	if err != nil {
		return nil, fmt.Errorf("root table: %w", err)
	}

	// the bound table lands in front of the payload in one allocation
	boundBytes := int(h.BoundCount) * types.PointerWidth
	var (
		buf    []byte
		consts []uint64
	)
	if size >= 0 {
		buf, consts, err = readSized(r, h, boundBytes)
	} else {
		buf, consts, err = readUnsized(r, h, boundBytes)
	}
	if err != nil {
		return nil, err
	}

	img := &Image{
		Header:  h,
		buf:     buf,
		payload: buf[boundBytes:],
		bound:   getWords(buf[:boundBytes]),
		consts:  consts,
	}
	if len(img.payload) > 0 {
		img.base = uintptr(unsafe.Pointer(unsafe.SliceData(img.payload)))
	}
	if err = checkLayout(h, rootOffsets, img.bound, consts); err != nil {
		return nil, err
	}
	if err = ctx.Transition(session.Loaded); err != nil {
		return nil, err
	}
	relocate(img.payload, img.bound, payloadBase(h), uint64(img.base))
	if err = ctx.Transition(session.FixedUp); err != nil {
		return nil, err
	}
	img.Roots = roots.NewTable(rootOffsets, img.base)
	img.attach(ctx)

	ctx.Options.Summaryf("unflattened %d bytes (%d bound, %d const, %d roots) in %s",
		h.ImageSize(), h.BoundCount, h.ConstCount, h.RootCount, time.Since(start))
	return img, nil
}

// ReadFile loads the image at path through the copy path.
func ReadFile(ctx *session.Context, path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	img, err := Read(ctx, bufio.NewReader(f), st.Size())
	if err != nil {
		ctx.Options.Log().Errorf("read %s: %v", path, err)
		return nil, err
	}
	return img, nil
}

// ReadHeader reads and validates the header at the front of r.
func ReadHeader(r io.Reader) (types.Header, error) {
	return readHeader(r)
}

func readHeader(r io.Reader) (types.Header, error) {
	var buf [types.HeaderSize]byte
	if err := readFull(r, buf[:]); err != nil {
		return types.Header{}, fmt.Errorf("header: %w", err)
	}
	h, err := types.DecodeHeader(buf[:])
	if err != nil {
		return types.Header{}, err
	}
	if err = h.Validate(); err != nil {
		return types.Header{}, err
	}
	return h, nil
}

func checkSize(h types.Header, size int64) error {
	// counts large enough to wrap the size computation are corrupt anyway
	const maxWords = MaxImageSize / types.PointerWidth
	if h.PayloadSize > MaxImageSize || h.RootCount > maxWords || h.BoundCount > maxWords ||
		h.ConstCount > maxWords || h.ImageSize() > MaxImageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, h.ImageSize())
	}
	if size >= 0 && uint64(size) != h.ImageSize() {
		return fmt.Errorf("%w: header declares %d bytes, file has %d", ErrSizeMismatch, h.ImageSize(), size)
	}
	return nil
}

func readFull(r io.Reader, p []byte) error {
	_, err := io.ReadFull(r, p)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return err
}

// readSized reads the bound table, the constant table and the payload
// straight into their final buffers; the file length already vouched for
// the declared sizes.
func readSized(r io.Reader, h types.Header, boundBytes int) ([]byte, []uint64, error) {
	buf := utils.AlignedBytes(boundBytes + int(h.PayloadSize))
	if err := readFull(r, buf[:boundBytes]); err != nil {
		return nil, nil, fmt.Errorf("bound table: %w", err)
	}
	consts, err := readWords(r, h.ConstCount)
	if err != nil {
		return nil, nil, fmt.Errorf("const table: %w", err)
	}
	if err = readFull(r, buf[boundBytes:]); err != nil {
		return nil, nil, fmt.Errorf("payload: %w", err)
	}
	return buf, consts, nil
}

// readUnsized trusts nothing the header declares: memory grows with the
// bytes that actually arrive, so a lying header ends in ErrShortRead.
func readUnsized(r io.Reader, h types.Header, boundBytes int) ([]byte, []uint64, error) {
	bound, err := readBounded(r, uint64(boundBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("bound table: %w", err)
	}
	consts, err := readWords(r, h.ConstCount)
	if err != nil {
		return nil, nil, fmt.Errorf("const table: %w", err)
	}
	payload, err := readBounded(r, h.PayloadSize)
	if err != nil {
		return nil, nil, fmt.Errorf("payload: %w", err)
	}
	buf := utils.AlignedBytes(len(bound) + len(payload))
	copy(buf, bound)
	copy(buf[len(bound):], payload)
	return buf, consts, nil
}

// readBounded reads exactly n bytes into a buffer that grows as they arrive.
func readBounded(r io.Reader, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	var b bytes.Buffer
	got, err := io.CopyN(&b, r, int64(n))
	if got < int64(n) {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrShortRead, got, n)
	}
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func readWords(r io.Reader, n uint64) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	buf, err := readBounded(r, n*types.PointerWidth)
	if err != nil {
		return nil, err
	}
	return getWords(buf), nil
}
