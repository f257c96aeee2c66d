// Package image turns a capture session into an image file and loads image
// files back, either by copying them into the heap or by mapping them.
package image

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
	"github.com/quickwritereader/flatimage/utils"
)

// Stats summarizes one write.
type Stats struct {
	Header   types.Header  `json:"header" msgpack:"header"`
	Chunks   int           `json:"chunks" msgpack:"chunks"`
	Ranges   int           `json:"ranges" msgpack:"ranges"`
	Captured uint64        `json:"captured" msgpack:"captured"`
	Reserved int           `json:"reserved" msgpack:"reserved"`
	Written  int64         `json:"written" msgpack:"written"`
	Elapsed  time.Duration `json:"elapsed" msgpack:"elapsed"`
}

// Write lays out the payload, stages every pointer slot and writes the image:
// header, root table, bound table, constant table, payload. The session moves
// to Written on success.
func Write(ctx *session.Context, w io.Writer) (Stats, error) {
	if ctx.Kind != session.Capture {
		return Stats{}, fmt.Errorf("%w: write on a %s session", ErrWrongKind, ctx.Kind)
	}
	if ctx.State() != session.Capturing {
		return Stats{}, fmt.Errorf("%w: write in state %s", session.ErrBadTransition, ctx.State())
	}
	start := time.Now()
	log := ctx.Options

	payload := ctx.Chunks.CalculateIndex()
	tables := ctx.Fixups.ResolveAndStage(ctx.Ranges)
	rootOffsets, err := ctx.Roots.Offsets(ctx.Ranges.Resolve)
	if err != nil {
		return Stats{}, err
	}
	_, _, reserved := ctx.Fixups.Counts()

	h := types.NewHeader()
	h.PayloadSize = payload
	h.BoundCount = uint64(len(tables.Bound))
	h.ConstCount = uint64(len(tables.Const))
	h.RootCount = uint64(len(rootOffsets))
	ctx.Header = h
	log.Tracef(1, "write: payload %d bytes in %d chunks, %d bound, %d const, %d roots",
		payload, ctx.Chunks.Len(), h.BoundCount, h.ConstCount, h.RootCount)

	var written int64
	var hdr [types.HeaderSize]byte
	types.EncodeHeader(hdr[:], h)
	n, err := writeFull(w, hdr[:])
	written += n
	if err != nil {
		return Stats{}, fmt.Errorf("header: %w", err)
	}
	for _, t := range []struct {
		name  string
		words []uint64
	}{
		{"root table", rootOffsets},
		{"bound table", tables.Bound},
		{"const table", tables.Const},
	} {
		n, err = writeTable(w, t.words)
		written += n
		if err != nil {
			return Stats{}, fmt.Errorf("%s: %w", t.name, err)
		}
	}
	n, err = ctx.Chunks.WriteTo(w)
	written += n
	if err != nil {
		return Stats{}, fmt.Errorf("payload: %w", err)
	}
	if uint64(n) != h.PayloadSize {
		return Stats{}, fmt.Errorf("payload: %w: %d of %d bytes", ErrShortWrite, n, h.PayloadSize)
	}
	if err = ctx.Transition(session.Written); err != nil {
		return Stats{}, err
	}

	st := Stats{
		Header:   h,
		Chunks:   ctx.Chunks.Len(),
		Ranges:   ctx.Ranges.Len(),
		Captured: ctx.Ranges.Bytes(),
		Reserved: reserved,
		Written:  written,
		Elapsed:  time.Since(start),
	}
	if reserved > 0 {
		log.Log().Warnf("write: %d pointer slots reserved but never bound", reserved)
	}
	log.Summaryf("flattened %d bytes (%d ranges, %d bound, %d const, %d roots) in %s",
		written, st.Ranges, h.BoundCount, h.ConstCount, h.RootCount, st.Elapsed)
	return st, nil
}

// WriteFile writes the image to path, replacing any existing file.
func WriteFile(ctx *session.Context, path string) (Stats, error) {
	f, err := os.Create(path)
	if err != nil {
		return Stats{}, err
	}
	bw := bufio.NewWriter(f)
	st, err := Write(ctx, bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return st, err
}

func writeFull(w io.Writer, p []byte) (int64, error) {
	n, err := w.Write(p)
	if err != nil {
		return int64(n), err
	}
	if n != len(p) {
		return int64(n), fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(p))
	}
	return int64(n), nil
}

func writeTable(w io.Writer, words []uint64) (int64, error) {
	if len(words) == 0 {
		return 0, nil
	}
	buf := utils.Shared.Acquire(len(words) * types.PointerWidth)
	defer utils.Shared.Release(buf)
	putWords(buf, words)
	return writeFull(w, buf)
}

func putWords(buf []byte, words []uint64) {
	for i, v := range words {
		binary.NativeEndian.PutUint64(buf[i*types.PointerWidth:], v)
	}
}

func getWords(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/types.PointerWidth)
	for i := range words {
		words[i] = binary.NativeEndian.Uint64(buf[i*types.PointerWidth:])
	}
	return words
}
