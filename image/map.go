package image

import (
	"fmt"
	"os"
	"time"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/platform"
	"github.com/quickwritereader/flatimage/roots"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
)

// Map loads the image at path by mapping it. When the header records a fix
// base and the file can be mapped there again, every slot already holds the
// right address and the fixup pass is skipped. Otherwise the file is mapped
// anywhere and relocated; in shared mode the new base is written back so the
// next load can take the fast path.
//
// With Options.StrictRemap a missed fix base fails with ErrRemapMoved instead
// of falling back.
func Map(ctx *session.Context, path string, mode config.MapMode) (*Image, error) {
	if ctx.Kind != session.Restore {
		return nil, fmt.Errorf("%w: map on a %s session", ErrWrongKind, ctx.Kind)
	}
	start := time.Now()
	opts := ctx.Options

	flag := os.O_RDONLY
	if mode == config.MapShared {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	// mappings outlive the descriptor
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < types.HeaderSize {
		return nil, fmt.Errorf("%w: file has %d bytes", ErrSizeMismatch, st.Size())
	}
	h, err := mapHeader(f)
	if err != nil {
		return nil, err
	}
	if err = checkSize(h, st.Size()); err != nil {
		return nil, err
	}

	req := platform.Request{
		Size:     int(h.ImageSize()),
		Shared:   mode == config.MapShared,
		Writable: mode != config.MapReadOnly,
	}
	img := &Image{Header: h, mode: mode}
	var m *platform.Mapping
	if h.FixBase != 0 {
		hinted := req
		hinted.Hint = uintptr(h.FixBase)
		m, err = platform.Map(f, hinted)
		// any failure at the recorded address, a corrupt fix base included,
		// falls back to mapping anywhere
		switch {
		case err == nil:
			img.fastPath = true
		case opts.StrictRemap:
			return nil, fmt.Errorf("%w: %v", ErrRemapMoved, err)
		case platform.HintMissed(err):
			opts.Tracef(1, "map %s: fix base %#x unavailable: %v", path, h.FixBase, err)
		default:
			opts.Log().Warnf("map %s: mapping at fix base %#x failed, relocating: %v", path, h.FixBase, err)
		}
	}
	if m == nil {
		// read-only images still need writable private pages for the fixup pass
		req.Writable = true
		if m, err = platform.Map(f, req); err != nil {
			return nil, err
		}
	}

	img.mapping = m
	data := m.Bytes()
	payloadOff := h.PayloadOffset()
	tables := data[types.HeaderSize:payloadOff]
	rootOffsets := getWords(tables[:h.RootCount*types.PointerWidth])
	tables = tables[h.RootCount*types.PointerWidth:]
	img.bound = getWords(tables[:h.BoundCount*types.PointerWidth])
	img.consts = getWords(tables[h.BoundCount*types.PointerWidth:])
	img.payload = data[payloadOff:]
	img.base = m.Addr() + uintptr(payloadOff)
	if err = checkLayout(h, rootOffsets, img.bound, img.consts); err != nil {
		_ = m.Unmap()
		return nil, err
	}

	if err = ctx.Transition(session.Mapped); err != nil {
		_ = m.Unmap()
		return nil, err
	}
	if img.fastPath {
		err = ctx.Transition(session.SkipConfirmed)
	} else {
		err = img.fixup(ctx)
	}
	if err != nil {
		_ = m.Unmap()
		return nil, err
	}
	img.Roots = roots.NewTable(rootOffsets, img.base)
	img.attach(ctx)

	opts.Summaryf("mapped %d bytes %s at %#x (%d bound, fast path %v) in %s",
		h.ImageSize(), mode, m.Addr(), h.BoundCount, img.fastPath, time.Since(start))
	return img, nil
}

// fixup relocates a mapping that did not land at its fix base.
func (img *Image) fixup(ctx *session.Context) error {
	m := img.mapping
	relocate(img.payload, img.bound, payloadBase(img.Header), uint64(img.base))
	img.Header.FixBase = uint64(m.Addr())
	switch img.mode {
	case config.MapShared:
		types.PutFixBase(m.Bytes(), img.Header.FixBase)
		if err := m.Sync(); err != nil {
			ctx.Options.Log().Warnf("map: sync after fixup: %v", err)
		}
	case config.MapReadOnly:
		if err := m.Protect(true); err != nil {
			return err
		}
	}
	ctx.Options.Tracef(1, "map: relocated %d slots to base %#x", len(img.bound), img.base)
	return ctx.Transition(session.FixedUp)
}

// mapHeader maps just the header page and decodes it.
func mapHeader(f *os.File) (types.Header, error) {
	m, err := platform.Map(f, platform.Request{Size: types.HeaderSize})
	if err != nil {
		return types.Header{}, err
	}
	defer m.Unmap()
	h, err := types.DecodeHeader(m.Bytes())
	if err != nil {
		return types.Header{}, err
	}
	if err = h.Validate(); err != nil {
		return types.Header{}, err
	}
	return h, nil
}
