//go:build linux

package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
)

func fileHeader(t *testing.T, path string) types.Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	h, err := ReadHeader(f)
	require.NoError(t, err)
	return h
}

func mapIn(t *testing.T, stack *session.Stack, path string, mode config.MapMode, opts ...config.Option) (*session.Context, *Image) {
	t.Helper()
	ctx := stack.Init(session.Restore, nil, quiet(opts...))
	img, err := Map(ctx, path, mode)
	require.NoError(t, err)
	return ctx, img
}

// offsets returns every bound slot value relative to the payload base.
func offsets(img *Image) []uint64 {
	var out []uint64
	for _, off := range img.BoundSlots() {
		out = append(out, img.SlotValue(off)-uint64(img.Base()))
	}
	return out
}

func TestMapWithoutFixBase(t *testing.T) {
	path := newSample().file(t)
	stack := session.NewStack()
	ctx, img := mapIn(t, stack, path, config.MapShared)

	assert.Equal(t, uint64(3), img.Header.RootCount)
	assert.Equal(t, uint64(1), img.Header.BoundCount)
	assert.False(t, img.FastPath(), "no fix base recorded, fixup pass runs")
	assert.Equal(t, session.FixedUp, ctx.State())
	assert.True(t, img.Mapped())
	checkGraph(t, img)

	mapping := img.Header.FixBase
	assert.Equal(t, uint64(img.Base())-img.Header.PayloadOffset(), mapping)
	require.NoError(t, stack.Fini())
	assert.Equal(t, mapping, fileHeader(t, path).FixBase, "shared fixup records the base")
}

func TestMapFastPathEquivalence(t *testing.T) {
	path := newSample().file(t)
	stack := session.NewStack()

	_, first := mapIn(t, stack, path, config.MapShared)
	slow := offsets(first)
	base := first.Base()
	require.NoError(t, stack.Fini())

	ctx, fast := mapIn(t, stack, path, config.MapShared)
	require.True(t, fast.FastPath(), "address should be free again after unmap")
	assert.Equal(t, session.SkipConfirmed, ctx.State())
	assert.Equal(t, base, fast.Base())
	assert.Equal(t, slow, offsets(fast))
	checkGraph(t, fast)

	// fast still holds the fix base, so this one has to relocate
	pctx, moved := mapIn(t, stack, path, config.MapPrivate)
	assert.False(t, moved.FastPath())
	assert.Equal(t, session.FixedUp, pctx.State())
	assert.NotEqual(t, fast.Base(), moved.Base())
	assert.Equal(t, slow, offsets(moved))
	checkGraph(t, moved)
	require.NoError(t, stack.Fini())
	assert.Equal(t, uint64(base)-fast.Header.PayloadOffset(), fileHeader(t, path).FixBase,
		"private fixups stay out of the file")

	cctx := stack.Init(session.Restore, nil, quiet())
	copied, err := ReadFile(cctx, path)
	require.NoError(t, err)
	assert.Equal(t, slow, offsets(copied))
	checkGraph(t, copied)
	require.NoError(t, stack.Fini())
	require.NoError(t, stack.Fini())
}

func TestMapStrictRemap(t *testing.T) {
	path := newSample().file(t)
	stack := session.NewStack()
	_, first := mapIn(t, stack, path, config.MapShared)
	require.NotZero(t, first.Header.FixBase)

	ctx := stack.Init(session.Restore, nil, quiet(config.WithStrictRemap(true)))
	_, err := Map(ctx, path, config.MapPrivate)
	assert.ErrorIs(t, err, ErrRemapMoved)
	assert.Equal(t, session.Uninitialized, ctx.State())
	require.NoError(t, stack.Fini())
	require.NoError(t, stack.Fini())
}

func TestMapReadOnly(t *testing.T) {
	path := newSample().file(t)
	stack := session.NewStack()
	_, img := mapIn(t, stack, path, config.MapReadOnly)
	assert.False(t, img.FastPath())
	assert.Equal(t, config.MapReadOnly, img.Mode())
	checkGraph(t, img)
	require.NoError(t, stack.Fini())
	assert.Zero(t, fileHeader(t, path).FixBase)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeader(t, path).ImageSize(), uint64(info.Size()))
}

// fixedAt returns the sample image as if a mapping at fixBase had fixed it up.
func fixedAt(t *testing.T, fixBase uint64) string {
	t.Helper()
	data := newSample().bytes(t)
	h, err := types.DecodeHeader(data)
	require.NoError(t, err)
	types.PutFixBase(data, fixBase)
	binary.NativeEndian.PutUint64(data[h.PayloadOffset():], fixBase+h.PayloadOffset()+24)
	path := filepath.Join(t.TempDir(), "fixed.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestMapUnusableFixBaseRelocates(t *testing.T) {
	tests := []struct {
		name    string
		fixBase uint64
	}{
		{"misaligned", 0x7f0000000123},
		{"kernel half", 0xffff800000000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := fixedAt(t, tt.fixBase)
			stack := session.NewStack()
			ctx, img := mapIn(t, stack, path, config.MapPrivate)
			assert.False(t, img.FastPath())
			assert.Equal(t, session.FixedUp, ctx.State())
			assert.Equal(t, []uint64{24}, offsets(img))
			checkGraph(t, img)
			require.NoError(t, stack.Fini())

			ctx = stack.Init(session.Restore, nil, quiet(config.WithStrictRemap(true)))
			_, err := Map(ctx, path, config.MapPrivate)
			assert.ErrorIs(t, err, ErrRemapMoved)
			assert.Equal(t, session.Uninitialized, ctx.State())
		})
	}
}

func TestMapRejectsBadFiles(t *testing.T) {
	data := newSample().bytes(t)
	dir := t.TempDir()
	write := func(name string, b []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, b, 0o644))
		return p
	}
	badMagic := append([]byte{}, data...)
	badMagic[3] ^= 0x10

	tests := []struct {
		name string
		path string
		want error
	}{
		{"bad magic", write("magic.img", badMagic), ErrBadMagic},
		{"trailing bytes", write("long.img", append(append([]byte{}, data...), 1, 2, 3)), ErrSizeMismatch},
		{"truncated", write("short.img", data[:len(data)-2]), ErrSizeMismatch},
		{"shorter than header", write("tiny.img", data[:10]), ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := session.NewStack()
			ctx := stack.Init(session.Restore, nil, quiet())
			_, err := Map(ctx, tt.path, config.MapShared)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, session.Uninitialized, ctx.State())
		})
	}

	stack := session.NewStack()
	_, err := Map(stack.Init(session.Restore, nil, quiet()), filepath.Join(dir, "missing.img"), config.MapPrivate)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
