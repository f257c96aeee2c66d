package introspect

import (
	"bytes"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/flatten"
	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/session"
)

func quiet() config.Options {
	return config.New(config.WithSilent(true))
}

// capture flattens {str *byte; fn uintptr} with a null root after it.
func capture(t *testing.T) (*flatten.Flattener, string) {
	t.Helper()
	sp := memory.NewSpace(0)
	rec := sp.Alloc(16)
	sp.PutPointer(rec, sp.Bytes([]byte("abcdefgh")))

	f := flatten.Begin(session.NewStack(), sp, quiet())
	f.PushRoot(rec, 1, 16, func(f *flatten.Flattener, addr uintptr) error {
		f.InsertFptr(addr+8, 0x400000)
		return f.PushPointer(addr, 1, 8, nil)
	})
	f.AppendRoot(0)
	path := filepath.Join(t.TempDir(), "r.img")
	_, err := f.WriteFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.End() })
	return f, path
}

func TestFromContext(t *testing.T) {
	f, _ := capture(t)
	rep := FromContext(f.Context())
	assert.Equal(t, "capture", rep.Source)
	require.Len(t, rep.Chunks, 2)
	require.Len(t, rep.Ranges, 2)
	assert.Less(t, rep.Ranges[0].Start, rep.Ranges[1].Start)
	assert.Equal(t, uint64(16), rep.Ranges[1].Offset)

	require.Len(t, rep.Fixups, 2)
	assert.Equal(t, "bound", rep.Fixups[0].Kind)
	assert.Equal(t, rep.Ranges[1].Start, rep.Fixups[0].Target)
	assert.Equal(t, uint64(16), rep.Fixups[0].TargetOffset)
	assert.Equal(t, "constant", rep.Fixups[1].Kind)
	assert.Equal(t, uint64(0x400000), rep.Fixups[1].Raw)
	assert.Equal(t, uint64(8), rep.Fixups[1].SlotOffset)

	assert.Equal(t, Totals{Chunks: 2, Ranges: 2, Captured: 24, Payload: 24, Bound: 1, Const: 1, Roots: 2}, rep.Totals)
	assert.Equal(t, []uint64{rep.Ranges[0].Start, 0}, rep.Roots)
}

func TestFromFile(t *testing.T) {
	_, path := capture(t)
	rep, err := FromFile(path, quiet())
	require.NoError(t, err)
	assert.Equal(t, "image", rep.Source)
	assert.Equal(t, uint64(24), rep.Header.PayloadSize)
	assert.Equal(t, []uint64{0, ^uint64(0)}, rep.Roots)
	require.Len(t, rep.Fixups, 2)
	assert.Equal(t, Fixup{Kind: "bound", SlotOffset: 0, TargetOffset: 16}, rep.Fixups[0])
	assert.Equal(t, Fixup{Kind: "constant", SlotOffset: 8, Raw: 0x400000}, rep.Fixups[1])
	assert.Equal(t, rep.Header.ImageSize(), rep.Totals.File)

	_, err = FromFile(filepath.Join(t.TempDir(), "nope"), quiet())
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	_, path := capture(t)
	rep, err := FromFile(path, quiet())
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, Encode(&text, rep, "text"))
	out := text.String()
	assert.Contains(t, out, "payload 24 bytes, 1 bound, 1 const, 2 roots")
	assert.Contains(t, out, "-> 0x10")
	assert.Contains(t, out, "= 0x400000")
	assert.Contains(t, out, "null")

	var js bytes.Buffer
	require.NoError(t, Encode(&js, rep, "json"))
	var fromJSON Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &fromJSON))
	assert.Equal(t, rep, fromJSON)

	var mp bytes.Buffer
	require.NoError(t, Encode(&mp, rep, "msgpack"))
	var fromMsgpack Report
	require.NoError(t, msgpack.Unmarshal(mp.Bytes(), &fromMsgpack))
	assert.Equal(t, rep, fromMsgpack)

	assert.ErrorIs(t, Encode(&text, rep, "yaml"), ErrUnknownFormat)
}
