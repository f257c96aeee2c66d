package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(b *Builder) []string {
	out := []string{}
	for c := range b.All() {
		out = append(out, string(c.Bytes()))
	}
	return out
}

func TestAppendInsertOrder(t *testing.T) {
	b := New()
	mid := b.Append([]byte("m"))
	b.InsertBefore(mid, []byte("a"))
	z := b.InsertAfter(mid, []byte("z"))
	b.InsertAfter(mid, []byte("n"))
	b.InsertAfter(z, []byte("zz"))
	b.InsertBefore(nil, []byte("tail"))

	assert.Equal(t, []string{"a", "m", "n", "z", "zz", "tail"}, collect(b))
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, "a", string(b.Head().Bytes()))
	assert.Equal(t, "tail", string(b.Tail().Bytes()))
}

func TestCalculateIndexAndWrite(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Append([]byte("defg"))
	total := b.CalculateIndex()
	assert.Equal(t, uint64(7), total)

	var out bytes.Buffer
	n, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "abcdefg", out.String())
}

func TestAlignmentPadding(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	aligned := b.Append([]byte("12345678"))
	b.SetAlign(aligned, 8)
	b.Append([]byte("x"))

	total := b.CalculateIndex()
	assert.Equal(t, uint64(8), aligned.Index)
	assert.Equal(t, uint64(17), total)
	assert.Equal(t, 4, b.Len(), "one padding chunk synthesized")

	pad := aligned.Prev()
	require.NotNil(t, pad)
	assert.True(t, pad.Padding())
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, pad.Bytes())

	// repeatable: old padding dropped, same layout again
	assert.Equal(t, total, b.CalculateIndex())
	assert.Equal(t, 4, b.Len())

	var out bytes.Buffer
	_, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "abc\x00\x00\x00\x00\x0012345678x", out.String())
}

func TestAlignedChunkAlreadyAligned(t *testing.T) {
	b := New()
	b.Append(make([]byte, 16))
	c := b.Append([]byte("q"))
	b.SetAlign(c, 16)
	b.CalculateIndex()
	assert.Equal(t, uint64(16), c.Index)
	assert.Equal(t, 2, b.Len())
}

func TestSetAlignRejectsNonPow2(t *testing.T) {
	b := New()
	c := b.Append([]byte("q"))
	assert.Panics(t, func() { b.SetAlign(c, 12) })
}

func TestReserveBind(t *testing.T) {
	b := New()
	b.Append([]byte("head"))
	r := b.Reserve(4)
	assert.True(t, r.Reserved())
	b.CalculateIndex()
	assert.Equal(t, uint64(4), r.Index, "offset known before content")

	_, err := b.WriteTo(&bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrUnbound))

	assert.ErrorIs(t, b.Bind(r, []byte("toolong")), ErrSizeMismatch)
	require.NoError(t, b.Bind(r, []byte("body")))
	assert.False(t, r.Reserved())

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "headbody", out.String())
}

func TestWriteRequiresIndex(t *testing.T) {
	b := New()
	b.Append([]byte("x"))
	_, err := b.WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotIndexed)

	b.CalculateIndex()
	b.AppendSize(3)
	assert.False(t, b.Indexed(), "mutation invalidates offsets")
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestShortWrite(t *testing.T) {
	b := New()
	b.Append([]byte("abcd"))
	b.CalculateIndex()
	_, err := b.WriteTo(shortWriter{})
	assert.ErrorIs(t, err, ErrShortWrite)
}

func TestDestroy(t *testing.T) {
	b := New()
	for i := 0; i < 10; i++ {
		b.AppendSize(uint64(i * 10))
	}
	b.Destroy()
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Head())
	assert.Empty(t, collect(b))
}

func BenchmarkAppendIndexWrite(b *testing.B) {
	rec := make([]byte, 48)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bl := New()
		for j := 0; j < 1000; j++ {
			c := bl.Append(rec)
			if j%7 == 0 {
				bl.SetAlign(c, 16)
			}
		}
		bl.CalculateIndex()
		_, _ = bl.WriteTo(&bytes.Buffer{})
		bl.Destroy()
	}
}
