//go:build linux

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMapAnywhere(t *testing.T) {
	f := tempFile(t, []byte("mapped bytes"))
	m, err := Map(f, Request{Size: 12})
	require.NoError(t, err)
	defer m.Unmap()
	assert.Equal(t, "mapped bytes", string(m.Bytes()))
	assert.NotZero(t, m.Addr())
	assert.True(t, FixedAddressSupported())
}

func TestMapAtHint(t *testing.T) {
	f := tempFile(t, make([]byte, 4096))
	first, err := Map(f, Request{Size: 4096})
	require.NoError(t, err)
	addr := first.Addr()

	_, err = Map(f, Request{Size: 4096, Hint: addr})
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.True(t, HintMissed(err))

	require.NoError(t, first.Unmap())
	again, err := Map(f, Request{Size: 4096, Hint: addr})
	require.NoError(t, err)
	defer again.Unmap()
	assert.Equal(t, addr, again.Addr())
}

func TestSharedWritesReachFile(t *testing.T) {
	f := tempFile(t, []byte("aaaa"))
	m, err := Map(f, Request{Size: 4, Shared: true, Writable: true})
	require.NoError(t, err)
	m.Bytes()[0] = 'b'
	require.NoError(t, m.Sync())
	require.NoError(t, m.Unmap())
	require.NoError(t, m.Unmap(), "second unmap is harmless")

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "baaa", string(data))
}

func TestPrivateWritesStayPrivate(t *testing.T) {
	f := tempFile(t, []byte("aaaa"))
	m, err := Map(f, Request{Size: 4, Writable: true})
	require.NoError(t, err)
	m.Bytes()[0] = 'b'
	require.NoError(t, m.Protect(true))
	require.NoError(t, m.Unmap())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(data))
}

func TestMapErrors(t *testing.T) {
	f := tempFile(t, []byte("x"))
	_, err := Map(f, Request{Size: 0})
	assert.ErrorIs(t, err, ErrEmpty)
	assert.False(t, HintMissed(ErrMapFailed))
}
