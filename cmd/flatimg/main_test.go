package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/flatten"
	"github.com/quickwritereader/flatimage/introspect"
	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/session"
)

func sampleImage(t *testing.T) string {
	t.Helper()
	sp := memory.NewSpace(0)
	a := sp.Alloc(16)
	b := sp.Alloc(16)
	sp.PutPointer(a, b)
	sp.PutPointer(b, a)
	visit := func(f *flatten.Flattener, addr uintptr) error {
		return f.PushPointer(addr, 1, 16, nil)
	}

	f := flatten.Begin(session.NewStack(), sp, config.New(config.WithSilent(true)))
	f.PushRoot(a, 1, 16, visit)
	f.AppendRoot(0)
	f.PushRoot(b, 1, 16, visit)
	path := filepath.Join(t.TempDir(), "sample.img")
	_, err := f.WriteFile(path)
	require.NoError(t, err)
	require.NoError(t, f.End())
	return path
}

func runCmd(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInspect(t *testing.T) {
	path := sampleImage(t)
	code, out, errOut := runCmd("inspect", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "payload 32 bytes, 2 bound, 0 const, 3 roots")

	code, out, _ = runCmd("inspect", "-format", "json", path)
	require.Equal(t, 0, code)
	var rep introspect.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, uint64(2), rep.Header.BoundCount)
	assert.Len(t, rep.Fixups, 2)

	code, out, _ = runCmd("inspect", "-format", "msgpack", path)
	assert.Equal(t, 0, code)
	assert.NotEmpty(t, out)

	code, _, errOut = runCmd("inspect", "-format", "xml", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown format")
}

func TestRoots(t *testing.T) {
	code, out, _ := runCmd("roots", sampleImage(t))
	require.Equal(t, 0, code)
	assert.Equal(t, "0\t0x0\n1\tnull\n2\t0x10\n", out)
}

func TestVerify(t *testing.T) {
	path := sampleImage(t)
	code, out, errOut := runCmd("verify", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "3 roots, 2 bound slots")

	// verify maps privately, so the file keeps no fix base and stays verifiable
	code, _, _ = runCmd("verify", path)
	assert.Equal(t, 0, code)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "opts.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"debug_level": 0, "map_mode": "private"}`), 0o644))
	code, _, errOut := runCmd("-config", cfg, "verify", sampleImage(t))
	assert.Equal(t, 0, code, errOut)

	code, _, _ = runCmd("-config", filepath.Join(dir, "missing.json"), "verify", sampleImage(t))
	assert.Equal(t, 1, code)
}

func TestUsageAndFailures(t *testing.T) {
	code, _, errOut := runCmd()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage")

	code, _, _ = runCmd("frobnicate", "x")
	assert.Equal(t, 2, code)
	code, _, _ = runCmd("roots")
	assert.Equal(t, 2, code)

	bad := filepath.Join(t.TempDir(), "bad.img")
	require.NoError(t, os.WriteFile(bad, bytes.Repeat([]byte{0xab}, 128), 0o644))
	code, _, errOut = runCmd("verify", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "bad magic")
}
