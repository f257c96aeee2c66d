package image

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/session"
)

var sinkImage *Image

// listImage captures a singly linked list of n 32-byte records.
func listImage(b *testing.B, n int) []byte {
	sp := memory.NewSpace(0)
	nodes := make([]uintptr, n)
	for i := range nodes {
		nodes[i] = sp.Alloc(32)
		if i > 0 {
			sp.PutPointer(nodes[i-1], nodes[i])
		}
	}
	stack := session.NewStack()
	ctx := stack.Init(session.Capture, sp, quiet())
	prev, _, err := ctx.Ranges.Acquire(nodes[0], 32)
	if err != nil {
		b.Fatal(err)
	}
	for _, addr := range nodes[1:] {
		h, _, err := ctx.Ranges.Acquire(addr, 32)
		if err != nil {
			b.Fatal(err)
		}
		ctx.Fixups.Insert(prev, h)
		prev = h
	}
	ctx.Roots.Append(nodes[0])
	var buf bytes.Buffer
	if _, err = Write(ctx, &buf); err != nil {
		b.Fatal(err)
	}
	_ = stack.Fini()
	return buf.Bytes()
}

func BenchmarkReadCopyPath(b *testing.B) {
	data := listImage(b, 10000)
	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()

	start := time.Now()
	for i := 0; i < b.N; i++ {
		stack := session.NewStack()
		img, err := Read(stack.Init(session.Restore, nil, quiet()), bytes.NewReader(data), int64(len(data)))
		if err != nil {
			b.Fatal(err)
		}
		sinkImage = img
		_ = stack.Fini()
	}
	elapsed := time.Since(start)

	b.StopTimer()
	b.Logf("copy path: %.2f us/load for %d bytes", float64(elapsed.Microseconds())/float64(b.N), len(data))
}

func benchmarkMap(b *testing.B, hold bool) {
	path := filepath.Join(b.TempDir(), "list.img")
	if err := os.WriteFile(path, listImage(b, 10000), 0o644); err != nil {
		b.Fatal(err)
	}
	// first load records the fix base
	warm := session.NewStack()
	if _, err := Map(warm.Init(session.Restore, nil, quiet()), path, config.MapShared); err != nil {
		b.Fatal(err)
	}
	if !hold {
		_ = warm.Fini()
	}
	b.ReportAllocs()
	b.ResetTimer()

	fast := 0
	for i := 0; i < b.N; i++ {
		stack := session.NewStack()
		img, err := Map(stack.Init(session.Restore, nil, quiet()), path, config.MapPrivate)
		if err != nil {
			b.Fatal(err)
		}
		if img.FastPath() {
			fast++
		}
		sinkImage = img
		_ = stack.Fini()
	}

	b.StopTimer()
	if hold {
		_ = warm.Fini()
	}
	b.Logf("map: %d of %d loads took the fast path", fast, b.N)
}

func BenchmarkMapFastPath(b *testing.B) { benchmarkMap(b, false) }

func BenchmarkMapRelocate(b *testing.B) { benchmarkMap(b, true) }
