package utils

import (
	"math/bits"
	"sync"
)

// Chunk buffers are pooled in power-of-two classes from 16 bytes to 64 KiB.
// Records captured from a pointer graph are mostly small, so the lower
// classes see nearly all the traffic.
const (
	minClassShift = 4
	maxClassShift = 16
	numClasses    = maxClassShift - minClassShift + 1
)

// ClassSize returns the buffer size of class idx.
func ClassSize(idx int) int {
	return 1 << (idx + minClassShift)
}

// SizeIndex returns the smallest class holding n bytes, or -1 when n is not
// pooled.
func SizeIndex(n int) int {
	if n <= 0 || n > 1<<maxClassShift {
		return -1
	}
	if n <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassShift
}

type BufferPool struct {
	pools [numClasses]sync.Pool
}

func NewBufferPool() *BufferPool {
	var bp BufferPool
	for i := range bp.pools {
		size := ClassSize(i)
		bp.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return &bp
}

// Acquire returns a buffer of length n. Contents are unspecified.
func (bp *BufferPool) Acquire(n int) []byte {
	idx := SizeIndex(n)
	if idx < 0 {
		return make([]byte, n)
	}
	bufPtr := bp.pools[idx].Get().(*[]byte)
	return (*bufPtr)[:n]
}

// AcquireZeroed returns a zero-filled buffer of length n.
func (bp *BufferPool) AcquireZeroed(n int) []byte {
	buf := bp.Acquire(n)
	clear(buf)
	return buf
}

// Release hands buf back to its class; buffers of foreign capacity are dropped.
func (bp *BufferPool) Release(buf []byte) {
	c := cap(buf)
	idx := SizeIndex(c)
	if idx < 0 || ClassSize(idx) != c {
		return
	}
	buf = buf[:c]
	bp.pools[idx].Put(&buf)
}

// Shared is the process-wide pool used by chunk builders.
var Shared = NewBufferPool()
