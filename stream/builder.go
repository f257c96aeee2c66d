// Package stream builds the contiguous payload of an image out of an ordered,
// doubly linked list of byte chunks.
package stream

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/quickwritereader/flatimage/types"
	"github.com/quickwritereader/flatimage/utils"
)

var (
	ErrUnbound      = errors.New("stream: reserved chunk was never bound")
	ErrSizeMismatch = errors.New("stream: bound content does not match reserved size")
	ErrNotIndexed   = errors.New("stream: CalculateIndex has not run since the last change")
	ErrShortWrite   = errors.New("stream: short write")
)

// Chunk is one contiguous run of output bytes.
type Chunk struct {
	ID    uint64
	Index uint64 // absolute payload offset, valid after CalculateIndex
	Align uint64 // 0 or 1 means unaligned

	buf      []byte
	reserved bool
	padding  bool
	prev     *Chunk
	next     *Chunk
}

// Bytes returns the chunk contents. The slice aliases the chunk buffer.
func (c *Chunk) Bytes() []byte { return c.buf }

// Size returns the byte length of the chunk.
func (c *Chunk) Size() uint64 { return uint64(len(c.buf)) }

// Reserved reports whether the chunk still waits for Bind.
func (c *Chunk) Reserved() bool { return c.reserved }

// Padding reports whether the chunk was synthesized for alignment.
func (c *Chunk) Padding() bool { return c.padding }

func (c *Chunk) Next() *Chunk { return c.next }
func (c *Chunk) Prev() *Chunk { return c.prev }

// Builder owns the chunk list. The head→tail walk is the output order.
type Builder struct {
	head    *Chunk
	tail    *Chunk
	count   int
	nextID  uint64
	total   uint64
	indexed bool
	pool    *utils.BufferPool
}

// New returns an empty builder whose buffers come from the shared pool.
func New() *Builder {
	return &Builder{pool: utils.Shared}
}

func (b *Builder) newChunk(data []byte, size uint64) *Chunk {
	b.nextID++
	c := &Chunk{ID: b.nextID}
	if data == nil {
		c.buf = b.pool.AcquireZeroed(int(size))
	} else {
		c.buf = b.pool.Acquire(len(data))
		copy(c.buf, data)
	}
	b.count++
	b.indexed = false
	return c
}

func (b *Builder) linkTail(c *Chunk) {
	if b.tail == nil {
		b.head, b.tail = c, c
		return
	}
	c.prev = b.tail
	b.tail.next = c
	b.tail = c
}

func (b *Builder) linkBefore(at, c *Chunk) {
	c.next = at
	c.prev = at.prev
	if at.prev != nil {
		at.prev.next = c
	} else {
		b.head = c
	}
	at.prev = c
}

func (b *Builder) linkAfter(at, c *Chunk) {
	c.prev = at
	c.next = at.next
	if at.next != nil {
		at.next.prev = c
	} else {
		b.tail = c
	}
	at.next = c
}

func (b *Builder) unlink(c *Chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		b.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		b.tail = c.prev
	}
	c.prev, c.next = nil, nil
}

// Append adds a chunk holding a copy of data at the tail.
func (b *Builder) Append(data []byte) *Chunk {
	c := b.newChunk(nonNil(data), 0)
	b.linkTail(c)
	return c
}

// AppendSize adds a zero-filled chunk of n bytes at the tail.
func (b *Builder) AppendSize(n uint64) *Chunk {
	c := b.newChunk(nil, n)
	b.linkTail(c)
	return c
}

// InsertBefore links a copy of data immediately before at. A nil at appends.
func (b *Builder) InsertBefore(at *Chunk, data []byte) *Chunk {
	if at == nil {
		return b.Append(data)
	}
	c := b.newChunk(nonNil(data), 0)
	b.linkBefore(at, c)
	return c
}

// InsertAfter links a copy of data immediately after at. A nil at appends.
func (b *Builder) InsertAfter(at *Chunk, data []byte) *Chunk {
	if at == nil {
		return b.Append(data)
	}
	c := b.newChunk(nonNil(data), 0)
	b.linkAfter(at, c)
	return c
}

// Reserve appends an n-byte chunk whose content is supplied later by Bind.
// Its position, and after CalculateIndex its offset, can be handed out
// before the content exists.
func (b *Builder) Reserve(n uint64) *Chunk {
	c := b.newChunk(nil, n)
	c.reserved = true
	b.linkTail(c)
	return c
}

// Bind supplies the content of a reserved chunk.
func (b *Builder) Bind(c *Chunk, data []byte) error {
	if uint64(len(data)) != c.Size() {
		return fmt.Errorf("%w: chunk %d holds %d bytes, got %d", ErrSizeMismatch, c.ID, c.Size(), len(data))
	}
	copy(c.buf, data)
	c.reserved = false
	return nil
}

// SetAlign requires the chunk's output offset to be a multiple of a.
func (b *Builder) SetAlign(c *Chunk, a uint64) {
	if a > 1 && !utils.IsPow2(a) {
		types.Violation("stream.SetAlign", "alignment %d is not a power of two", a)
	}
	if a > c.Align {
		c.Align = a
		b.indexed = false
	}
}

// CalculateIndex assigns every chunk its payload offset in one walk and
// returns the payload size. A zero padding chunk is synthesized in front of
// each aligned chunk that would otherwise land on a misaligned offset.
// Padding from an earlier run is dropped first, so the call is repeatable.
func (b *Builder) CalculateIndex() uint64 {
	for c := b.head; c != nil; {
		next := c.next
		if c.padding {
			b.unlink(c)
			b.pool.Release(c.buf)
			b.count--
		}
		c = next
	}
	var off uint64
	for c := b.head; c != nil; c = c.next {
		if pad := utils.Padding(off, c.Align); pad > 0 {
			p := b.newChunk(nil, pad)
			p.padding = true
			p.Index = off
			b.linkBefore(c, p)
			off += pad
		}
		c.Index = off
		off += c.Size()
	}
	b.total = off
	b.indexed = true
	return off
}

// Indexed reports whether offsets are current.
func (b *Builder) Indexed() bool { return b.indexed }

// WriteTo emits every chunk in order and returns the bytes written.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if !b.indexed {
		return 0, ErrNotIndexed
	}
	var total int64
	for c := b.head; c != nil; c = c.next {
		if c.reserved {
			return total, fmt.Errorf("%w: chunk %d", ErrUnbound, c.ID)
		}
		n, err := w.Write(c.buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n != len(c.buf) {
			return total, ErrShortWrite
		}
	}
	return total, nil
}

// Destroy releases every chunk buffer and empties the list.
func (b *Builder) Destroy() {
	for c := b.head; c != nil; {
		next := c.next
		b.pool.Release(c.buf)
		c.buf, c.prev, c.next = nil, nil, nil
		c = next
	}
	b.head, b.tail = nil, nil
	b.count, b.total = 0, 0
	b.indexed = false
}

// Len returns the number of chunks, padding included.
func (b *Builder) Len() int { return b.count }

// Size returns the payload size computed by the last CalculateIndex.
func (b *Builder) Size() uint64 { return b.total }

func (b *Builder) Head() *Chunk { return b.head }
func (b *Builder) Tail() *Chunk { return b.tail }

// All iterates chunks in output order.
func (b *Builder) All() iter.Seq[*Chunk] {
	return func(yield func(*Chunk) bool) {
		for c := b.head; c != nil; c = c.next {
			if !yield(c) {
				return
			}
		}
	}
}

func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
