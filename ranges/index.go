// Package ranges tracks which original address ranges have been captured and
// which stream chunk holds the copy of each one.
package ranges

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/btree"

	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/stream"
	"github.com/quickwritereader/flatimage/types"
)

var ErrZeroSize = errors.New("ranges: zero-sized acquire")

// Node covers the inclusive original range [Start, Last]. Nodes in an Index
// never overlap.
type Node struct {
	Start uintptr
	Last  uintptr
	Chunk *stream.Chunk
}

// Size returns the number of bytes the node covers.
func (n *Node) Size() uint64 { return uint64(n.Last-n.Start) + 1 }

// Contains reports whether addr lies inside the node.
func (n *Node) Contains(addr uintptr) bool { return addr >= n.Start && addr <= n.Last }

func (n *Node) String() string {
	return fmt.Sprintf("[%#x, %#x]", n.Start, n.Last)
}

// Handle names one byte of captured memory: Offset bytes past Node.Start.
// Offset may run past the node into address-contiguous neighbours.
type Handle struct {
	Node   *Node
	Offset uint64
}

// Addr returns the original address the handle names.
func (h Handle) Addr() uintptr { return h.Node.Start + uintptr(h.Offset) }

// Valid reports whether the handle refers to a node.
func (h Handle) Valid() bool { return h.Node != nil }

// Add returns the handle delta bytes further on.
func (h Handle) Add(delta uint64) Handle { return Handle{Node: h.Node, Offset: h.Offset + delta} }

// Coverage describes how an acquire request related to existing nodes.
type Coverage uint8

const (
	Fresh     Coverage = iota // nothing overlapped, one node created
	Exact                     // a node with the same start and size existed
	Contained                 // request lies inside one existing node
	Partial                   // request overlapped nodes, gaps were filled
)

func (c Coverage) String() string {
	switch c {
	case Fresh:
		return "fresh"
	case Exact:
		return "exact"
	case Contained:
		return "contained"
	case Partial:
		return "partial"
	default:
		return "invalid"
	}
}

func byStart(a, b *Node) bool { return a.Start < b.Start }

// Index is an interval index over captured original ranges, kept in a
// balanced B-tree ordered by start address.
type Index struct {
	tree   *btree.BTreeG[*Node]
	chunks *stream.Builder
	mem    memory.Reader
	bytes  uint64
}

// New returns an empty index that copies bytes from mem into chunks.
func New(chunks *stream.Builder, mem memory.Reader) *Index {
	return &Index{
		tree:   btree.NewG(16, byStart),
		chunks: chunks,
		mem:    mem,
	}
}

// Acquire makes sure [addr, addr+size) is captured and returns where addr now
// lives. Overlapping requests share chunk material; an exact duplicate returns
// the existing node untouched.
func (x *Index) Acquire(addr uintptr, size uint64) (Handle, Coverage, error) {
	if size == 0 {
		return Handle{}, Fresh, ErrZeroSize
	}
	if size-1 > uint64(math.MaxUint64-uint64(addr)) {
		types.Violation("ranges.Acquire", "range %#x+%d wraps the address space", addr, size)
	}
	last := addr + uintptr(size-1)
	hits := x.overlapping(addr, last)

	if len(hits) == 0 {
		n, err := x.insertFresh(addr, last)
		if err != nil {
			return Handle{}, Fresh, err
		}
		return Handle{Node: n}, Fresh, nil
	}

	for _, n := range hits {
		if n.Chunk == nil {
			types.Violation("ranges.Acquire", "node %s has no backing chunk", n)
		}
	}

	first := hits[0]
	if len(hits) == 1 && first.Start <= addr && first.Last >= last {
		if first.Start == addr && first.Last == last {
			return Handle{Node: first}, Exact, nil
		}
		return Handle{Node: first, Offset: uint64(addr - first.Start)}, Contained, nil
	}

	var h Handle
	cursor := addr
	for _, n := range hits {
		if cursor < n.Start {
			gap, err := x.insertGap(cursor, n.Start-1, n, true)
			if err != nil {
				return Handle{}, Partial, err
			}
			if !h.Valid() {
				h = Handle{Node: gap}
			}
		}
		if !h.Valid() {
			h = Handle{Node: n, Offset: uint64(addr - n.Start)}
		}
		cursor = n.Last + 1
	}
	tail := hits[len(hits)-1]
	if tail.Last < last {
		if _, err := x.insertGap(tail.Last+1, last, tail, false); err != nil {
			return Handle{}, Partial, err
		}
	}
	return h, Partial, nil
}

// AcquireAligned acquires like Acquire and asks for the backing chunk to land
// on a multiple of align when the handle sits at the chunk start.
func (x *Index) AcquireAligned(addr uintptr, size, align uint64) (Handle, Coverage, error) {
	h, cov, err := x.Acquire(addr, size)
	if err != nil {
		return h, cov, err
	}
	if h.Offset == 0 {
		x.chunks.SetAlign(h.Node.Chunk, align)
	}
	return h, cov, nil
}

// overlapping returns the nodes intersecting [addr, last] in address order.
func (x *Index) overlapping(addr, last uintptr) []*Node {
	var hits []*Node
	x.tree.DescendLessOrEqual(&Node{Start: addr}, func(n *Node) bool {
		if n.Last >= addr {
			hits = append(hits, n)
		}
		return false
	})
	if last > addr {
		x.tree.AscendGreaterOrEqual(&Node{Start: addr + 1}, func(n *Node) bool {
			if n.Start > last {
				return false
			}
			hits = append(hits, n)
			return true
		})
	}
	return hits
}

func (x *Index) read(start, last uintptr) ([]byte, error) {
	buf := make([]byte, uint64(last-start)+1)
	if err := x.mem.Read(start, buf); err != nil {
		return nil, fmt.Errorf("ranges: capture [%#x, %#x]: %w", start, last, err)
	}
	return buf, nil
}

// insertFresh places a node that overlaps nothing next to its address-order
// neighbour so the output roughly follows original address order.
func (x *Index) insertFresh(start, last uintptr) (*Node, error) {
	data, err := x.read(start, last)
	if err != nil {
		return nil, err
	}
	var pred, succ *Node
	x.tree.DescendLessOrEqual(&Node{Start: start}, func(n *Node) bool {
		pred = n
		return false
	})
	if pred == nil {
		x.tree.AscendGreaterOrEqual(&Node{Start: start}, func(n *Node) bool {
			succ = n
			return false
		})
	}
	n := &Node{Start: start, Last: last}
	switch {
	case pred != nil:
		n.Chunk = x.chunks.InsertAfter(pred.Chunk, data)
	case succ != nil:
		n.Chunk = x.chunks.InsertBefore(succ.Chunk, data)
	default:
		n.Chunk = x.chunks.Append(data)
	}
	x.add(n)
	return n, nil
}

// insertGap fills [start, last] next to an already placed neighbour.
func (x *Index) insertGap(start, last uintptr, neighbour *Node, before bool) (*Node, error) {
	data, err := x.read(start, last)
	if err != nil {
		return nil, err
	}
	n := &Node{Start: start, Last: last}
	if before {
		n.Chunk = x.chunks.InsertBefore(neighbour.Chunk, data)
	} else {
		n.Chunk = x.chunks.InsertAfter(neighbour.Chunk, data)
	}
	x.add(n)
	return n, nil
}

func (x *Index) add(n *Node) {
	x.tree.ReplaceOrInsert(n)
	x.bytes += n.Size()
}

// Lookup returns the node containing addr.
func (x *Index) Lookup(addr uintptr) *Node {
	var hit *Node
	x.tree.DescendLessOrEqual(&Node{Start: addr}, func(n *Node) bool {
		if n.Contains(addr) {
			hit = n
		}
		return false
	})
	return hit
}

// Locate returns the chunk and the offset inside it that hold addr.
func (x *Index) Locate(addr uintptr) (*stream.Chunk, uint64, bool) {
	n := x.Lookup(addr)
	if n == nil {
		return nil, 0, false
	}
	if n.Chunk == nil {
		types.Violation("ranges.Locate", "node %s has no backing chunk", n)
	}
	return n.Chunk, uint64(addr - n.Start), true
}

// Resolve maps an original address to its payload offset. The address one
// past the end of a node resolves too, as end pointers are common. Chunk
// offsets must be current (stream.Builder.CalculateIndex).
func (x *Index) Resolve(addr uintptr) (uint64, bool) {
	if c, off, ok := x.Locate(addr); ok {
		return c.Index + off, true
	}
	if addr == 0 {
		return 0, false
	}
	if c, off, ok := x.Locate(addr - 1); ok && off == c.Size()-1 {
		return c.Index + off + 1, true
	}
	return 0, false
}

// Ascend visits nodes in address order until fn returns false.
func (x *Index) Ascend(fn func(n *Node) bool) {
	x.tree.Ascend(fn)
}

// Len returns the number of nodes.
func (x *Index) Len() int { return x.tree.Len() }

// Bytes returns the number of captured bytes.
func (x *Index) Bytes() uint64 { return x.bytes }

// Destroy drops every node. Chunks belong to the stream builder.
func (x *Index) Destroy() {
	x.tree.Ascend(func(n *Node) bool {
		n.Chunk = nil
		return true
	})
	x.tree.Clear(false)
	x.bytes = 0
}
