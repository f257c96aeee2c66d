// Package workqueue is a FIFO of fixed-size records stored in blocks.
//
// Deep pointer graphs are captured by pushing "visit this record later" jobs
// and draining the queue in a loop, so traversal depth never grows the call
// stack.
package workqueue

import "github.com/quickwritereader/flatimage/types"

// DefaultBlockSize is the number of records per block.
const DefaultBlockSize = 256

type block[T any] struct {
	items []T
	next  *block[T]
}

// Queue holds records in a singly linked chain of fixed-capacity blocks.
// Drained blocks are kept on a free list and reused.
type Queue[T any] struct {
	head      *block[T]
	tail      *block[T]
	free      *block[T]
	readPos   int // next read in head
	writePos  int // next write in tail
	size      int
	blockSize int
	pushed    uint64
}

// New returns an empty queue with blockSize records per block.
func New[T any](blockSize int) *Queue[T] {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Queue[T]{blockSize: blockSize}
}

func (q *Queue[T]) newBlock() *block[T] {
	if b := q.free; b != nil {
		q.free = b.next
		b.next = nil
		return b
	}
	return &block[T]{items: make([]T, q.blockSize)}
}

// PushBack appends one record.
func (q *Queue[T]) PushBack(v T) {
	if q.tail == nil {
		q.head = q.newBlock()
		q.tail = q.head
		q.readPos, q.writePos = 0, 0
	} else if q.writePos == q.blockSize {
		b := q.newBlock()
		q.tail.next = b
		q.tail = b
		q.writePos = 0
	}
	q.tail.items[q.writePos] = v
	q.writePos++
	q.size++
	q.pushed++
}

// TryPopFront removes the oldest record; ok is false when the queue is empty.
func (q *Queue[T]) TryPopFront() (v T, ok bool) {
	if q.size == 0 {
		return v, false
	}
	var zero T
	v = q.head.items[q.readPos]
	q.head.items[q.readPos] = zero
	q.readPos++
	q.size--

	switch {
	case q.size == 0:
		// keep a single block around, rewind it
		q.releaseAfter(q.head)
		q.tail = q.head
		q.readPos, q.writePos = 0, 0
	case q.readPos == q.blockSize:
		b := q.head
		q.head = b.next
		b.next = q.free
		q.free = b
		q.readPos = 0
	}
	return v, true
}

func (q *Queue[T]) releaseAfter(b *block[T]) {
	for n := b.next; n != nil; {
		next := n.next
		n.next = q.free
		q.free = n
		n = next
	}
	b.next = nil
}

// PopFront removes the oldest record. Popping an empty queue is a contract
// violation.
func (q *Queue[T]) PopFront() T {
	v, ok := q.TryPopFront()
	if !ok {
		types.Violation("workqueue.PopFront", "queue underflow")
	}
	return v
}

// Empty reports whether no records are queued.
func (q *Queue[T]) Empty() bool { return q.size == 0 }

// Len returns the number of queued records.
func (q *Queue[T]) Len() int { return q.size }

// Pushed returns the number of records ever pushed.
func (q *Queue[T]) Pushed() uint64 { return q.pushed }

// Reset drops all records and blocks.
func (q *Queue[T]) Reset() {
	q.head, q.tail, q.free = nil, nil, nil
	q.readPos, q.writePos, q.size = 0, 0, 0
}
