// Package flatten is the capture-side API. A caller opens a Flattener,
// registers roots and describes each record kind with a VisitFunc that marks
// the pointer slots of one element; the Flattener copies every reachable
// region into the stream, binds every slot and writes the image.
//
// Traversal is breadth first through a work queue, so graph depth never
// turns into call depth.
package flatten

import (
	"errors"
	"fmt"
	"io"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/fixups"
	"github.com/quickwritereader/flatimage/image"
	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/ranges"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
	"github.com/quickwritereader/flatimage/workqueue"
)

var ErrEnded = errors.New("flatten: session already ended")

// VisitFunc describes one element of a record kind: it is called with the
// original address of an element whose bytes are already captured and
// marks the element's pointer slots through PushPointer, InsertFptr and
// friends.
type VisitFunc func(f *Flattener, addr uintptr) error

// ConvertFunc adjusts the captured target of a pointer whose static type
// differs from the record it points into, before the slot is bound.
type ConvertFunc func(f *Flattener, target ranges.Handle) (ranges.Handle, error)

// Job is one deferred capture: Count elements of ElemSize bytes at Target,
// bound into Slot once captured. Root jobs have no slot.
type Job struct {
	Slot     ranges.Handle
	Target   uintptr
	Count    int
	ElemSize uint64
	Align    uint64
	Visit    VisitFunc
	Convert  ConvertFunc
}

type visitKey struct {
	addr uintptr
	size uint64
}

// Flattener owns one capture session.
type Flattener struct {
	stack   *session.Stack
	ctx     *session.Context
	mem     memory.Reader
	queue   *workqueue.Queue[Job]
	visited map[visitKey]struct{}
	ended   bool
}

// Begin opens a capture session on stack reading original memory through mem.
func Begin(stack *session.Stack, mem memory.Reader, opts config.Options) *Flattener {
	ctx := stack.Init(session.Capture, mem, opts)
	return &Flattener{
		stack:   stack,
		ctx:     ctx,
		mem:     mem,
		queue:   workqueue.New[Job](opts.QueueBlockSize),
		visited: make(map[visitKey]struct{}),
	}
}

// Context returns the session the flattener drives.
func (f *Flattener) Context() *session.Context { return f.ctx }

// Memory returns the reader over original memory.
func (f *Flattener) Memory() memory.Reader { return f.mem }

// Acquire captures [addr, addr+size).
func (f *Flattener) Acquire(addr uintptr, size uint64) (ranges.Handle, error) {
	h, cov, err := f.ctx.Ranges.Acquire(addr, size)
	if err != nil {
		return ranges.Handle{}, err
	}
	f.ctx.Options.Tracef(2, "acquire %#x+%d: %s", addr, size, cov)
	return h, nil
}

// AcquireAligned captures [addr, addr+size) and asks for its chunk to start
// on an align boundary of the payload.
func (f *Flattener) AcquireAligned(addr uintptr, size, align uint64) (ranges.Handle, error) {
	h, cov, err := f.ctx.Ranges.AcquireAligned(addr, size, align)
	if err != nil {
		return ranges.Handle{}, err
	}
	f.ctx.Options.Tracef(2, "acquire %#x+%d align %d: %s", addr, size, align, cov)
	return h, nil
}

// Handle names an already captured address. Asking for memory that was never
// acquired is a contract violation.
func (f *Flattener) Handle(addr uintptr) ranges.Handle {
	n := f.ctx.Ranges.Lookup(addr)
	if n == nil {
		types.Violation("flatten.Handle", "address %#x was never captured", addr)
	}
	return ranges.Handle{Node: n, Offset: uint64(addr - n.Start)}
}

// Reserve marks the slot at addr as a pointer slot whose target is not known
// yet. It reports whether the slot was new.
func (f *Flattener) Reserve(slot uintptr) bool {
	return f.ctx.Fixups.Reserve(f.Handle(slot))
}

// Insert binds the slot at addr to a captured target address.
func (f *Flattener) Insert(slot, target uintptr) {
	f.ctx.Fixups.Insert(f.Handle(slot), f.Handle(target))
}

// InsertForce binds or rebinds the slot and reports how the new target related
// to the old one.
func (f *Flattener) InsertForce(slot, target uintptr) fixups.Outcome {
	out := f.ctx.Fixups.InsertForceUpdate(f.Handle(slot), f.Handle(target))
	if out == fixups.Conflict {
		f.ctx.Options.Log().Warnf("flatten: slot %#x already bound elsewhere, keeping old target", slot)
	}
	return out
}

// InsertFptr stores raw in the slot and keeps it out of relocation. Function
// pointers go here.
func (f *Flattener) InsertFptr(slot uintptr, raw uint64) {
	f.ctx.Fixups.InsertFptr(f.Handle(slot), raw)
}

// AppendRoot registers addr as the next root; 0 records a null root.
func (f *Flattener) AppendRoot(addr uintptr) {
	f.ctx.Roots.Append(addr)
}

// PushJob defers j until Run.
func (f *Flattener) PushJob(j Job) {
	if j.Count <= 0 {
		j.Count = 1
	}
	f.queue.PushBack(j)
}

// PushRoot registers addr as a root and queues count elements of elemSize
// bytes there for capture. A nil addr records a null root.
func (f *Flattener) PushRoot(addr uintptr, count int, elemSize uint64, visit VisitFunc) {
	f.AppendRoot(addr)
	if addr == 0 {
		return
	}
	f.PushJob(Job{Target: addr, Count: count, ElemSize: elemSize, Visit: visit})
}

// PushPointer follows the pointer stored in the captured slot at addr: a
// non-nil target of count elements of elemSize bytes is queued for capture
// and the slot is reserved until then. A nil pointer stays zero.
func (f *Flattener) PushPointer(slot uintptr, count int, elemSize uint64, visit VisitFunc) error {
	return f.PushPointerWith(slot, Job{Count: count, ElemSize: elemSize, Visit: visit})
}

// PushPointerWith is PushPointer with a job template carrying alignment or a
// converter; Slot and Target are filled in.
func (f *Flattener) PushPointerWith(slot uintptr, j Job) error {
	target, err := memory.ReadPointer(f.mem, slot)
	if err != nil {
		return fmt.Errorf("slot %#x: %w", slot, err)
	}
	if target == 0 {
		return nil
	}
	h := f.Handle(slot)
	f.ctx.Fixups.Reserve(h)
	j.Slot, j.Target = h, target
	f.PushJob(j)
	return nil
}

// Pending returns the number of queued jobs.
func (f *Flattener) Pending() int { return f.queue.Len() }

// Run drains the queue: each job captures its region, binds its slot and
// visits its elements, which may queue more jobs. Elements reached again
// through another pointer are bound but not visited twice.
func (f *Flattener) Run() error {
	if f.ended {
		return ErrEnded
	}
	for !f.queue.Empty() {
		j := f.queue.PopFront()
		if err := f.run(j); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flattener) run(j Job) error {
	size := uint64(j.Count) * j.ElemSize
	var (
		h   ranges.Handle
		err error
	)
	if j.Align > 1 {
		h, err = f.AcquireAligned(j.Target, size, j.Align)
	} else {
		h, err = f.Acquire(j.Target, size)
	}
	if err != nil {
		return fmt.Errorf("capture %#x+%d: %w", j.Target, size, err)
	}
	if j.Convert != nil {
		if h, err = j.Convert(f, h); err != nil {
			return fmt.Errorf("convert %#x: %w", j.Target, err)
		}
	}
	if j.Slot.Valid() {
		f.ctx.Fixups.Insert(j.Slot, h)
	}
	if j.Visit == nil {
		return nil
	}
	key := visitKey{addr: j.Target, size: size}
	if _, seen := f.visited[key]; seen {
		return nil
	}
	f.visited[key] = struct{}{}
	for i := 0; i < j.Count; i++ {
		if err = j.Visit(f, j.Target+uintptr(uint64(i)*j.ElemSize)); err != nil {
			return err
		}
	}
	return nil
}

// Write drains any queued jobs and writes the image to w.
func (f *Flattener) Write(w io.Writer) (image.Stats, error) {
	if err := f.Run(); err != nil {
		return image.Stats{}, err
	}
	return image.Write(f.ctx, w)
}

// WriteFile drains any queued jobs and writes the image to path.
func (f *Flattener) WriteFile(path string) (image.Stats, error) {
	if err := f.Run(); err != nil {
		return image.Stats{}, err
	}
	st, err := image.WriteFile(f.ctx, path)
	if err != nil {
		f.ctx.Options.Log().Errorf("write %s: %v", path, err)
	}
	return st, err
}

// End tears the session down. The flattener is unusable afterwards.
func (f *Flattener) End() error {
	if f.ended {
		return nil
	}
	if f.stack.Current() != f.ctx {
		types.Violation("flatten.End", "session %d is not the innermost one", f.ctx.Depth)
	}
	f.ended = true
	f.queue.Reset()
	clear(f.visited)
	return f.stack.Fini()
}
