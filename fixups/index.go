// Package fixups records every pointer slot of the output image and what the
// slot must hold once the image is loaded.
package fixups

import (
	"encoding/binary"
	"slices"

	"github.com/google/btree"

	"github.com/quickwritereader/flatimage/ranges"
	"github.com/quickwritereader/flatimage/types"
)

// Value is what a slot holds: a placeholder, a relocatable target inside the
// image, or an absolute constant.
type Value struct {
	Kind   types.Kind
	Target ranges.Handle // KindBound
	Raw    uint64        // KindConstant
}

func Reserved() Value { return Value{Kind: types.KindReserved} }
func Bound(target ranges.Handle) Value { return Value{Kind: types.KindBound, Target: target} }
func Constant(raw uint64) Value { return Value{Kind: types.KindConstant, Raw: raw} }

// Equal compares by resolved meaning: bound targets by original address.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case types.KindBound:
		return v.Target.Addr() == o.Target.Addr()
	case types.KindConstant:
		return v.Raw == o.Raw
	}
	return true
}

// Fixup is one pointer slot, keyed by the original address of the slot.
type Fixup struct {
	Slot ranges.Handle
	Value
}

// Addr returns the original address of the slot.
func (f *Fixup) Addr() uintptr { return f.Slot.Addr() }

// Outcome is the result of InsertForceUpdate.
type Outcome uint8

const (
	Match    Outcome = iota // slot already held the same target
	Updated                 // target was bound or replaced
	Conflict                // slot holds something incompatible, left unchanged
)

func (o Outcome) String() string {
	switch o {
	case Match:
		return "match"
	case Updated:
		return "updated"
	case Conflict:
		return "conflict"
	default:
		return "invalid"
	}
}

func bySlot(a, b *Fixup) bool { return a.Addr() < b.Addr() }

// Index is an ordered set of fixups in a balanced B-tree.
type Index struct {
	tree     *btree.BTreeG[*Fixup]
	bound    int
	constant int
	reserved int
}

func New() *Index {
	return &Index{tree: btree.NewG(16, bySlot)}
}

// Search returns the fixup whose slot sits at the original address addr.
func (x *Index) Search(addr uintptr) *Fixup {
	f, ok := x.tree.Get(&Fixup{Slot: ranges.Handle{Node: &ranges.Node{Start: addr}}})
	if !ok {
		return nil
	}
	return f
}

func (x *Index) get(slot ranges.Handle) *Fixup {
	if !slot.Valid() {
		types.Violation("fixups", "slot handle without range node")
	}
	f, _ := x.tree.Get(&Fixup{Slot: slot})
	return f
}

func (x *Index) put(slot ranges.Handle, v Value) {
	x.tree.ReplaceOrInsert(&Fixup{Slot: slot, Value: v})
	x.count(v.Kind, 1)
}

func (x *Index) count(k types.Kind, d int) {
	switch k {
	case types.KindBound:
		x.bound += d
	case types.KindConstant:
		x.constant += d
	default:
		x.reserved += d
	}
}

func (x *Index) set(f *Fixup, v Value) {
	x.count(f.Kind, -1)
	f.Value = v
	x.count(v.Kind, 1)
}

// Reserve marks slot as visited. It reports whether a placeholder was added;
// an existing entry of any kind is left alone.
func (x *Index) Reserve(slot ranges.Handle) bool {
	if x.get(slot) != nil {
		return false
	}
	x.put(slot, Reserved())
	return true
}

// Insert binds slot to target. A placeholder is promoted. A slot already bound
// to another target, or holding a constant, means two capture paths disagree
// about one pointer, which is fatal.
func (x *Index) Insert(slot, target ranges.Handle) {
	v := Bound(target)
	f := x.get(slot)
	switch {
	case f == nil:
		x.put(slot, v)
	case f.Kind == types.KindReserved:
		x.set(f, v)
	case f.Value.Equal(v):
	default:
		types.Violation("fixups.Insert", "slot %#x already holds %s value, cannot bind %#x", slot.Addr(), f.Kind, target.Addr())
	}
}

// InsertForceUpdate is the tolerant Insert for slots that may be revisited.
// A differing target inside the same range node replaces the old one; a target
// in another node, or a constant in the slot, is reported as Conflict and the
// slot is kept. The caller decides whether Conflict is fatal.
func (x *Index) InsertForceUpdate(slot, target ranges.Handle) Outcome {
	v := Bound(target)
	f := x.get(slot)
	switch {
	case f == nil:
		x.put(slot, v)
		return Updated
	case f.Kind == types.KindReserved:
		x.set(f, v)
		return Updated
	case f.Value.Equal(v):
		return Match
	case f.Kind == types.KindBound && f.Target.Node == target.Node:
		f.Target = target
		return Updated
	default:
		return Conflict
	}
}

// InsertFptr binds slot to an absolute value that is never relocated.
func (x *Index) InsertFptr(slot ranges.Handle, raw uint64) {
	v := Constant(raw)
	f := x.get(slot)
	switch {
	case f == nil:
		x.put(slot, v)
	case f.Kind == types.KindReserved:
		x.set(f, v)
	case f.Value.Equal(v):
	default:
		types.Violation("fixups.InsertFptr", "slot %#x already holds %s value, cannot bind constant %#x", slot.Addr(), f.Kind, raw)
	}
}

// Counts returns the number of bound, constant and reserved slots.
func (x *Index) Counts() (bound, constant, reserved int) {
	return x.bound, x.constant, x.reserved
}

// Len returns the number of slots of any kind.
func (x *Index) Len() int { return x.tree.Len() }

// Ascend visits fixups in slot address order until fn returns false.
func (x *Index) Ascend(fn func(f *Fixup) bool) {
	x.tree.Ascend(fn)
}

// Tables holds the payload offsets of bound and constant slots, ascending.
type Tables struct {
	Bound []uint64
	Const []uint64
}

// ResolveAndStage writes, for every bound slot, the payload offset of its
// target into the slot bytes of the owning chunk, and the raw value for every
// constant slot. Chunk offsets must be current. Placeholders are skipped.
func (x *Index) ResolveAndStage(r *ranges.Index) Tables {
	t := Tables{
		Bound: make([]uint64, 0, x.bound),
		Const: make([]uint64, 0, x.constant),
	}
	x.tree.Ascend(func(f *Fixup) bool {
		if f.Kind == types.KindReserved {
			return true
		}
		addr := f.Addr()
		c, off, ok := r.Locate(addr)
		if !ok {
			types.Violation("fixups.ResolveAndStage", "slot %#x is not captured", addr)
		}
		if off+types.PointerWidth > c.Size() {
			types.Violation("fixups.ResolveAndStage", "slot %#x straddles the end of its range", addr)
		}
		word := c.Bytes()[off : off+types.PointerWidth]
		switch f.Kind {
		case types.KindBound:
			target, ok := r.Resolve(f.Target.Addr())
			if !ok {
				types.Violation("fixups.ResolveAndStage", "slot %#x points at %#x which is not captured", addr, f.Target.Addr())
			}
			binary.NativeEndian.PutUint64(word, target)
			t.Bound = append(t.Bound, c.Index+off)
		case types.KindConstant:
			binary.NativeEndian.PutUint64(word, f.Raw)
			t.Const = append(t.Const, c.Index+off)
		}
		return true
	})
	slices.Sort(t.Bound)
	slices.Sort(t.Const)
	return t
}

// Destroy drops every fixup.
func (x *Index) Destroy() {
	x.tree.Clear(false)
	x.bound, x.constant, x.reserved = 0, 0, 0
}
