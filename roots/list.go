// Package roots keeps the entry points of a flattened graph: original
// addresses while capturing, payload offsets on disk, live addresses after a
// restore.
package roots

import (
	"errors"
	"fmt"

	"github.com/quickwritereader/flatimage/types"
)

var (
	ErrOutOfRange = errors.New("roots: index out of range")
	ErrExhausted  = errors.New("roots: no more entries")
	ErrUnresolved = errors.New("roots: root address was never captured")
)

// List is the capture-side root list. A zero address is the null sentinel.
type List struct {
	entries []uintptr
}

func NewList() *List {
	return &List{}
}

// Append adds one root. Entries are immutable once appended.
func (l *List) Append(addr uintptr) {
	l.entries = append(l.entries, addr)
}

// Count returns the number of roots, null entries included.
func (l *List) Count() int { return len(l.entries) }

// Entries returns the roots in insertion order.
func (l *List) Entries() []uintptr { return l.entries }

// Offsets maps every root to its payload offset through resolve; null roots
// become types.NullOffset.
func (l *List) Offsets(resolve func(uintptr) (uint64, bool)) ([]uint64, error) {
	out := make([]uint64, len(l.entries))
	for i, addr := range l.entries {
		if addr == 0 {
			out[i] = types.NullOffset
			continue
		}
		off, ok := resolve(addr)
		if !ok {
			return nil, fmt.Errorf("%w: root %d at %#x", ErrUnresolved, i, addr)
		}
		out[i] = off
	}
	return out, nil
}

// Reset empties the list.
func (l *List) Reset() { l.entries = l.entries[:0] }
