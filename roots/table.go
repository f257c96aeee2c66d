package roots

import (
	"fmt"

	"github.com/quickwritereader/flatimage/types"
)

// Table is the restore-side root table: stored payload offsets plus the live
// base of the payload. It serves both the sequential cursor and random access.
type Table struct {
	offsets []uint64
	base    uintptr
	pos     int
}

// NewTable returns a table over offsets resolved against base.
func NewTable(offsets []uint64, base uintptr) *Table {
	return &Table{offsets: offsets, base: base}
}

// Count returns the number of entries.
func (t *Table) Count() int { return len(t.offsets) }

// Rebase changes the payload base, e.g. after the image moved.
func (t *Table) Rebase(base uintptr) { t.base = base }

// Offsets returns the stored payload offsets.
func (t *Table) Offsets() []uint64 { return t.offsets }

func (t *Table) resolve(off uint64) (uintptr, bool) {
	if off == types.NullOffset {
		return 0, false
	}
	return t.base + uintptr(off), true
}

// Next returns the next root. ok is false for a null entry; err is
// ErrExhausted past the last entry.
func (t *Table) Next() (addr uintptr, ok bool, err error) {
	if t.pos >= len(t.offsets) {
		return 0, false, ErrExhausted
	}
	addr, ok = t.resolve(t.offsets[t.pos])
	t.pos++
	return addr, ok, nil
}

// Seq returns entry i without moving the cursor.
func (t *Table) Seq(i int) (addr uintptr, ok bool, err error) {
	if i < 0 || i >= len(t.offsets) {
		return 0, false, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(t.offsets))
	}
	addr, ok = t.resolve(t.offsets[i])
	return addr, ok, nil
}

// CurrentIndex returns the position of the cursor.
func (t *Table) CurrentIndex() int { return t.pos }

// Reset rewinds the cursor.
func (t *Table) Reset() { t.pos = 0 }
