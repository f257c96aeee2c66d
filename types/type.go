package types

// Kind tags the value held by a pointer slot in the fixup index.
type Kind uint8

const (
	KindReserved Kind = 0 // placeholder, slot visited but not bound yet
	KindBound    Kind = 1 // relocatable target inside the image
	KindConstant Kind = 2 // absolute value (function pointer), never relocated
)

// String returns the human-readable name of the kind
func (k Kind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindBound:
		return "bound"
	case KindConstant:
		return "constant"
	default:
		return "invalid"
	}
}

// PointerWidth is the width of a pointer slot and of every table entry on disk.
const PointerWidth = 8

// NullOffset marks a root table entry that carries no value.
// Offset 0 is a valid payload position so the sentinel is all ones.
const NullOffset = ^uint64(0)
