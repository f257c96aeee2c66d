// Package introspect dumps the structures of a capture session or a loaded
// image in address order, as text, JSON or msgpack.
package introspect

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/fixups"
	"github.com/quickwritereader/flatimage/image"
	"github.com/quickwritereader/flatimage/ranges"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/stream"
	"github.com/quickwritereader/flatimage/types"
)

var ErrUnknownFormat = errors.New("introspect: unknown format")

type Chunk struct {
	ID       uint64 `json:"id" msgpack:"id"`
	Index    uint64 `json:"index" msgpack:"index"`
	Size     uint64 `json:"size" msgpack:"size"`
	Align    uint64 `json:"align,omitempty" msgpack:"align,omitempty"`
	Padding  bool   `json:"padding,omitempty" msgpack:"padding,omitempty"`
	Reserved bool   `json:"reserved,omitempty" msgpack:"reserved,omitempty"`
}

type Range struct {
	Start  uint64 `json:"start" msgpack:"start"`
	Last   uint64 `json:"last" msgpack:"last"`
	Size   uint64 `json:"size" msgpack:"size"`
	Chunk  uint64 `json:"chunk" msgpack:"chunk"`
	Offset uint64 `json:"offset" msgpack:"offset"`
}

// Fixup is one pointer slot. Capture reports carry original addresses;
// image reports only carry payload offsets.
type Fixup struct {
	Slot         uint64 `json:"slot,omitempty" msgpack:"slot,omitempty"`
	Kind         string `json:"kind" msgpack:"kind"`
	Target       uint64 `json:"target,omitempty" msgpack:"target,omitempty"`
	Raw          uint64 `json:"raw,omitempty" msgpack:"raw,omitempty"`
	SlotOffset   uint64 `json:"slot_offset" msgpack:"slot_offset"`
	TargetOffset uint64 `json:"target_offset,omitempty" msgpack:"target_offset,omitempty"`
}

type Totals struct {
	Chunks   int    `json:"chunks" msgpack:"chunks"`
	Ranges   int    `json:"ranges" msgpack:"ranges"`
	Captured uint64 `json:"captured" msgpack:"captured"`
	Payload  uint64 `json:"payload" msgpack:"payload"`
	Bound    int    `json:"bound" msgpack:"bound"`
	Const    int    `json:"const" msgpack:"const"`
	Reserved int    `json:"reserved" msgpack:"reserved"`
	Roots    int    `json:"roots" msgpack:"roots"`
	File     uint64 `json:"file,omitempty" msgpack:"file,omitempty"`
}

// Report is a snapshot of one session or image.
type Report struct {
	Source string       `json:"source" msgpack:"source"`
	Header types.Header `json:"header" msgpack:"header"`
	Chunks []Chunk      `json:"chunks,omitempty" msgpack:"chunks,omitempty"`
	Ranges []Range      `json:"ranges,omitempty" msgpack:"ranges,omitempty"`
	Fixups []Fixup      `json:"fixups" msgpack:"fixups"`
	Roots  []uint64     `json:"roots" msgpack:"roots"`
	Totals Totals       `json:"totals" msgpack:"totals"`
}

// FromContext snapshots a capture session. Offsets are only meaningful once
// the chunk list has been indexed, i.e. after the image was written.
func FromContext(ctx *session.Context) Report {
	rep := Report{Source: "capture", Header: ctx.Header}
	indexed := ctx.Chunks.Indexed()
	for c := range ctx.Chunks.All() {
		rep.Chunks = append(rep.Chunks, chunkOf(c))
	}
	ctx.Ranges.Ascend(func(n *ranges.Node) bool {
		r := Range{Start: uint64(n.Start), Last: uint64(n.Last), Size: n.Size(), Chunk: n.Chunk.ID}
		if indexed {
			r.Offset = n.Chunk.Index
		}
		rep.Ranges = append(rep.Ranges, r)
		return true
	})
	ctx.Fixups.Ascend(func(f *fixups.Fixup) bool {
		fx := Fixup{Slot: uint64(f.Addr()), Kind: f.Kind.String()}
		switch f.Kind {
		case types.KindBound:
			fx.Target = uint64(f.Target.Addr())
		case types.KindConstant:
			fx.Raw = f.Raw
		}
		if indexed {
			fx.SlotOffset, _ = ctx.Ranges.Resolve(f.Addr())
			if f.Kind == types.KindBound {
				fx.TargetOffset, _ = ctx.Ranges.Resolve(f.Target.Addr())
			}
		}
		rep.Fixups = append(rep.Fixups, fx)
		return true
	})
	for _, addr := range ctx.Roots.Entries() {
		rep.Roots = append(rep.Roots, uint64(addr))
	}
	bound, constant, reserved := ctx.Fixups.Counts()
	rep.Totals = Totals{
		Chunks:   ctx.Chunks.Len(),
		Ranges:   ctx.Ranges.Len(),
		Captured: ctx.Ranges.Bytes(),
		Payload:  ctx.Chunks.Size(),
		Bound:    bound,
		Const:    constant,
		Reserved: reserved,
		Roots:    ctx.Roots.Count(),
	}
	return rep
}

func chunkOf(c *stream.Chunk) Chunk {
	return Chunk{
		ID:       c.ID,
		Index:    c.Index,
		Size:     c.Size(),
		Align:    c.Align,
		Padding:  c.Padding(),
		Reserved: c.Reserved(),
	}
}

// FromImage snapshots a loaded image: header, root offsets and every slot
// with the payload offset its pointer resolves to.
func FromImage(img *image.Image) Report {
	h := img.Header
	rep := Report{Source: "image", Header: h, Roots: img.Roots.Offsets()}
	base := uint64(img.Base())
	bound, consts := img.BoundSlots(), img.ConstSlots()
	rep.Fixups = make([]Fixup, 0, len(bound)+len(consts))
	for _, off := range bound {
		rep.Fixups = append(rep.Fixups, Fixup{
			Kind:         types.KindBound.String(),
			SlotOffset:   off,
			TargetOffset: img.SlotValue(off) - base,
		})
	}
	for _, off := range consts {
		rep.Fixups = append(rep.Fixups, Fixup{
			Kind:       types.KindConstant.String(),
			SlotOffset: off,
			Raw:        img.SlotValue(off),
		})
	}
	slices.SortFunc(rep.Fixups, func(a, b Fixup) int { return cmp.Compare(a.SlotOffset, b.SlotOffset) })
	rep.Totals = Totals{
		Payload: h.PayloadSize,
		Bound:   len(bound),
		Const:   len(consts),
		Roots:   len(rep.Roots),
		File:    h.ImageSize(),
	}
	return rep
}

// Encode writes rep to w as "text", "json" or "msgpack".
func Encode(w io.Writer, rep Report, format string) error {
	switch format {
	case "", "text":
		return rep.WriteText(w)
	case "json":
		b, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		_, err = w.Write(append(b, '\n'))
		return err
	case "msgpack":
		return msgpack.NewEncoder(w).Encode(rep)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteText prints the report for humans, every table in address order.
func (rep Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	h := rep.Header
	fmt.Fprintf(tw, "%s: payload %d bytes, %d bound, %d const, %d roots, fix base %#x\n",
		rep.Source, h.PayloadSize, h.BoundCount, h.ConstCount, h.RootCount, h.FixBase)

	if len(rep.Chunks) > 0 {
		fmt.Fprintln(tw, "\nchunks:\tid\tindex\tsize\talign\tflags")
		for _, c := range rep.Chunks {
			flags := ""
			if c.Padding {
				flags += "P"
			}
			if c.Reserved {
				flags += "R"
			}
			fmt.Fprintf(tw, "\t%d\t%#x\t%d\t%d\t%s\n", c.ID, c.Index, c.Size, c.Align, flags)
		}
	}
	if len(rep.Ranges) > 0 {
		fmt.Fprintln(tw, "\nranges:\tstart\tlast\tsize\tchunk\toffset")
		for _, r := range rep.Ranges {
			fmt.Fprintf(tw, "\t%#x\t%#x\t%d\t%d\t%#x\n", r.Start, r.Last, r.Size, r.Chunk, r.Offset)
		}
	}
	fmt.Fprintln(tw, "\nfixups:\tkind\tslot\tslot offset\tvalue")
	for _, f := range rep.Fixups {
		var value string
		switch f.Kind {
		case types.KindBound.String():
			value = fmt.Sprintf("-> %#x", f.TargetOffset)
			if f.Target != 0 {
				value += fmt.Sprintf(" (%#x)", f.Target)
			}
		case types.KindConstant.String():
			value = fmt.Sprintf("= %#x", f.Raw)
		}
		fmt.Fprintf(tw, "\t%s\t%#x\t%#x\t%s\n", f.Kind, f.Slot, f.SlotOffset, value)
	}
	fmt.Fprintln(tw, "\nroots:\tindex\tvalue")
	for i, r := range rep.Roots {
		if rep.Source == "image" && r == types.NullOffset {
			fmt.Fprintf(tw, "\t%d\tnull\n", i)
			continue
		}
		if rep.Source == "capture" && r == 0 {
			fmt.Fprintf(tw, "\t%d\tnull\n", i)
			continue
		}
		fmt.Fprintf(tw, "\t%d\t%#x\n", i, r)
	}
	t := rep.Totals
	fmt.Fprintf(tw, "\ntotals: %d chunks, %d ranges, %d captured bytes, %d payload bytes, %d bound, %d const, %d reserved, %d roots",
		t.Chunks, t.Ranges, t.Captured, t.Payload, t.Bound, t.Const, t.Reserved, t.Roots)
	if t.File > 0 {
		fmt.Fprintf(tw, ", %d file bytes", t.File)
	}
	fmt.Fprintln(tw)
	return tw.Flush()
}

// FromFile loads the image at path through the copy path in a session of its
// own and snapshots it.
func FromFile(path string, opts config.Options) (Report, error) {
	stack := session.NewStack()
	ctx := stack.Init(session.Restore, nil, opts)
	img, err := image.ReadFile(ctx, path)
	if err != nil {
		_ = stack.Fini()
		return Report{}, err
	}
	rep := FromImage(img)
	return rep, stack.Fini()
}
