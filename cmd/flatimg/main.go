// Command flatimg inspects and checks image files.
//
//	flatimg [-config FILE] [-v N] inspect [-format text|json|msgpack] FILE
//	flatimg [-config FILE] [-v N] roots FILE
//	flatimg [-config FILE] [-v N] verify FILE
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/image"
	"github.com/quickwritereader/flatimage/introspect"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
)

var errUsage = errors.New("usage: flatimg [-config FILE] [-v N] inspect|roots|verify [flags] FILE")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("flatimg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "JSON options file")
	level := fs.Int("v", 0, "debug level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, errUsage)
		return 2
	}

	// summaries would interleave with command output
	extra := []config.Option{config.WithSilent(true)}
	if *level > 0 {
		extra = append(extra, config.WithDebugLevel(*level))
	}
	var opts config.Options
	if *cfgPath != "" {
		var err error
		if opts, err = config.LoadFile(*cfgPath, extra...); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	} else {
		opts = config.New(extra...)
	}
	defer opts.Log().Sync()

	var err error
	switch cmd, rest := fs.Arg(0), fs.Args()[1:]; cmd {
	case "inspect":
		err = inspect(rest, opts, stdout, stderr)
	case "roots":
		err = listRoots(rest, opts, stdout)
	case "verify":
		err = verify(rest, opts, stdout)
	default:
		err = fmt.Errorf("%w (unknown command %q)", errUsage, cmd)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func oneFile(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	return args[0], nil
}

func inspect(args []string, opts config.Options, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "text, json or msgpack")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	path, err := oneFile(fs.Args())
	if err != nil {
		return err
	}
	rep, err := introspect.FromFile(path, opts)
	if err != nil {
		return err
	}
	return introspect.Encode(stdout, rep, *format)
}

func listRoots(args []string, opts config.Options, stdout io.Writer) error {
	path, err := oneFile(args)
	if err != nil {
		return err
	}
	stack := session.NewStack()
	defer stack.Fini()
	img, err := image.ReadFile(stack.Init(session.Restore, nil, opts), path)
	if err != nil {
		return err
	}
	for i, off := range img.Roots.Offsets() {
		if off == types.NullOffset {
			fmt.Fprintf(stdout, "%d\tnull\n", i)
			continue
		}
		fmt.Fprintf(stdout, "%d\t%#x\n", i, off)
	}
	return nil
}

// verify loads the file through both paths and compares every root, every
// bound slot and every other payload byte.
func verify(args []string, opts config.Options, stdout io.Writer) error {
	path, err := oneFile(args)
	if err != nil {
		return err
	}
	stack := session.NewStack()
	copied, err := image.ReadFile(stack.Init(session.Restore, nil, opts), path)
	if err != nil {
		_ = stack.Fini()
		return fmt.Errorf("copy path: %w", err)
	}
	defer stack.Fini()

	mapped, err := image.Map(stack.Init(session.Restore, nil, opts), path, config.MapPrivate)
	if errors.Is(err, image.ErrMapUnsupported) {
		_ = stack.Fini()
		fmt.Fprintf(stdout, "ok (copy path only): %d roots, %d bound slots\n",
			copied.Roots.Count(), len(copied.BoundSlots()))
		return nil
	}
	if err != nil {
		_ = stack.Fini()
		return fmt.Errorf("map path: %w", err)
	}
	defer stack.Fini()

	if err = compare(copied, mapped); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "ok: %d roots, %d bound slots, %d const slots, fast path %v\n",
		copied.Roots.Count(), len(copied.BoundSlots()), len(copied.ConstSlots()), mapped.FastPath())
	return nil
}

func compare(a, b *image.Image) error {
	if a.Roots.Count() != b.Roots.Count() {
		return fmt.Errorf("root count %d != %d", a.Roots.Count(), b.Roots.Count())
	}
	for i := 0; i < a.Roots.Count(); i++ {
		ra, oka, _ := a.Roots.Seq(i)
		rb, okb, _ := b.Roots.Seq(i)
		if oka != okb || (oka && ra-a.Base() != rb-b.Base()) {
			return fmt.Errorf("root %d differs", i)
		}
	}
	if len(a.BoundSlots()) != len(b.BoundSlots()) {
		return fmt.Errorf("bound slot count %d != %d", len(a.BoundSlots()), len(b.BoundSlots()))
	}
	pa := bytes.Clone(a.Payload())
	pb := bytes.Clone(b.Payload())
	for i, off := range a.BoundSlots() {
		if off != b.BoundSlots()[i] {
			return fmt.Errorf("bound slot %d at %#x != %#x", i, off, b.BoundSlots()[i])
		}
		va := a.SlotValue(off) - uint64(a.Base())
		vb := b.SlotValue(off) - uint64(b.Base())
		if va != vb {
			return fmt.Errorf("slot %#x resolves to %#x and %#x", off, va, vb)
		}
		binary.NativeEndian.PutUint64(pa[off:], 0)
		binary.NativeEndian.PutUint64(pb[off:], 0)
	}
	if !bytes.Equal(pa, pb) {
		return errors.New("payload bytes differ outside pointer slots")
	}
	return nil
}
