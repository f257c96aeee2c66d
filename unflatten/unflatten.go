// Package unflatten is the restore-side API: open a session, load an image by
// copy or by mapping, walk its roots.
package unflatten

import (
	"errors"
	"io"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/image"
	"github.com/quickwritereader/flatimage/session"
	"github.com/quickwritereader/flatimage/types"
)

var (
	ErrNotLoaded     = errors.New("unflatten: no image loaded")
	ErrAlreadyLoaded = errors.New("unflatten: session already holds an image")
)

// Restorer owns one restore session and at most one image.
type Restorer struct {
	stack *session.Stack
	ctx   *session.Context
	img   *image.Image
	ended bool
}

// Begin opens a restore session on stack.
func Begin(stack *session.Stack, opts config.Options) *Restorer {
	return &Restorer{stack: stack, ctx: stack.Init(session.Restore, nil, opts)}
}

// Context returns the session the restorer drives.
func (r *Restorer) Context() *session.Context { return r.ctx }

func (r *Restorer) load(fn func() (*image.Image, error)) error {
	if r.img != nil {
		return ErrAlreadyLoaded
	}
	img, err := fn()
	if err != nil {
		return err
	}
	r.img = img
	return nil
}

// Read copies an image from rd into the heap; size is the stream length or -1.
func (r *Restorer) Read(rd io.Reader, size int64) error {
	return r.load(func() (*image.Image, error) { return image.Read(r.ctx, rd, size) })
}

// ReadFile copies the image at path into the heap.
func (r *Restorer) ReadFile(path string) error {
	return r.load(func() (*image.Image, error) { return image.ReadFile(r.ctx, path) })
}

// MapFile maps the image at path in the session's configured map mode.
func (r *Restorer) MapFile(path string) error {
	return r.MapFileMode(path, r.ctx.Options.MapMode)
}

// MapFileMode maps the image at path in mode.
func (r *Restorer) MapFileMode(path string, mode config.MapMode) error {
	return r.load(func() (*image.Image, error) { return image.Map(r.ctx, path, mode) })
}

// Image returns the loaded image, nil before a load.
func (r *Restorer) Image() *image.Image { return r.img }

// Header returns the header of the loaded image.
func (r *Restorer) Header() types.Header { return r.ctx.Header }

// RootCount returns the number of roots, null entries included.
func (r *Restorer) RootCount() int {
	if r.ctx.RootTable == nil {
		return 0
	}
	return r.ctx.RootTable.Count()
}

// RootNext returns the next root's live address. ok is false for a null root.
func (r *Restorer) RootNext() (addr uintptr, ok bool, err error) {
	if r.ctx.RootTable == nil {
		return 0, false, ErrNotLoaded
	}
	return r.ctx.RootTable.Next()
}

// Root returns root i without moving the cursor.
func (r *Restorer) Root(i int) (addr uintptr, ok bool, err error) {
	if r.ctx.RootTable == nil {
		return 0, false, ErrNotLoaded
	}
	return r.ctx.RootTable.Seq(i)
}

// Base returns the live address of the first payload byte.
func (r *Restorer) Base() uintptr { return r.ctx.Base }

// Payload returns the live payload.
func (r *Restorer) Payload() []byte { return r.ctx.Payload }

// End releases the image and pops the session.
func (r *Restorer) End() error {
	if r.ended {
		return nil
	}
	if r.stack.Current() != r.ctx {
		types.Violation("unflatten.End", "session %d is not the innermost one", r.ctx.Depth)
	}
	r.ended = true
	r.img = nil
	return r.stack.Fini()
}
