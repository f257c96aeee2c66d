// Package session keeps the stack of capture and restore contexts. A capture
// or restore may start a nested one; each level owns all of its structures and
// the depth is bounded.
package session

import (
	"errors"
	"fmt"

	"github.com/quickwritereader/flatimage/config"
	"github.com/quickwritereader/flatimage/fixups"
	"github.com/quickwritereader/flatimage/memory"
	"github.com/quickwritereader/flatimage/ranges"
	"github.com/quickwritereader/flatimage/roots"
	"github.com/quickwritereader/flatimage/stream"
	"github.com/quickwritereader/flatimage/types"
)

// MaxDepth bounds session nesting.
const MaxDepth = 16

var ErrBadTransition = errors.New("session: illegal state transition")

type Kind uint8

const (
	Capture Kind = iota
	Restore
)

func (k Kind) String() string {
	if k == Capture {
		return "capture"
	}
	return "restore"
}

type State uint8

const (
	Uninitialized State = iota
	Capturing
	Written
	Loaded
	Mapped
	FixedUp
	SkipConfirmed
	Ended
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Capturing:
		return "capturing"
	case Written:
		return "written"
	case Loaded:
		return "loaded"
	case Mapped:
		return "mapped"
	case FixedUp:
		return "fixed-up"
	case SkipConfirmed:
		return "skip-confirmed"
	case Ended:
		return "ended"
	default:
		return "invalid"
	}
}

// single-pass sessions: no edge leads back to a writable state
var transitions = map[Kind]map[State][]State{
	Capture: {
		Uninitialized: {Capturing},
		Capturing:     {Written},
	},
	Restore: {
		Uninitialized: {Loaded, Mapped},
		Loaded:        {FixedUp},
		Mapped:        {FixedUp, SkipConfirmed},
	},
}

// Context is everything one capture or restore invocation owns.
type Context struct {
	Kind    Kind
	Depth   int
	Options config.Options
	Header  types.Header

	// capture side
	Chunks *stream.Builder
	Ranges *ranges.Index
	Fixups *fixups.Index
	Roots  *roots.List

	// restore side
	Base      uintptr
	Payload   []byte
	RootTable *roots.Table

	state   State
	closers []func() error
}

// State returns the current state.
func (c *Context) State() State { return c.state }

// Transition moves the context to next if the state machine allows it.
func (c *Context) Transition(next State) error {
	for _, allowed := range transitions[c.Kind][c.state] {
		if allowed == next {
			c.Options.Tracef(1, "session %d (%s): %s -> %s", c.Depth, c.Kind, c.state, next)
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s session %s -> %s", ErrBadTransition, c.Kind, c.state, next)
}

// OnFini registers fn to run when the context is torn down, last in first out.
func (c *Context) OnFini(fn func() error) {
	c.closers = append(c.closers, fn)
}

func (c *Context) teardown() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if c.Fixups != nil {
		c.Fixups.Destroy()
	}
	if c.Ranges != nil {
		c.Ranges.Destroy()
	}
	if c.Chunks != nil {
		c.Chunks.Destroy()
	}
	if c.Roots != nil {
		c.Roots.Reset()
	}
	c.Payload = nil
	c.RootTable = nil
	c.Base = 0
	c.state = Ended
	return errors.Join(errs...)
}

// Stack holds nested contexts; the top one is current.
type Stack struct {
	frames []*Context
}

func NewStack() *Stack {
	return &Stack{frames: make([]*Context, 0, MaxDepth)}
}

// Init pushes a fresh context. Capture contexts read original memory through
// mem and start in Capturing; restore contexts start Uninitialized and ignore
// mem. Nesting deeper than MaxDepth is a contract violation.
func (s *Stack) Init(kind Kind, mem memory.Reader, opts config.Options) *Context {
	if len(s.frames) >= MaxDepth {
		types.Violation("session.Init", "nesting depth %d exceeded", MaxDepth)
	}
	c := &Context{
		Kind:    kind,
		Depth:   len(s.frames),
		Options: opts,
		Header:  types.NewHeader(),
	}
	if kind == Capture {
		c.Chunks = stream.New()
		c.Ranges = ranges.New(c.Chunks, mem)
		c.Fixups = fixups.New()
		c.Roots = roots.NewList()
		c.state = Capturing
	}
	s.frames = append(s.frames, c)
	opts.Tracef(1, "session %d (%s): init", c.Depth, kind)
	return c
}

// Fini tears down the current context and pops it.
func (s *Stack) Fini() error {
	c := s.Current()
	if c == nil {
		types.Violation("session.Fini", "no active session")
	}
	err := c.teardown()
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	c.Options.Tracef(1, "session %d (%s): fini", c.Depth, c.Kind)
	return err
}

// Current returns the innermost context, nil when the stack is empty.
func (s *Stack) Current() *Context {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Depth returns the number of live contexts.
func (s *Stack) Depth() int { return len(s.frames) }
