//go:build !unix

package platform

import "os"

// Mapping is never produced on this platform.
type Mapping struct{}

func FixedAddressSupported() bool { return false }

// Map always fails; callers fall back to the copy path.
func Map(f *os.File, req Request) (*Mapping, error) { return nil, ErrUnsupported }

func (m *Mapping) Bytes() []byte               { return nil }
func (m *Mapping) Addr() uintptr               { return 0 }
func (m *Mapping) Protect(readOnly bool) error { return ErrUnsupported }
func (m *Mapping) Sync() error                 { return ErrUnsupported }
func (m *Mapping) Unmap() error                { return nil }
