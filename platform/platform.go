// Package platform isolates memory mapping of image files. Mapping at a
// requested address is only attempted where the kernel can refuse to clobber
// an existing mapping; everywhere else the caller gets a clear "hint
// unsupported" error and maps anywhere.
package platform

import "errors"

var (
	ErrMapFailed       = errors.New("platform: mmap failed")
	ErrAddressInUse    = errors.New("platform: requested address is already mapped")
	ErrRemapMoved      = errors.New("platform: mapping landed away from the requested address")
	ErrHintUnsupported = errors.New("platform: fixed-address mapping not supported")
	ErrUnsupported     = errors.New("platform: memory mapping not supported")
	ErrEmpty           = errors.New("platform: zero-length mapping")
)

// Request describes one file mapping.
type Request struct {
	Size     int
	Shared   bool    // MAP_SHARED: writes reach the file
	Writable bool    // PROT_WRITE
	Hint     uintptr // required address, 0 for anywhere
}

// HintMissed reports whether err means only that the requested address could
// not be honoured, so mapping anywhere is still worth a try.
func HintMissed(err error) bool {
	return errors.Is(err, ErrAddressInUse) || errors.Is(err, ErrRemapMoved) || errors.Is(err, ErrHintUnsupported)
}
