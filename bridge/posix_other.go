//go:build !((linux || darwin) && cgo)

package bridge

import "fmt"

// POSIX is unavailable on this platform; every call fails.
type POSIX struct{}

func (POSIX) Create(n Names) (*Transport, error) {
	return nil, fmt.Errorf("%w: posix ipc unsupported on this platform", ErrIPC)
}

func (POSIX) Open(n Names) (*Transport, error) {
	return nil, fmt.Errorf("%w: posix ipc unsupported on this platform", ErrIPC)
}
