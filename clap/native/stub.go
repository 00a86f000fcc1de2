//go:build !cgo || !(linux || darwin)

// Package native binds clap interfaces to shared libraries exporting clap_entry.
package native

import (
	"errors"

	"github.com/shaban/claphost/clap"
)

// Available reports whether native loading is compiled in.
const Available = false

// ErrUnavailable is returned when the binary was built without cgo.
var ErrUnavailable = errors.New("native plugin loading requires cgo on linux or darwin")

// Opener always fails in this build.
type Opener struct{}

// Open implements clap.Opener.
func (Opener) Open(path string) (clap.Module, error) {
	return nil, ErrUnavailable
}
