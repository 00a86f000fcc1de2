//go:build !darwin

package library

import (
	"fmt"
	"os"
)

// ResolveBundle returns path when it is a flat file. Bundle directories
// are a darwin convention and are rejected elsewhere.
func ResolveBundle(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return path, nil
}
