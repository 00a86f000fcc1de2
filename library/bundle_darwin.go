//go:build darwin

package library

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveBundle returns the machine-code file inside a .clap bundle
// directory. Flat files are returned unchanged.
func ResolveBundle(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if !info.IsDir() {
		return path, nil
	}
	macos := filepath.Join(path, "Contents", "MacOS")
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	candidate := filepath.Join(macos, name)
	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
		return candidate, nil
	}
	entries, err := os.ReadDir(macos)
	if err != nil {
		return "", fmt.Errorf("%w: bundle %s has no Contents/MacOS", ErrNotFound, path)
	}
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			return filepath.Join(macos, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: bundle %s has no executable", ErrNotFound, path)
}
