package catalog

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PathEnv lists extra search roots, separated by the OS list separator.
const PathEnv = "CLAP_PATH"

// Ext is the file or bundle extension of plugin binaries.
const Ext = ".clap"

// DefaultRoots returns the standard per-user and system roots of the
// current OS followed by the entries of CLAP_PATH.
func DefaultRoots() []string {
	home, _ := os.UserHomeDir()
	var roots []string
	switch runtime.GOOS {
	case "darwin":
		if home != "" {
			roots = append(roots, filepath.Join(home, "Library", "Audio", "Plug-Ins", "CLAP"))
		}
		roots = append(roots, "/Library/Audio/Plug-Ins/CLAP")
	case "windows":
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			roots = append(roots, filepath.Join(dir, "Programs", "Common", "CLAP"))
		}
		if dir := os.Getenv("COMMONPROGRAMFILES"); dir != "" {
			roots = append(roots, filepath.Join(dir, "CLAP"))
		}
	default:
		if home != "" {
			roots = append(roots, filepath.Join(home, ".clap"))
		}
		roots = append(roots, "/usr/lib/clap")
	}
	return append(roots, filepath.SplitList(os.Getenv(PathEnv))...)
}

// SplitPaths splits every argument on ';' and drops empty elements.
func SplitPaths(lists ...string) []string {
	var out []string
	for _, l := range lists {
		for _, p := range strings.Split(l, ";") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// IsBinary reports whether name carries the plugin extension.
func IsBinary(name string) bool {
	return strings.EqualFold(filepath.Ext(name), Ext)
}
