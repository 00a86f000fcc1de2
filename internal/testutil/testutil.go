// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"os"
	"testing"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t testing.TB, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// Stereo returns a two channel buffer of frames samples set to v.
func Stereo(frames int, v float32) [][]float32 {
	out := make([][]float32, 2)
	for c := range out {
		out[c] = make([]float32, frames)
		for i := range out[c] {
			out[c][i] = v
		}
	}
	return out
}

// AllZero reports whether every sample in buf is zero.
func AllZero(buf [][]float32) bool {
	for _, ch := range buf {
		for _, v := range ch {
			if v != 0 {
				return false
			}
		}
	}
	return true
}
