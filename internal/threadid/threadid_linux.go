//go:build linux

package threadid

import "golang.org/x/sys/unix"

func current() int64 { return int64(unix.Gettid()) }
