package host

import (
	"runtime"
	"sync/atomic"

	"github.com/shaban/claphost/internal/threadid"
)

// Role tags are process wide, like the thread-local tags plugins expect.
// One main thread and a small set of audio threads may be bound.
var (
	mainThread   atomic.Int64
	audioThreads [16]atomic.Int64
)

// BindMainThread pins the calling goroutine to its OS thread and tags that
// thread as the main role. The returned func undoes both.
func BindMainThread() (unbind func()) {
	runtime.LockOSThread()
	id := threadid.Current()
	mainThread.Store(id)
	return func() {
		mainThread.CompareAndSwap(id, 0)
		runtime.UnlockOSThread()
	}
}

// BindAudioThread pins the calling goroutine to its OS thread and tags that
// thread as an audio role. When every slot is taken the thread stays
// untagged.
func BindAudioThread() (unbind func()) {
	runtime.LockOSThread()
	id := threadid.Current()
	slot := -1
	if id != 0 {
		for i := range audioThreads {
			if audioThreads[i].CompareAndSwap(0, id) {
				slot = i
				break
			}
		}
	}
	return func() {
		if slot >= 0 {
			audioThreads[slot].CompareAndSwap(id, 0)
		}
		runtime.UnlockOSThread()
	}
}

// OnAudioThread runs fn on a goroutine bound as an audio thread and waits
// for it to return.
func OnAudioThread(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		unbind := BindAudioThread()
		defer unbind()
		fn()
	}()
	<-done
}

// IsAudioThread reports whether the caller runs on a bound audio thread.
func IsAudioThread() bool {
	id := threadid.Current()
	if id == 0 {
		return false
	}
	for i := range audioThreads {
		if audioThreads[i].Load() == id {
			return true
		}
	}
	return false
}

// IsMainThread reports whether the caller runs on the bound main thread.
// Without a bound main thread every non-audio thread counts as main.
func IsMainThread() bool {
	m := mainThread.Load()
	if m == 0 {
		return !IsAudioThread()
	}
	return threadid.Current() == m
}

type role uint8

const (
	anyThread role = iota
	mainOnly
	notAudio
)

func (r role) String() string {
	switch r {
	case mainOnly:
		return "main"
	case notAudio:
		return "non-audio"
	}
	return "any"
}

func (r role) allowed() bool {
	switch r {
	case mainOnly:
		return IsMainThread()
	case notAudio:
		return !IsAudioThread()
	}
	return true
}
