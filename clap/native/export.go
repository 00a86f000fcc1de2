//go:build cgo && (linux || darwin)

package native

/*
#include "abi.h"
*/
import "C"

import (
	"io"
	"runtime/cgo"
	"unsafe"

	"github.com/shaban/claphost/clap"
)

const (
	extNone C.int = iota
	extThreadCheck
	extParams
	extState
	extAudioPorts
	extGUI
)

func hostOf(h C.uintptr_t) clap.Host {
	defer func() { _ = recover() }()
	host, _ := cgo.Handle(h).Value().(clap.Host)
	return host
}

//export claphostExtensionKind
func claphostExtensionKind(h C.uintptr_t, id *C.char) (kind C.int) {
	defer func() {
		if recover() != nil {
			kind = extNone
		}
	}()
	host := hostOf(h)
	if host == nil || id == nil {
		return extNone
	}
	name := C.GoString(id)
	ext := host.Extension(name)
	if ext == nil {
		return extNone
	}
	switch name {
	case clap.ExtThreadCheck:
		if _, ok := ext.(clap.HostThreadCheck); ok {
			return extThreadCheck
		}
	case clap.ExtParams:
		if _, ok := ext.(clap.HostParams); ok {
			return extParams
		}
	case clap.ExtState:
		if _, ok := ext.(clap.HostState); ok {
			return extState
		}
	case clap.ExtAudioPorts:
		if _, ok := ext.(clap.HostAudioPorts); ok {
			return extAudioPorts
		}
	case clap.ExtGUI:
		if _, ok := ext.(clap.HostGUI); ok {
			return extGUI
		}
	}
	return extNone
}

//export claphostRequestRestart
func claphostRequestRestart(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if host := hostOf(h); host != nil {
		host.RequestRestart()
	}
}

//export claphostRequestProcess
func claphostRequestProcess(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if host := hostOf(h); host != nil {
		host.RequestProcess()
	}
}

//export claphostRequestCallback
func claphostRequestCallback(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if host := hostOf(h); host != nil {
		host.RequestCallback()
	}
}

func extOf[T any](h C.uintptr_t, id string) (T, bool) {
	var zero T
	host := hostOf(h)
	if host == nil {
		return zero, false
	}
	ext, ok := host.Extension(id).(T)
	return ext, ok
}

//export claphostIsMainThread
func claphostIsMainThread(h C.uintptr_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if tc, found := extOf[clap.HostThreadCheck](h, clap.ExtThreadCheck); found {
		return C.bool(tc.IsMainThread())
	}
	return false
}

//export claphostIsAudioThread
func claphostIsAudioThread(h C.uintptr_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if tc, found := extOf[clap.HostThreadCheck](h, clap.ExtThreadCheck); found {
		return C.bool(tc.IsAudioThread())
	}
	return false
}

//export claphostParamsRescan
func claphostParamsRescan(h C.uintptr_t, flags C.uint32_t) {
	defer func() { _ = recover() }()
	if p, ok := extOf[clap.HostParams](h, clap.ExtParams); ok {
		p.Rescan(uint32(flags))
	}
}

//export claphostParamsClear
func claphostParamsClear(h C.uintptr_t, id C.uint32_t, flags C.uint32_t) {
	defer func() { _ = recover() }()
	if p, ok := extOf[clap.HostParams](h, clap.ExtParams); ok {
		p.Clear(uint32(id), uint32(flags))
	}
}

//export claphostParamsRequestFlush
func claphostParamsRequestFlush(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if p, ok := extOf[clap.HostParams](h, clap.ExtParams); ok {
		p.RequestFlush()
	}
}

//export claphostStateMarkDirty
func claphostStateMarkDirty(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if s, ok := extOf[clap.HostState](h, clap.ExtState); ok {
		s.MarkDirty()
	}
}

//export claphostPortsIsRescanFlagSupported
func claphostPortsIsRescanFlagSupported(h C.uintptr_t, flag C.uint32_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if p, found := extOf[clap.HostAudioPorts](h, clap.ExtAudioPorts); found {
		return C.bool(p.IsRescanFlagSupported(uint32(flag)))
	}
	return false
}

//export claphostPortsRescan
func claphostPortsRescan(h C.uintptr_t, flags C.uint32_t) {
	defer func() { _ = recover() }()
	if p, ok := extOf[clap.HostAudioPorts](h, clap.ExtAudioPorts); ok {
		p.Rescan(uint32(flags))
	}
}

//export claphostGUIResizeHintsChanged
func claphostGUIResizeHintsChanged(h C.uintptr_t) {
	defer func() { _ = recover() }()
	if g, ok := extOf[clap.HostGUI](h, clap.ExtGUI); ok {
		g.ResizeHintsChanged()
	}
}

//export claphostGUIRequestResize
func claphostGUIRequestResize(h C.uintptr_t, w, hh C.uint32_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if g, found := extOf[clap.HostGUI](h, clap.ExtGUI); found {
		return C.bool(g.RequestResize(uint32(w), uint32(hh)))
	}
	return false
}

//export claphostGUIRequestShow
func claphostGUIRequestShow(h C.uintptr_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if g, found := extOf[clap.HostGUI](h, clap.ExtGUI); found {
		return C.bool(g.RequestShow())
	}
	return false
}

//export claphostGUIRequestHide
func claphostGUIRequestHide(h C.uintptr_t) (ok C.bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if g, found := extOf[clap.HostGUI](h, clap.ExtGUI); found {
		return C.bool(g.RequestHide())
	}
	return false
}

//export claphostGUIClosed
func claphostGUIClosed(h C.uintptr_t, destroyed C.bool) {
	defer func() { _ = recover() }()
	if g, ok := extOf[clap.HostGUI](h, clap.ExtGUI); ok {
		g.Closed(bool(destroyed))
	}
}

//export claphostStreamWrite
func claphostStreamWrite(h C.uintptr_t, buf unsafe.Pointer, size C.uint64_t) (n C.int64_t) {
	defer func() {
		if recover() != nil {
			n = -1
		}
	}()
	w, ok := cgo.Handle(h).Value().(io.Writer)
	if !ok {
		return -1
	}
	written, err := w.Write(C.GoBytes(buf, C.int(size)))
	if err != nil {
		return -1
	}
	return C.int64_t(written)
}

//export claphostStreamRead
func claphostStreamRead(h C.uintptr_t, buf unsafe.Pointer, size C.uint64_t) (n C.int64_t) {
	defer func() {
		if recover() != nil {
			n = -1
		}
	}()
	r, ok := cgo.Handle(h).Value().(io.Reader)
	if !ok {
		return -1
	}
	dst := unsafe.Slice((*byte)(buf), int(size))
	read, err := r.Read(dst)
	if read == 0 && err == io.EOF {
		return 0
	}
	if err != nil && err != io.EOF {
		return -1
	}
	return C.int64_t(read)
}
