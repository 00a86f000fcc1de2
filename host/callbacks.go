package host

import (
	"github.com/shaban/claphost/clap"
)

// Every advertised capability has a complete implementation.
var (
	_ clap.Host            = (*Host)(nil)
	_ clap.HostThreadCheck = threadCheck{}
	_ clap.HostParams      = hostParams{}
	_ clap.HostState       = hostState{}
	_ clap.HostAudioPorts  = hostPorts{}
	_ clap.HostGUI         = hostGUI{}
)

// Info implements clap.Host.
func (h *Host) Info() clap.HostInfo { return HostInfo }

// Extension implements clap.Host. The adapters are single-pointer values,
// so the lookup does not allocate on the audio thread.
func (h *Host) Extension(id string) any {
	switch id {
	case clap.ExtThreadCheck:
		return threadCheck{h}
	case clap.ExtParams:
		return hostParams{h}
	case clap.ExtState:
		return hostState{h}
	case clap.ExtAudioPorts:
		return hostPorts{h}
	case clap.ExtGUI:
		return hostGUI{h}
	}
	return nil
}

// RequestRestart asks for a deactivate and reactivate from Idle.
func (h *Host) RequestRestart() { h.restartRequested.Store(true) }

// RequestProcess is a no-op: the driver processes every block.
func (h *Host) RequestProcess() {}

// RequestCallback schedules OnMainThread from the next Idle.
func (h *Host) RequestCallback() { h.callbackRequested.Store(true) }

// check verifies the caller's role and terminates the plugin on mismatch.
func (h *Host) check(op string, r role) bool {
	if r.allowed() {
		return true
	}
	h.violate(op, r, "")
	return false
}

// violate records the first violation and sinks the host to OnError. The
// plugin is destroyed later from Idle, once the audio side is out of it.
func (h *Host) violate(op string, r role, detail string) {
	if !h.terminated.CompareAndSwap(false, true) {
		return
	}
	want := ""
	if r != anyThread {
		want = r.String()
	}
	h.violation.Store(&ViolationError{Plugin: h.desc.ID, Op: op, Want: want, Detail: detail})
	h.setStatus(OnError)
}

type threadCheck struct{ h *Host }

func (threadCheck) IsMainThread() bool  { return IsMainThread() }
func (threadCheck) IsAudioThread() bool { return IsAudioThread() }

type hostParams struct{ h *Host }

func (p hostParams) Rescan(flags uint32) {
	if p.h.check("params.rescan", mainOnly) {
		p.h.rescanFlags.Or(flags | clap.ParamRescanValues)
	}
}

func (p hostParams) Clear(id uint32, flags uint32) {
	p.h.check("params.clear", mainOnly)
}

func (p hostParams) RequestFlush() {
	if p.h.check("params.request_flush", notAudio) {
		p.h.flushRequested.Store(true)
	}
}

type hostState struct{ h *Host }

func (s hostState) MarkDirty() {
	if s.h.check("state.mark_dirty", mainOnly) {
		s.h.dirty.Store(true)
	}
}

type hostPorts struct{ h *Host }

func (p hostPorts) IsRescanFlagSupported(flag uint32) bool {
	p.h.check("audio_ports.is_rescan_flag_supported", mainOnly)
	return false
}

func (p hostPorts) Rescan(flags uint32) {
	if p.h.check("audio_ports.rescan", mainOnly) && !p.h.Status().Processing() {
		p.h.refreshPorts()
	}
}

type hostGUI struct{ h *Host }

func (g hostGUI) ResizeHintsChanged() { g.h.check("gui.resize_hints_changed", mainOnly) }

func (g hostGUI) RequestResize(width, height uint32) bool {
	g.h.check("gui.request_resize", mainOnly)
	return false
}

func (g hostGUI) RequestShow() bool {
	g.h.check("gui.request_show", mainOnly)
	return false
}

func (g hostGUI) RequestHide() bool {
	g.h.check("gui.request_hide", mainOnly)
	return false
}

func (g hostGUI) Closed(wasDestroyed bool) {
	if g.h.check("gui.closed", mainOnly) {
		g.h.log.V(1).Info("plugin closed its window", "id", g.h.desc.ID, "destroyed", wasDestroyed)
	}
}
