package clap

// HostInfo is advertised to every plugin.
type HostInfo struct {
	Name    string
	Vendor  string
	URL     string
	Version string
}

// Host is the callback table a plugin calls into.
type Host interface {
	Info() HostInfo
	// Extension returns the host implementation of a capability, or nil.
	Extension(id string) any
	RequestRestart()
	RequestProcess()
	RequestCallback()
}

// HostThreadCheck is the host side of ExtThreadCheck.
type HostThreadCheck interface {
	IsMainThread() bool
	IsAudioThread() bool
}

// Param rescan flags.
const (
	ParamRescanValues uint32 = 1 << 0
	ParamRescanText   uint32 = 1 << 1
	ParamRescanInfo   uint32 = 1 << 2
	ParamRescanAll    uint32 = 1 << 3
)

// HostParams is the host side of ExtParams.
type HostParams interface {
	Rescan(flags uint32)
	Clear(id uint32, flags uint32)
	RequestFlush()
}

// HostState is the host side of ExtState.
type HostState interface {
	MarkDirty()
}

// HostAudioPorts is the host side of ExtAudioPorts.
type HostAudioPorts interface {
	IsRescanFlagSupported(flag uint32) bool
	Rescan(flags uint32)
}

// HostGUI is the host side of ExtGUI.
type HostGUI interface {
	ResizeHintsChanged()
	RequestResize(width, height uint32) bool
	RequestShow() bool
	RequestHide() bool
	Closed(wasDestroyed bool)
}
