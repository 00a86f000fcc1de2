package clap

import (
	"errors"
	"io"
)

// EntrySymbol is the single exported symbol every plugin binary provides.
const EntrySymbol = "clap_entry"

// PluginFactoryID identifies the plugin factory returned by an Entry.
const PluginFactoryID = "clap.plugin-factory"

// ErrEntryNotFound is returned by an Opener when the binary lacks EntrySymbol.
var ErrEntryNotFound = errors.New("clap: entry symbol not found")

// Module is an opened plugin binary.
type Module interface {
	Entry() Entry
	// Close releases the native handle. It does not call Entry.Deinit.
	Close() error
}

// Opener opens a plugin binary at a resolved path.
type Opener interface {
	Open(path string) (Module, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Module, error)

func (f OpenerFunc) Open(path string) (Module, error) { return f(path) }

// Entry is the binary-wide entry point.
type Entry interface {
	Version() Version
	Init(path string) bool
	Deinit()
	// PluginFactory returns nil when the binary has no plugin factory.
	PluginFactory() PluginFactory
}

// PluginFactory enumerates and creates plugins.
type PluginFactory interface {
	Count() int
	// Descriptor returns nil for an out-of-range index.
	Descriptor(index int) *Descriptor
	// Create returns nil when id is unknown or creation fails.
	Create(host Host, id string) Plugin
}

// Plugin is one plugin instance. Calls must follow the ABI order:
// Init, Activate, StartProcessing, Process..., StopProcessing, Deactivate, Destroy.
type Plugin interface {
	Descriptor() *Descriptor
	Init() bool
	Destroy()
	Activate(sampleRate float64, minFrames, maxFrames uint32) bool
	Deactivate()
	StartProcessing() bool
	StopProcessing()
	Reset()
	Process(p *Process) ProcessStatus
	// Extension returns nil when the capability is not implemented.
	Extension(id string) any
	OnMainThread()
}

// Capability ids shared by plugin and host extensions.
const (
	ExtAudioPorts  = "clap.audio-ports"
	ExtParams      = "clap.params"
	ExtGUI         = "clap.gui"
	ExtState       = "clap.state"
	ExtThreadCheck = "clap.thread-check"
	ExtNotePorts   = "clap.note-ports"
	ExtLatency     = "clap.latency"
)

// AudioPortInfo describes one audio port.
type AudioPortInfo struct {
	ID           uint32
	Name         string
	Flags        uint32
	ChannelCount uint32
	PortType     string
}

// Audio port flags.
const (
	AudioPortIsMain uint32 = 1 << 0
)

// PluginAudioPorts is the plugin side of ExtAudioPorts.
type PluginAudioPorts interface {
	Count(isInput bool) int
	Get(index int, isInput bool) (AudioPortInfo, bool)
}

// ParamInfo describes one parameter.
type ParamInfo struct {
	ID      uint32  `json:"id"`
	Flags   uint32  `json:"flags"`
	Name    string  `json:"name"`
	Module  string  `json:"module,omitempty"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// Param flags.
const (
	ParamIsStepped     uint32 = 1 << 0
	ParamIsReadonly    uint32 = 1 << 2
	ParamIsAutomatable uint32 = 1 << 5
)

// PluginParams is the plugin side of ExtParams.
type PluginParams interface {
	Count() int
	Info(index int) (ParamInfo, bool)
	Value(id uint32) (float64, bool)
	// Flush applies in and reports resulting changes into out. It is called
	// on the main thread while inactive and on the audio thread otherwise.
	Flush(in InputEvents, out OutputEvents)
}

// PluginState is the plugin side of ExtState.
type PluginState interface {
	Save(w io.Writer) bool
	Load(r io.Reader) bool
}

// PluginGUI is the plugin side of ExtGUI.
type PluginGUI interface {
	IsAPISupported(api string, floating bool) bool
	Create(api string, floating bool) bool
	Destroy()
	SetScale(scale float64) bool
	Size() (width, height uint32, ok bool)
	Show() bool
	Hide() bool
}
