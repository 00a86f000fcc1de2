// Package host owns one plugin instance and drives it through its lifecycle.
//
// A Host is used from two roles. The main role loads, activates and
// deactivates the plugin and drains its output in Idle. The audio role calls
// Process once per block. The two sides meet only through atomics and the
// SPSC rings; Process never locks, allocates or logs.
package host

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/library"
)

// Queue and buffer capacities.
const (
	NoteQueueSize     = 256
	MIDIQueueSize     = 256
	ParamQueueSize    = 1024
	OutboundQueueSize = 1024
	EventListSize     = 2048
	DefaultTempo      = 120.0
	// DefaultStopTimeout bounds how long Deactivate waits for the audio
	// side to stop processing before it stops the plugin itself.
	DefaultStopTimeout = 200 * time.Millisecond
)

// HostInfo is what every plugin sees as its host.
var HostInfo = clap.HostInfo{
	Name:    "claphost",
	Vendor:  "claphost",
	URL:     "https://github.com/shaban/claphost",
	Version: "0.1.0",
}

// Options configure a Host.
type Options struct {
	Log         logr.Logger
	Listener    Listener
	StopTimeout time.Duration
}

// Host is one plugin instance plus the host side of the plugin ABI.
type Host struct {
	log         logr.Logger
	listener    Listener
	stopTimeout time.Duration

	// Main-owned. The audio side reads plugin and buffers only after
	// observing a processing status, which main publishes last.
	binary    *library.Binary
	plugin    clap.Plugin
	desc      clap.Descriptor
	path      string
	index     int
	params    clap.PluginParams
	state     clap.PluginState
	ports     clap.PluginAudioPorts
	gui       clap.PluginGUI
	paramInfo []clap.ParamInfo
	portsIn   []clap.AudioPortInfo
	portsOut  []clap.AudioPortInfo
	activated bool
	reported  bool

	sampleRate float64
	blockSize  int
	silence    [][]float32
	inEvents   *clap.EventList
	outEvents  *clap.EventList
	mainIn     *clap.EventList
	mainOut    *clap.EventList
	transport  clap.Transport
	audioIn    [1]clap.AudioBuffer
	audioOut   [1]clap.AudioBuffer
	proc       clap.Process
	samplePos  int64

	status     atomic.Int32
	inCall     atomic.Bool
	started    atomic.Bool
	bypassed   atomic.Bool
	terminated atomic.Bool
	violation  atomic.Pointer[ViolationError]
	tempo      atomic.Uint64

	sendMu   sync.Mutex
	notes    *Ring[clap.Event]
	midi     *Ring[clap.Event]
	paramsQ  *Ring[clap.Event]
	outbound *Ring[clap.Event]

	restartRequested  atomic.Bool
	callbackRequested atomic.Bool
	flushRequested    atomic.Bool
	rescanFlags       atomic.Uint32
	dirty             atomic.Bool

	processed atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// New returns an empty host. Load a plugin before activating it.
func New(opts Options) *Host {
	h := &Host{
		log:         opts.Log,
		listener:    opts.Listener,
		stopTimeout: opts.StopTimeout,
		notes:       NewRing[clap.Event](NoteQueueSize),
		midi:        NewRing[clap.Event](MIDIQueueSize),
		paramsQ:     NewRing[clap.Event](ParamQueueSize),
		outbound:    NewRing[clap.Event](OutboundQueueSize),
		inEvents:    clap.NewEventList(EventListSize),
		outEvents:   clap.NewEventList(EventListSize),
		mainIn:      clap.NewEventList(EventListSize),
		mainOut:     clap.NewEventList(EventListSize),
	}
	if h.log.GetSink() == nil {
		h.log = logr.Discard()
	}
	if h.listener == nil {
		h.listener = ListenerFuncs{}
	}
	if h.stopTimeout <= 0 {
		h.stopTimeout = DefaultStopTimeout
	}
	h.SetTempo(DefaultTempo)
	return h
}

// Status returns the lifecycle state.
func (h *Host) Status() Status { return Status(h.status.Load()) }

func (h *Host) setStatus(s Status) { h.status.Store(int32(s)) }

func (h *Host) casStatus(from, to Status) bool {
	return h.status.CompareAndSwap(int32(from), int32(to))
}

// Loaded reports whether a plugin instance exists.
func (h *Host) Loaded() bool { return h.plugin != nil }

// Descriptor returns the loaded plugin's descriptor.
func (h *Host) Descriptor() clap.Descriptor { return h.desc }

// Name returns the plugin's display name.
func (h *Host) Name() string { return h.desc.Name }

// Path returns the binary path the plugin was loaded from.
func (h *Host) Path() string { return h.path }

// Index returns the plugin's index within its binary.
func (h *Host) Index() int { return h.index }

// Binary returns the shared binary backing the instance.
func (h *Host) Binary() *library.Binary { return h.binary }

// Bypassed reports whether Process passes audio through untouched.
func (h *Host) Bypassed() bool { return h.bypassed.Load() }

// SetBypassed toggles pass-through.
func (h *Host) SetBypassed(b bool) { h.bypassed.Store(b) }

// Tempo returns the transport tempo in BPM.
func (h *Host) Tempo() float64 { return math.Float64frombits(h.tempo.Load()) }

// SetTempo sets the tempo reported in the next block's transport.
func (h *Host) SetTempo(bpm float64) { h.tempo.Store(math.Float64bits(bpm)) }

// Violation returns the recorded protocol violation, if any.
func (h *Host) Violation() error {
	if v := h.violation.Load(); v != nil {
		return v
	}
	return nil
}

// Terminated reports whether the plugin broke the thread contract.
func (h *Host) Terminated() bool { return h.terminated.Load() }

// Dirty reports whether the plugin marked its state dirty, and clears it.
func (h *Host) Dirty() bool { return h.dirty.Swap(false) }

// SampleRate returns the rate of the current activation.
func (h *Host) SampleRate() float64 { return h.sampleRate }

// BlockSize returns the block size of the current activation.
func (h *Host) BlockSize() int { return h.blockSize }

// GUI returns the plugin's GUI extension, or nil.
func (h *Host) GUI() clap.PluginGUI { return h.gui }

// AudioPorts returns the cached audio port layout.
func (h *Host) AudioPorts() (in, out []clap.AudioPortInfo) { return h.portsIn, h.portsOut }

// Load creates the plugin at index in the binary at path and initializes
// it. The binary is shared through l.
func (h *Host) Load(l *library.Loader, path string, index int) error {
	if h.plugin != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, h.desc.ID)
	}
	b, err := l.Load(path)
	if err != nil {
		return err
	}
	f := b.Factory()
	if f == nil {
		return fmt.Errorf("%w: %s", library.ErrUnloaded, path)
	}
	d := f.Descriptor(index)
	if d == nil {
		l.ReleaseIfIdle(b)
		return fmt.Errorf("%w: %d in %s", ErrNoSuchIndex, index, path)
	}
	desc := d.Clone()
	if !desc.ClapVersion.IsCompatible() {
		l.ReleaseIfIdle(b)
		return fmt.Errorf("%w: %s declares %s", ErrIncompatible, desc.ID, desc.ClapVersion)
	}

	b, p, err := l.Instantiate(path, desc.ID, h)
	if err != nil {
		return err
	}
	if !p.Init() {
		p.Destroy()
		b.DecreaseInstanceCount()
		return fmt.Errorf("%w: %s", ErrInitFailed, desc.ID)
	}

	h.binary, h.plugin, h.desc, h.path, h.index = b, p, desc, path, index
	h.params, _ = p.Extension(clap.ExtParams).(clap.PluginParams)
	h.state, _ = p.Extension(clap.ExtState).(clap.PluginState)
	h.ports, _ = p.Extension(clap.ExtAudioPorts).(clap.PluginAudioPorts)
	h.gui, _ = p.Extension(clap.ExtGUI).(clap.PluginGUI)
	h.refreshParams()
	h.refreshPorts()
	h.terminated.Store(false)
	h.violation.Store(nil)
	h.reported = false
	h.setStatus(Inactive)
	h.log.V(1).Info("plugin loaded", "id", desc.ID, "name", desc.Name, "path", path, "index", index)
	return nil
}

// Unload deactivates and destroys the plugin and releases its binary.
func (h *Host) Unload() error {
	if h.plugin == nil {
		h.setStatus(Inactive)
		return nil
	}
	if h.terminated.Load() {
		for h.inCall.Load() {
			time.Sleep(100 * time.Microsecond)
		}
		h.destroy()
		h.setStatus(Inactive)
		return nil
	}
	if err := h.Deactivate(); err != nil {
		return err
	}
	if h.terminated.Load() {
		return h.Unload()
	}
	h.destroy()
	h.setStatus(Inactive)
	return nil
}

// destroy tears the instance down. Callers guarantee the audio side no
// longer touches the plugin.
func (h *Host) destroy() {
	p, b, id := h.plugin, h.binary, h.desc.ID
	if h.activated {
		p.Deactivate()
		h.activated = false
	}
	p.Destroy()
	h.plugin, h.binary = nil, nil
	h.params, h.state, h.ports, h.gui = nil, nil, nil, nil
	h.paramInfo, h.portsIn, h.portsOut = nil, nil, nil
	h.started.Store(false)
	b.DecreaseInstanceCount()
	h.log.V(1).Info("plugin destroyed", "id", id)
}

// Activate prepares the plugin for processing at the given rate and block
// size. It is a no-op without a plugin, after termination, or at or above
// OnHold.
func (h *Host) Activate(sampleRate float64, blockSize int) error {
	if h.plugin == nil || h.terminated.Load() || h.Status() >= OnHold {
		return nil
	}
	if h.activated {
		h.plugin.Deactivate()
		h.activated = false
	}
	h.allocate(sampleRate, blockSize)
	bs := uint32(blockSize)
	if !h.plugin.Activate(sampleRate, bs, bs) {
		h.setStatus(OnError)
		return fmt.Errorf("%w: %s at %.0f Hz, %d frames", ErrActivationFailure, h.desc.ID, sampleRate, blockSize)
	}
	h.activated = true
	h.started.Store(false)
	h.setStatus(Starting)
	h.log.V(1).Info("plugin activated", "id", h.desc.ID, "sampleRate", sampleRate, "blockSize", blockSize)
	return nil
}

func (h *Host) allocate(sampleRate float64, blockSize int) {
	h.sampleRate, h.blockSize = sampleRate, blockSize
	h.silence = [][]float32{make([]float32, blockSize), make([]float32, blockSize)}
	h.samplePos = 0
	h.proc = clap.Process{
		Transport:    &h.transport,
		AudioInputs:  h.audioIn[:],
		AudioOutputs: h.audioOut[:],
		InEvents:     h.inEvents,
		OutEvents:    h.outEvents,
	}
}

// RequestStop asks the audio side to stop processing at its next block.
func (h *Host) RequestStop() {
	for {
		s := h.Status()
		if s != Running && s != Starting {
			return
		}
		if h.casStatus(s, StopRequested) {
			return
		}
	}
}

// Resume restarts processing after a stop.
func (h *Host) Resume() {
	if h.plugin != nil && !h.terminated.Load() {
		h.casStatus(OnHold, Starting)
	}
}

// StopPending reports whether a requested stop has not completed yet.
func (h *Host) StopPending() bool {
	s := h.Status()
	return s == StopRequested || s == Stopping
}

// StopNow completes a requested stop without waiting for the next block.
// Audio thread. A block still in flight finishes first.
func (h *Host) StopNow() bool {
	if !h.casStatus(StopRequested, Stopping) {
		return false
	}
	for h.inCall.Load() {
		time.Sleep(100 * time.Microsecond)
	}
	h.finishStop()
	return true
}

// Deactivate stops processing if needed and deactivates the plugin. It
// waits for the audio side to run stop_processing; when no audio block
// arrives within the stop timeout it completes the stop on a freshly bound
// audio thread.
func (h *Host) Deactivate() error {
	if h.plugin == nil || h.Status() < OnHold {
		if h.activated && !h.terminated.Load() {
			// start_processing failed; the plugin is active but idle.
			h.plugin.Deactivate()
			h.activated = false
		}
		return nil
	}
	h.RequestStop()
	deadline := time.Now().Add(h.stopTimeout)
	for {
		switch h.Status() {
		case OnHold:
			h.plugin.Deactivate()
			h.activated = false
			h.setStatus(Inactive)
			h.log.V(1).Info("plugin deactivated", "id", h.desc.ID)
			return nil
		case OnError, Inactive:
			return nil
		}
		if time.Now().After(deadline) && h.Status() == StopRequested {
			OnAudioThread(func() { h.StopNow() })
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

// finishStop runs from whichever side won the StopRequested to Stopping
// transition.
func (h *Host) finishStop() {
	if h.started.Swap(false) {
		h.plugin.StopProcessing()
	}
	h.setStatus(OnHold)
}

// SendNoteOn queues a note-on for the next block.
func (h *Host) SendNoteOn(channel, key int16, velocity float64) bool {
	return h.send(h.notes, clap.NoteOn(0, channel, key, velocity))
}

// SendNoteOff queues a note-off for the next block.
func (h *Host) SendNoteOff(channel, key int16, velocity float64) bool {
	return h.send(h.notes, clap.NoteOff(0, channel, key, velocity))
}

// SendMIDI queues a MIDI 1.0 short message. Sysex and longer payloads
// are rejected.
func (h *Host) SendMIDI(data []byte) bool {
	if len(data) == 0 || len(data) > 3 || data[0] < 0x80 || data[0] == 0xF0 {
		return false
	}
	var raw [3]byte
	copy(raw[:], data)
	return h.send(h.midi, clap.MIDI(0, 0, raw))
}

// SetParameter queues a parameter change. While the plugin is not
// processing, the change is flushed on the main thread by Idle.
func (h *Host) SetParameter(id uint32, value float64) bool {
	ok := h.send(h.paramsQ, clap.ParamValue(0, id, value))
	if ok && !h.Status().Processing() {
		h.flushRequested.Store(true)
	}
	return ok
}

func (h *Host) send(r *Ring[clap.Event], ev clap.Event) bool {
	h.sendMu.Lock()
	ok := r.Push(ev)
	h.sendMu.Unlock()
	if !ok {
		h.dropped.Add(1)
	}
	return ok
}

// Params returns the cached parameter list.
func (h *Host) Params() []clap.ParamInfo {
	return append([]clap.ParamInfo(nil), h.paramInfo...)
}

// ParamValue returns a parameter's current value from the plugin.
func (h *Host) ParamValue(id uint32) (float64, bool) {
	if h.params == nil {
		return 0, false
	}
	return h.params.Value(id)
}

func (h *Host) refreshParams() {
	h.paramInfo = h.paramInfo[:0]
	if h.params == nil {
		return
	}
	for i := 0; i < h.params.Count(); i++ {
		if info, ok := h.params.Info(i); ok {
			h.paramInfo = append(h.paramInfo, info)
		}
	}
}

func (h *Host) refreshPorts() {
	h.portsIn, h.portsOut = nil, nil
	if h.ports == nil {
		return
	}
	for _, isInput := range []bool{true, false} {
		for i := 0; i < h.ports.Count(isInput); i++ {
			info, ok := h.ports.Get(i, isInput)
			if !ok {
				continue
			}
			if isInput {
				h.portsIn = append(h.portsIn, info)
			} else {
				h.portsOut = append(h.portsOut, info)
			}
		}
	}
}

// Stats is a snapshot of per-host counters.
type Stats struct {
	Status    Status
	Processed uint64
	Dropped   uint64
	Errors    uint64
}

// Stats returns the current counters.
func (h *Host) Stats() Stats {
	return Stats{
		Status:    h.Status(),
		Processed: h.processed.Load(),
		Dropped:   h.dropped.Load(),
		Errors:    h.errors.Load(),
	}
}

// Idle runs the main-thread side of the host: it delivers output events,
// runs requested callbacks and destroys a terminated plugin. It returns the
// protocol violation the first time it handles one.
func (h *Host) Idle() error {
	for ev, ok := h.outbound.Pop(); ok; ev, ok = h.outbound.Pop() {
		deliver(h.listener, &ev)
	}

	if h.terminated.Load() {
		if h.plugin != nil && !h.inCall.Load() {
			h.destroy()
		}
		if h.reported {
			return nil
		}
		h.reported = true
		err := h.Violation()
		h.log.Error(err, "plugin terminated", "id", h.desc.ID)
		return err
	}
	if h.plugin == nil {
		return nil
	}

	if h.callbackRequested.Swap(false) {
		h.plugin.OnMainThread()
	}
	if flags := h.rescanFlags.Swap(0); flags != 0 {
		h.refreshParams()
		h.log.V(2).Info("params rescanned", "id", h.desc.ID, "flags", flags)
	}
	if h.flushRequested.Load() && !h.Status().Processing() {
		h.flushRequested.Store(false)
		h.flushOnMain()
	}
	if h.restartRequested.Swap(false) && h.activated {
		sr, bs, resume := h.sampleRate, h.blockSize, h.Status().Processing()
		if err := h.Deactivate(); err != nil {
			return err
		}
		if err := h.Activate(sr, bs); err != nil {
			return err
		}
		if !resume {
			h.RequestStop()
		}
		h.log.V(1).Info("plugin restarted", "id", h.desc.ID)
	}
	return nil
}

// flushOnMain hands queued parameter changes to params.flush while the
// audio side is not consuming the queue, and delivers the confirmations.
func (h *Host) flushOnMain() int {
	h.mainIn.Clear()
	for ev, ok := h.paramsQ.Pop(); ok; ev, ok = h.paramsQ.Pop() {
		h.mainIn.TryPush(ev)
	}
	if h.params == nil || h.mainIn.Size() == 0 {
		return 0
	}
	h.mainOut.Clear()
	h.params.Flush(h.mainIn, h.mainOut)
	confirmed := 0
	for i := 0; i < h.mainOut.Size(); i++ {
		ev := h.mainOut.Get(i)
		if ev.Type == clap.EventParamValue {
			confirmed++
		}
		deliver(h.listener, ev)
	}
	return confirmed
}
