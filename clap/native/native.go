//go:build cgo && (linux || darwin)

// Package native binds clap interfaces to shared libraries exporting clap_entry.
package native

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include "abi.h"
*/
import "C"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/shaban/claphost/clap"
)

const (
	eventArenaSize = 2048
	maxChannels    = 2
)

// Available reports whether native loading is compiled in.
const Available = true

// Opener opens shared libraries with dlopen.
type Opener struct{}

// Open implements clap.Opener.
func (Opener) Open(path string) (clap.Module, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	handle := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, fmt.Errorf("dlopen %s: %s", path, C.GoString(C.dlerror()))
	}
	csym := C.CString(clap.EntrySymbol)
	defer C.free(unsafe.Pointer(csym))
	sym := C.dlsym(handle, csym)
	if sym == nil {
		C.dlclose(handle)
		return nil, fmt.Errorf("%w: %s", clap.ErrEntryNotFound, path)
	}
	return &module{handle: handle, entry: &entry{c: (*C.clap_plugin_entry_t)(sym)}}, nil
}

type module struct {
	mu     sync.Mutex
	handle unsafe.Pointer
	entry  *entry
}

func (m *module) Entry() clap.Entry { return m.entry }

func (m *module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	rc := C.dlclose(m.handle)
	m.handle = nil
	if rc != 0 {
		return errors.New(C.GoString(C.dlerror()))
	}
	return nil
}

type entry struct {
	c *C.clap_plugin_entry_t
}

func (e *entry) Version() clap.Version {
	return clap.Version{
		Major:    uint32(e.c.clap_version.major),
		Minor:    uint32(e.c.clap_version.minor),
		Revision: uint32(e.c.clap_version.revision),
	}
}

func (e *entry) Init(path string) bool {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return bool(C.ch_entry_init(e.c, cpath))
}

func (e *entry) Deinit() { C.ch_entry_deinit(e.c) }

func (e *entry) PluginFactory() clap.PluginFactory {
	f := C.ch_entry_plugin_factory(e.c)
	if f == nil {
		return nil
	}
	return &factory{c: f, descs: map[int]*clap.Descriptor{}}
}

type factory struct {
	c     *C.clap_plugin_factory_t
	mu    sync.Mutex
	descs map[int]*clap.Descriptor
}

func (f *factory) Count() int { return int(C.ch_factory_count(f.c)) }

func (f *factory) Descriptor(index int) *clap.Descriptor {
	if index < 0 || index >= f.Count() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.descs[index]; ok {
		return d
	}
	cd := C.ch_factory_descriptor(f.c, C.uint32_t(index))
	if cd == nil {
		return nil
	}
	d := copyDescriptor(cd)
	f.descs[index] = d
	return d
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

func copyDescriptor(cd *C.clap_plugin_descriptor_t) *clap.Descriptor {
	d := &clap.Descriptor{
		ClapVersion: clap.Version{
			Major:    uint32(cd.clap_version.major),
			Minor:    uint32(cd.clap_version.minor),
			Revision: uint32(cd.clap_version.revision),
		},
		ID:          goString(cd.id),
		Name:        goString(cd.name),
		Vendor:      goString(cd.vendor),
		URL:         goString(cd.url),
		Version:     goString(cd.version),
		Description: goString(cd.description),
	}
	for i := 0; ; i++ {
		f := C.ch_descriptor_feature(cd, C.uint32_t(i))
		if f == nil {
			break
		}
		d.Features = append(d.Features, C.GoString(f))
	}
	return d
}

func (f *factory) Create(host clap.Host, id string) clap.Plugin {
	info := host.Info()
	handle := cgo.NewHandle(host)
	cname, cvendor := C.CString(info.Name), C.CString(info.Vendor)
	curl, cversion := C.CString(info.URL), C.CString(info.Version)
	defer func() {
		C.free(unsafe.Pointer(cname))
		C.free(unsafe.Pointer(cvendor))
		C.free(unsafe.Pointer(curl))
		C.free(unsafe.Pointer(cversion))
	}()
	chost := C.ch_host_new(C.uintptr_t(handle), cname, cvendor, curl, cversion)
	if chost == nil {
		handle.Delete()
		return nil
	}
	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))
	cp := C.ch_factory_create(f.c, chost, cid)
	if cp == nil {
		C.ch_host_free(chost)
		handle.Delete()
		return nil
	}
	return &plugin{c: cp, host: chost, handle: handle, desc: copyDescriptor(cp.desc)}
}

type plugin struct {
	c      *C.clap_plugin_t
	host   *C.clap_host_t
	handle cgo.Handle
	desc   *clap.Descriptor

	in, out   *C.ch_event_list_t
	proc      *C.clap_process_t
	transport *C.clap_event_transport_t
	inBuf     *C.clap_audio_buffer_t
	outBuf    *C.clap_audio_buffer_t
	inData    [maxChannels]*C.float
	outData   [maxChannels]*C.float
	maxFrames uint32
}

func (p *plugin) Descriptor() *clap.Descriptor { return p.desc }

func (p *plugin) Init() bool { return bool(C.ch_plugin_init(p.c)) }

func (p *plugin) Destroy() {
	C.ch_plugin_destroy(p.c)
	p.freeBuffers()
	C.ch_host_free(p.host)
	p.handle.Delete()
}

// Activate allocates the C side process record sized for maxFrames.
func (p *plugin) Activate(sampleRate float64, minFrames, maxFrames uint32) bool {
	p.freeBuffers()
	if !p.allocBuffers(maxFrames) {
		return false
	}
	if !C.ch_plugin_activate(p.c, C.double(sampleRate), C.uint32_t(minFrames), C.uint32_t(maxFrames)) {
		p.freeBuffers()
		return false
	}
	return true
}

func (p *plugin) allocBuffers(frames uint32) bool {
	p.maxFrames = frames
	p.in = C.ch_list_new(eventArenaSize)
	p.out = C.ch_list_new(eventArenaSize)
	p.proc = (*C.clap_process_t)(C.calloc(1, C.size_t(unsafe.Sizeof(C.clap_process_t{}))))
	p.transport = (*C.clap_event_transport_t)(C.calloc(1, C.size_t(unsafe.Sizeof(C.clap_event_transport_t{}))))
	p.inBuf = (*C.clap_audio_buffer_t)(C.calloc(1, C.size_t(unsafe.Sizeof(C.clap_audio_buffer_t{}))))
	p.outBuf = (*C.clap_audio_buffer_t)(C.calloc(1, C.size_t(unsafe.Sizeof(C.clap_audio_buffer_t{}))))
	if p.in == nil || p.out == nil || p.proc == nil || p.transport == nil || p.inBuf == nil || p.outBuf == nil {
		p.freeBuffers()
		return false
	}
	ptrSize := C.size_t(unsafe.Sizeof(uintptr(0)))
	p.inBuf.data32 = (**C.float)(C.calloc(maxChannels, ptrSize))
	p.outBuf.data32 = (**C.float)(C.calloc(maxChannels, ptrSize))
	inPtrs := unsafe.Slice(p.inBuf.data32, maxChannels)
	outPtrs := unsafe.Slice(p.outBuf.data32, maxChannels)
	for c := 0; c < maxChannels; c++ {
		p.inData[c] = (*C.float)(C.calloc(C.size_t(frames), 4))
		p.outData[c] = (*C.float)(C.calloc(C.size_t(frames), 4))
		inPtrs[c] = p.inData[c]
		outPtrs[c] = p.outData[c]
	}
	p.inBuf.channel_count = maxChannels
	p.outBuf.channel_count = maxChannels
	p.transport.header.size = C.uint32_t(unsafe.Sizeof(C.clap_event_transport_t{}))
	p.transport.header._type = C.uint16_t(clap.EventTransport)
	p.proc.transport = p.transport
	p.proc.audio_inputs = p.inBuf
	p.proc.audio_outputs = p.outBuf
	p.proc.audio_inputs_count = 1
	p.proc.audio_outputs_count = 1
	p.proc.in_events = &p.in.in
	p.proc.out_events = &p.out.out
	return true
}

func (p *plugin) freeBuffers() {
	for c := 0; c < maxChannels; c++ {
		if p.inData[c] != nil {
			C.free(unsafe.Pointer(p.inData[c]))
			p.inData[c] = nil
		}
		if p.outData[c] != nil {
			C.free(unsafe.Pointer(p.outData[c]))
			p.outData[c] = nil
		}
	}
	if p.inBuf != nil {
		C.free(unsafe.Pointer(p.inBuf.data32))
		C.free(unsafe.Pointer(p.inBuf))
		p.inBuf = nil
	}
	if p.outBuf != nil {
		C.free(unsafe.Pointer(p.outBuf.data32))
		C.free(unsafe.Pointer(p.outBuf))
		p.outBuf = nil
	}
	if p.transport != nil {
		C.free(unsafe.Pointer(p.transport))
		p.transport = nil
	}
	if p.proc != nil {
		C.free(unsafe.Pointer(p.proc))
		p.proc = nil
	}
	C.ch_list_free(p.in)
	C.ch_list_free(p.out)
	p.in, p.out = nil, nil
}

func (p *plugin) Deactivate() {
	C.ch_plugin_deactivate(p.c)
	p.freeBuffers()
}

func (p *plugin) StartProcessing() bool { return bool(C.ch_plugin_start_processing(p.c)) }
func (p *plugin) StopProcessing()       { C.ch_plugin_stop_processing(p.c) }
func (p *plugin) Reset()                { C.ch_plugin_reset(p.c) }
func (p *plugin) OnMainThread()         { C.ch_plugin_on_main_thread(p.c) }

// Process copies Go buffers and events into the C record, calls the plugin
// and copies results back. It allocates nothing.
func (p *plugin) Process(proc *clap.Process) clap.ProcessStatus {
	if p.proc == nil {
		return clap.ProcessError
	}
	frames := proc.FramesCount
	if frames > p.maxFrames {
		frames = p.maxFrames
	}
	p.proc.frames_count = C.uint32_t(frames)
	p.proc.steady_time = C.int64_t(proc.SteadyTime)
	if t := proc.Transport; t != nil {
		p.transport.flags = C.uint32_t(t.Flags)
		p.transport.song_pos_beats = C.int64_t(t.SongPosBeats)
		p.transport.song_pos_seconds = C.int64_t(t.SongPosSeconds)
		p.transport.tempo = C.double(t.Tempo)
		p.transport.tempo_inc = C.double(t.TempoInc)
		p.proc.transport = p.transport
	} else {
		p.proc.transport = nil
	}

	copyIn(p.inData[:], proc.AudioInputs, frames)
	fillEvents(p.in, proc.InEvents)
	C.ch_list_clear(p.out)

	status := clap.ProcessStatus(C.ch_plugin_process(p.c, p.proc))

	copyOut(proc.AudioOutputs, p.outData[:], frames)
	drainEvents(p.out, proc.OutEvents)
	return status
}

func copyIn(dst []*C.float, bufs []clap.AudioBuffer, frames uint32) {
	for c := range dst {
		d := unsafe.Slice((*float32)(unsafe.Pointer(dst[c])), frames)
		if len(bufs) == 0 || c >= len(bufs[0].Data32) || bufs[0].Data32[c] == nil {
			clear(d)
			continue
		}
		copy(d, bufs[0].Data32[c])
	}
}

func copyOut(bufs []clap.AudioBuffer, src []*C.float, frames uint32) {
	if len(bufs) == 0 {
		return
	}
	for c := range src {
		if c >= len(bufs[0].Data32) {
			return
		}
		copy(bufs[0].Data32[c], unsafe.Slice((*float32)(unsafe.Pointer(src[c])), frames))
	}
}

func fillEvents(l *C.ch_event_list_t, in clap.InputEvents) {
	C.ch_list_clear(l)
	if in == nil {
		return
	}
	for i := 0; i < in.Size(); i++ {
		ev := in.Get(i)
		if ev == nil {
			continue
		}
		pushEvent(l, ev)
	}
}

func pushEvent(l *C.ch_event_list_t, ev *clap.Event) bool {
	switch ev.Type {
	case clap.EventNoteOn, clap.EventNoteOff, clap.EventNoteChoke, clap.EventNoteEnd:
		return bool(C.ch_list_push_note(l, C.uint16_t(ev.Type), C.uint32_t(ev.Time), C.int32_t(ev.NoteID),
			C.int16_t(ev.Port), C.int16_t(ev.Channel), C.int16_t(ev.Key), C.double(ev.Velocity)))
	case clap.EventParamValue:
		return bool(C.ch_list_push_param(l, C.uint32_t(ev.Time), C.clap_id(ev.ParamID), C.int32_t(ev.NoteID),
			C.int16_t(ev.Port), C.int16_t(ev.Channel), C.int16_t(ev.Key), C.double(ev.Value)))
	case clap.EventParamGestureBegin, clap.EventParamGestureEnd:
		return bool(C.ch_list_push_gesture(l, C.uint16_t(ev.Type), C.uint32_t(ev.Time), C.clap_id(ev.ParamID)))
	case clap.EventMIDI:
		return bool(C.ch_list_push_midi(l, C.uint32_t(ev.Time), C.uint16_t(ev.Port),
			C.uint8_t(ev.MIDI[0]), C.uint8_t(ev.MIDI[1]), C.uint8_t(ev.MIDI[2])))
	}
	return false
}

func drainEvents(l *C.ch_event_list_t, out clap.OutputEvents) {
	if out == nil {
		return
	}
	n := uint32(C.ch_list_size(l))
	for i := uint32(0); i < n; i++ {
		hdr := C.ch_list_get(l, C.uint32_t(i))
		if hdr == nil || hdr.space_id != C.CLAP_CORE_EVENT_SPACE_ID {
			continue
		}
		ev := clap.Event{Time: uint32(hdr.time), Type: clap.EventType(hdr._type), Flags: uint32(hdr.flags)}
		switch ev.Type {
		case clap.EventNoteOn, clap.EventNoteOff, clap.EventNoteChoke, clap.EventNoteEnd:
			n := (*C.clap_event_note_t)(unsafe.Pointer(hdr))
			ev.NoteID, ev.Port, ev.Channel, ev.Key = int32(n.note_id), int16(n.port_index), int16(n.channel), int16(n.key)
			ev.Velocity = float64(n.velocity)
		case clap.EventParamValue:
			v := (*C.clap_event_param_value_t)(unsafe.Pointer(hdr))
			ev.ParamID, ev.Value = uint32(v.param_id), float64(v.value)
			ev.NoteID, ev.Port, ev.Channel, ev.Key = int32(v.note_id), int16(v.port_index), int16(v.channel), int16(v.key)
		case clap.EventParamGestureBegin, clap.EventParamGestureEnd:
			g := (*C.clap_event_param_gesture_t)(unsafe.Pointer(hdr))
			ev.ParamID = uint32(g.param_id)
		case clap.EventMIDI:
			m := (*C.clap_event_midi_t)(unsafe.Pointer(hdr))
			ev.Port = int16(m.port_index)
			ev.MIDI = [3]byte{byte(m.data[0]), byte(m.data[1]), byte(m.data[2])}
		default:
			continue
		}
		out.TryPush(ev)
	}
}

func (p *plugin) Extension(id string) any {
	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))
	ptr := C.ch_plugin_extension(p.c, cid)
	if ptr == nil {
		return nil
	}
	switch id {
	case clap.ExtParams:
		return &params{p: p, x: (*C.clap_plugin_params_t)(ptr)}
	case clap.ExtState:
		return &state{p: p, x: (*C.clap_plugin_state_t)(ptr)}
	case clap.ExtAudioPorts:
		return &audioPorts{p: p, x: (*C.clap_plugin_audio_ports_t)(ptr)}
	case clap.ExtGUI:
		return &gui{p: p, x: (*C.clap_plugin_gui_t)(ptr)}
	}
	return nil
}

type params struct {
	p *plugin
	x *C.clap_plugin_params_t
}

func (e *params) Count() int { return int(C.ch_params_count(e.x, e.p.c)) }

func (e *params) Info(index int) (clap.ParamInfo, bool) {
	var ci C.clap_param_info_t
	if !C.ch_params_info(e.x, e.p.c, C.uint32_t(index), &ci) {
		return clap.ParamInfo{}, false
	}
	return clap.ParamInfo{
		ID:      uint32(ci.id),
		Flags:   uint32(ci.flags),
		Name:    C.GoString(&ci.name[0]),
		Module:  C.GoString(&ci.module[0]),
		Min:     float64(ci.min_value),
		Max:     float64(ci.max_value),
		Default: float64(ci.default_value),
	}, true
}

func (e *params) Value(id uint32) (float64, bool) {
	var v C.double
	if !C.ch_params_value(e.x, e.p.c, C.clap_id(id), &v) {
		return 0, false
	}
	return float64(v), true
}

// Flush uses private arenas so it is safe to call while the process
// arenas are unallocated.
func (e *params) Flush(in clap.InputEvents, out clap.OutputEvents) {
	cin := C.ch_list_new(eventArenaSize)
	cout := C.ch_list_new(eventArenaSize)
	defer C.ch_list_free(cin)
	defer C.ch_list_free(cout)
	if cin == nil || cout == nil {
		return
	}
	fillEvents(cin, in)
	C.ch_params_flush(e.x, e.p.c, cin, cout)
	drainEvents(cout, out)
}

type state struct {
	p *plugin
	x *C.clap_plugin_state_t
}

func (s *state) Save(w io.Writer) bool {
	var buf bytes.Buffer
	h := cgo.NewHandle(io.Writer(&buf))
	defer h.Delete()
	if !C.ch_state_save(s.x, s.p.c, C.uintptr_t(h)) {
		return false
	}
	_, err := w.Write(buf.Bytes())
	return err == nil
}

func (s *state) Load(r io.Reader) bool {
	h := cgo.NewHandle(r)
	defer h.Delete()
	return bool(C.ch_state_load(s.x, s.p.c, C.uintptr_t(h)))
}

type audioPorts struct {
	p *plugin
	x *C.clap_plugin_audio_ports_t
}

func (a *audioPorts) Count(isInput bool) int {
	return int(C.ch_ports_count(a.x, a.p.c, C.bool(isInput)))
}

func (a *audioPorts) Get(index int, isInput bool) (clap.AudioPortInfo, bool) {
	var ci C.clap_audio_port_info_t
	if !C.ch_ports_get(a.x, a.p.c, C.uint32_t(index), C.bool(isInput), &ci) {
		return clap.AudioPortInfo{}, false
	}
	return clap.AudioPortInfo{
		ID:           uint32(ci.id),
		Name:         C.GoString(&ci.name[0]),
		Flags:        uint32(ci.flags),
		ChannelCount: uint32(ci.channel_count),
		PortType:     goString(ci.port_type),
	}, true
}

type gui struct {
	p *plugin
	x *C.clap_plugin_gui_t
}

func (g *gui) IsAPISupported(api string, floating bool) bool {
	capi := C.CString(api)
	defer C.free(unsafe.Pointer(capi))
	return bool(C.ch_gui_is_api_supported(g.x, g.p.c, capi, C.bool(floating)))
}

func (g *gui) Create(api string, floating bool) bool {
	capi := C.CString(api)
	defer C.free(unsafe.Pointer(capi))
	return bool(C.ch_gui_create(g.x, g.p.c, capi, C.bool(floating)))
}

func (g *gui) Destroy()                     { C.ch_gui_destroy(g.x, g.p.c) }
func (g *gui) SetScale(scale float64) bool { return bool(C.ch_gui_set_scale(g.x, g.p.c, C.double(scale))) }
func (g *gui) Show() bool                   { return bool(C.ch_gui_show(g.x, g.p.c)) }
func (g *gui) Hide() bool                   { return bool(C.ch_gui_hide(g.x, g.p.c)) }

func (g *gui) Size() (uint32, uint32, bool) {
	var w, h C.uint32_t
	ok := C.ch_gui_get_size(g.x, g.p.c, &w, &h)
	return uint32(w), uint32(h), bool(ok)
}
