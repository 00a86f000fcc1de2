package testplug

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/shaban/claphost/clap"
)

type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// Gain computes out = in*gain + offset. It exposes parameters but no state
// extension, so hosts must fall back to parameter snapshots.
type Gain struct {
	base
	gain, offset atomicFloat
}

// NewGain is a static.Constructor.
func NewGain(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	g := &Gain{base: base{desc: desc, host: host}}
	g.gain.Store(1)
	return g
}

func (g *Gain) Extension(id string) any {
	switch id {
	case clap.ExtParams:
		return gainParams{g}
	case clap.ExtAudioPorts:
		return stereoPorts{}
	}
	return nil
}

func (g *Gain) apply(in clap.InputEvents, out clap.OutputEvents) {
	if in == nil {
		return
	}
	for i := 0; i < in.Size(); i++ {
		ev := in.Get(i)
		if ev == nil || ev.Type != clap.EventParamValue {
			continue
		}
		switch ev.ParamID {
		case ParamGain:
			g.gain.Store(ev.Value)
		case ParamOffset:
			g.offset.Store(ev.Value)
		default:
			continue
		}
		if out != nil {
			out.TryPush(clap.ParamValue(ev.Time, ev.ParamID, ev.Value))
		}
	}
}

func (g *Gain) Process(p *clap.Process) clap.ProcessStatus {
	g.apply(p.InEvents, p.OutEvents)
	gain, offset := float32(g.gain.Load()), float32(g.offset.Load())
	in, out := inputs(p), outputs(p)
	for c := range out {
		for i := 0; i < int(p.FramesCount); i++ {
			var s float32
			if c < len(in) && in[c] != nil {
				s = in[c][i]
			}
			out[c][i] = s*gain + offset
		}
	}
	return clap.ProcessContinue
}

type gainParams struct{ g *Gain }

func (p gainParams) Count() int { return 2 }

func (p gainParams) Info(index int) (clap.ParamInfo, bool) {
	switch index {
	case 0:
		return clap.ParamInfo{ID: ParamGain, Name: "Gain", Min: 0, Max: 2, Default: 1, Flags: clap.ParamIsAutomatable}, true
	case 1:
		return clap.ParamInfo{ID: ParamOffset, Name: "Offset", Min: -1, Max: 1, Default: 0, Flags: clap.ParamIsAutomatable}, true
	}
	return clap.ParamInfo{}, false
}

func (p gainParams) Value(id uint32) (float64, bool) {
	switch id {
	case ParamGain:
		return p.g.gain.Load(), true
	case ParamOffset:
		return p.g.offset.Load(), true
	}
	return 0, false
}

func (p gainParams) Flush(in clap.InputEvents, out clap.OutputEvents) { p.g.apply(in, out) }

type stereoPorts struct{}

func (stereoPorts) Count(bool) int { return 1 }

func (stereoPorts) Get(index int, isInput bool) (clap.AudioPortInfo, bool) {
	if index != 0 {
		return clap.AudioPortInfo{}, false
	}
	name := "out"
	if isInput {
		name = "in"
	}
	return clap.AudioPortInfo{ID: 0, Name: name, Flags: clap.AudioPortIsMain, ChannelCount: 2, PortType: "stereo"}, true
}

// Arp echoes every incoming note and adds the same note an octave up.
// Audio passes through.
type Arp struct {
	base
}

// NewArp is a static.Constructor.
func NewArp(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &Arp{base: base{desc: desc, host: host}}
}

func (a *Arp) Process(p *clap.Process) clap.ProcessStatus {
	in, out := inputs(p), outputs(p)
	for c := range out {
		if c < len(in) && in[c] != nil {
			copy(out[c][:p.FramesCount], in[c][:p.FramesCount])
		} else {
			clear(out[c][:p.FramesCount])
		}
	}
	if p.InEvents == nil || p.OutEvents == nil {
		return clap.ProcessContinue
	}
	for i := 0; i < p.InEvents.Size(); i++ {
		ev := p.InEvents.Get(i)
		if ev == nil || (ev.Type != clap.EventNoteOn && ev.Type != clap.EventNoteOff) {
			continue
		}
		p.OutEvents.TryPush(*ev)
		up := *ev
		up.Key += 12
		p.OutEvents.TryPush(up)
	}
	return clap.ProcessContinue
}

// CounterPlugin writes 0.1 per note-on seen since activation into every output
// sample. It makes event delivery observable in audio.
type CounterPlugin struct {
	base
	notes atomic.Int32
}

// NewCounter is a static.Constructor.
func NewCounter(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &CounterPlugin{base: base{desc: desc, host: host}}
}

func (c *CounterPlugin) Process(p *clap.Process) clap.ProcessStatus {
	if p.InEvents != nil {
		for i := 0; i < p.InEvents.Size(); i++ {
			if ev := p.InEvents.Get(i); ev != nil && (ev.Type == clap.EventNoteOn || (ev.Type == clap.EventMIDI && ev.MIDI[0]&0xF0 == 0x90)) {
				c.notes.Add(1)
			}
		}
	}
	v := float32(c.notes.Load()) * 0.1
	for _, ch := range outputs(p) {
		for i := 0; i < int(p.FramesCount); i++ {
			ch[i] = v
		}
	}
	return clap.ProcessContinue
}

// Notes returns the number of note-on events received.
func (c *CounterPlugin) Notes() int { return int(c.notes.Load()) }

var stateMagic = [4]byte{'C', 'H', 'S', 'T'}

// StatefulGain is Gain with a binary state extension.
type StatefulGain struct {
	*Gain
	dirty atomic.Int32
}

// NewStateful is a static.Constructor.
func NewStateful(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &StatefulGain{Gain: NewGain(desc, host).(*Gain)}
}

func (s *StatefulGain) Extension(id string) any {
	if id == clap.ExtState {
		return s
	}
	return s.Gain.Extension(id)
}

func (s *StatefulGain) Save(w io.Writer) bool {
	var buf bytes.Buffer
	buf.Write(stateMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, s.gain.Load())
	_ = binary.Write(&buf, binary.LittleEndian, s.offset.Load())
	_, err := w.Write(buf.Bytes())
	return err == nil
}

func (s *StatefulGain) Load(r io.Reader) bool {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != stateMagic {
		return false
	}
	var gain, offset float64
	if binary.Read(r, binary.LittleEndian, &gain) != nil || binary.Read(r, binary.LittleEndian, &offset) != nil {
		return false
	}
	s.gain.Store(gain)
	s.offset.Store(offset)
	if hs, ok := s.host.Extension(clap.ExtState).(clap.HostState); ok {
		hs.MarkDirty()
		s.dirty.Add(1)
	}
	return true
}

// HotPlugin writes out-of-range samples.
type HotPlugin struct {
	base
}

// NewHot is a static.Constructor.
func NewHot(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &HotPlugin{base: base{desc: desc, host: host}}
}

func (h *HotPlugin) Process(p *clap.Process) clap.ProcessStatus {
	for _, ch := range outputs(p) {
		for i := 0; i < int(p.FramesCount); i++ {
			ch[i] = 2
		}
	}
	return clap.ProcessContinue
}

// RoguePlugin asks the host to rescan parameters from the audio thread, which
// the thread-check contract forbids.
type RoguePlugin struct {
	base
	calls atomic.Int32
}

// NewRogue is a static.Constructor.
func NewRogue(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &RoguePlugin{base: base{desc: desc, host: host}}
}

func (r *RoguePlugin) Process(p *clap.Process) clap.ProcessStatus {
	r.calls.Add(1)
	if hp, ok := r.host.Extension(clap.ExtParams).(clap.HostParams); ok {
		hp.Rescan(clap.ParamRescanAll)
	}
	return clap.ProcessContinue
}

// Calls returns how often Process ran.
func (r *RoguePlugin) Calls() int { return int(r.calls.Load()) }

// FailingPlugin refuses activation.
type FailingPlugin struct {
	base
}

// NewFailing is a static.Constructor.
func NewFailing(desc *clap.Descriptor, host clap.Host) clap.Plugin {
	return &FailingPlugin{base: base{desc: desc, host: host}}
}

func (f *FailingPlugin) Activate(float64, uint32, uint32) bool { return false }

func (f *FailingPlugin) Process(*clap.Process) clap.ProcessStatus { return clap.ProcessError }
