package host

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/claphost/clap"
)

// Listener receives the plugin's output events on the main thread.
type Listener interface {
	GestureBegan(paramID uint32)
	GestureEnded(paramID uint32)
	ParamChanged(paramID uint32, value float64)
	MIDIOut(msg midi.Message)
}

// ListenerFuncs adapts optional funcs to Listener.
type ListenerFuncs struct {
	OnGestureBegin func(paramID uint32)
	OnGestureEnd   func(paramID uint32)
	OnParamChange  func(paramID uint32, value float64)
	OnMIDI         func(msg midi.Message)
}

func (f ListenerFuncs) GestureBegan(id uint32) {
	if f.OnGestureBegin != nil {
		f.OnGestureBegin(id)
	}
}

func (f ListenerFuncs) GestureEnded(id uint32) {
	if f.OnGestureEnd != nil {
		f.OnGestureEnd(id)
	}
}

func (f ListenerFuncs) ParamChanged(id uint32, value float64) {
	if f.OnParamChange != nil {
		f.OnParamChange(id, value)
	}
}

func (f ListenerFuncs) MIDIOut(msg midi.Message) {
	if f.OnMIDI != nil {
		f.OnMIDI(msg)
	}
}

// forwarded reports whether an output event kind leaves the audio thread.
func forwarded(t clap.EventType) bool {
	switch t {
	case clap.EventParamGestureBegin, clap.EventParamGestureEnd, clap.EventParamValue,
		clap.EventNoteOn, clap.EventNoteOff, clap.EventNoteEnd, clap.EventMIDI:
		return true
	}
	return false
}

func deliver(l Listener, ev *clap.Event) {
	switch ev.Type {
	case clap.EventParamGestureBegin:
		l.GestureBegan(ev.ParamID)
	case clap.EventParamGestureEnd:
		l.GestureEnded(ev.ParamID)
	case clap.EventParamValue:
		l.ParamChanged(ev.ParamID, ev.Value)
	case clap.EventNoteOn:
		l.MIDIOut(midi.NoteOn(channel(ev.Channel), key(ev.Key), velocity(ev.Velocity)))
	case clap.EventNoteOff, clap.EventNoteEnd:
		l.MIDIOut(midi.NoteOff(channel(ev.Channel), key(ev.Key)))
	case clap.EventMIDI:
		l.MIDIOut(midi.Message(append([]byte(nil), ev.MIDI[:midiLen(ev.MIDI[0])]...)))
	}
}

func channel(c int16) uint8 {
	if c < 0 {
		return 0
	}
	return uint8(c & 0x0F)
}

func key(k int16) uint8 {
	if k < 0 {
		return 0
	}
	return uint8(k & 0x7F)
}

func velocity(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 127
	}
	return uint8(v*127 + 0.5)
}

// midiLen is the length of a MIDI 1.0 short message by status byte.
func midiLen(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 2
	case 0xF0:
		switch status {
		case 0xF1, 0xF3:
			return 2
		case 0xF2:
			return 3
		}
		return 1
	}
	return 3
}
