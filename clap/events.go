package clap

import "fmt"

// EventType mirrors the core event space ids of the ABI.
type EventType uint16

const (
	EventNoteOn EventType = iota
	EventNoteOff
	EventNoteChoke
	EventNoteEnd
	EventNoteExpression
	EventParamValue
	EventParamMod
	EventParamGestureBegin
	EventParamGestureEnd
	EventTransport
	EventMIDI
	EventMIDISysex
	EventMIDI2
)

func (t EventType) String() string {
	switch t {
	case EventNoteOn:
		return "note-on"
	case EventNoteOff:
		return "note-off"
	case EventNoteChoke:
		return "note-choke"
	case EventNoteEnd:
		return "note-end"
	case EventNoteExpression:
		return "note-expression"
	case EventParamValue:
		return "param-value"
	case EventParamMod:
		return "param-mod"
	case EventParamGestureBegin:
		return "param-gesture-begin"
	case EventParamGestureEnd:
		return "param-gesture-end"
	case EventTransport:
		return "transport"
	case EventMIDI:
		return "midi"
	case EventMIDISysex:
		return "midi-sysex"
	case EventMIDI2:
		return "midi2"
	default:
		return fmt.Sprintf("event(%d)", uint16(t))
	}
}

// Event is a flat, fixed-size event record. Only the fields relevant to
// Type are meaningful. Being a value type it can be queued and copied
// on the audio thread without allocating.
type Event struct {
	Time    uint32 // sample offset within the block
	Type    EventType
	Flags   uint32
	NoteID  int32
	Port    int16
	Channel int16
	Key     int16

	Velocity float64 // notes, 0..1
	ParamID  uint32
	Value    float64 // param value or modulation amount
	MIDI     [3]byte
}

// NoteOn builds a note-on event. Velocity is 0..1.
func NoteOn(time uint32, channel, key int16, velocity float64) Event {
	return Event{Time: time, Type: EventNoteOn, NoteID: -1, Channel: channel, Key: key, Velocity: velocity}
}

// NoteOff builds a note-off event.
func NoteOff(time uint32, channel, key int16, velocity float64) Event {
	return Event{Time: time, Type: EventNoteOff, NoteID: -1, Channel: channel, Key: key, Velocity: velocity}
}

// ParamValue builds a parameter value event addressing every note and channel.
func ParamValue(time uint32, id uint32, value float64) Event {
	return Event{Time: time, Type: EventParamValue, NoteID: -1, Port: -1, Channel: -1, Key: -1, ParamID: id, Value: value}
}

// GestureBegin builds a parameter gesture-begin event.
func GestureBegin(time uint32, id uint32) Event {
	return Event{Time: time, Type: EventParamGestureBegin, ParamID: id}
}

// GestureEnd builds a parameter gesture-end event.
func GestureEnd(time uint32, id uint32) Event {
	return Event{Time: time, Type: EventParamGestureEnd, ParamID: id}
}

// MIDI builds a raw 3-byte MIDI 1.0 event.
func MIDI(time uint32, port int16, data [3]byte) Event {
	return Event{Time: time, Type: EventMIDI, Port: port, MIDI: data}
}

// InputEvents is the read side of an event batch handed to a plugin.
type InputEvents interface {
	Size() int
	Get(i int) *Event
}

// OutputEvents is the write side a plugin pushes into.
type OutputEvents interface {
	TryPush(e Event) bool
}

// EventList is a bounded event batch. Storage is allocated once; Push and
// TryPush never grow it, so it is safe to use from the audio thread.
type EventList struct {
	events  []Event
	n       int
	dropped int
}

// NewEventList returns a list able to hold capacity events.
func NewEventList(capacity int) *EventList {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventList{events: make([]Event, capacity)}
}

// Size returns the number of queued events.
func (l *EventList) Size() int { return l.n }

// Cap returns the fixed capacity.
func (l *EventList) Cap() int { return len(l.events) }

// Get returns the i-th event, or nil when out of range.
func (l *EventList) Get(i int) *Event {
	if i < 0 || i >= l.n {
		return nil
	}
	return &l.events[i]
}

// TryPush appends e. It returns false and counts a drop when the list is full.
func (l *EventList) TryPush(e Event) bool {
	if l.n == len(l.events) {
		l.dropped++
		return false
	}
	l.events[l.n] = e
	l.n++
	return true
}

// Clear empties the list without releasing storage.
func (l *EventList) Clear() { l.n = 0 }

// Dropped returns how many pushes were refused since creation.
func (l *EventList) Dropped() int { return l.dropped }

// CopyFrom appends every event of src and returns how many were accepted.
func (l *EventList) CopyFrom(src InputEvents) int {
	if src == nil {
		return 0
	}
	copied := 0
	for i := 0; i < src.Size(); i++ {
		ev := src.Get(i)
		if ev == nil {
			continue
		}
		if l.TryPush(*ev) {
			copied++
		}
	}
	return copied
}

// Sort orders events by Time, keeping insertion order for equal times.
// Insertion sort: batches are short and mostly sorted, and it does not allocate.
func (l *EventList) Sort() {
	ev := l.events[:l.n]
	for i := 1; i < len(ev); i++ {
		cur := ev[i]
		j := i - 1
		for j >= 0 && ev[j].Time > cur.Time {
			ev[j+1] = ev[j]
			j--
		}
		ev[j+1] = cur
	}
}

// ClampTimes pins every event time into [0, frames).
func (l *EventList) ClampTimes(frames uint32) {
	if frames == 0 {
		return
	}
	for i := 0; i < l.n; i++ {
		if l.events[i].Time >= frames {
			l.events[i].Time = frames - 1
		}
	}
}
