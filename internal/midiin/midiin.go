// Package midiin feeds MIDI from a portmidi input device into a channel
// strip of the engine.
package midiin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/rakyll/portmidi"
	"gitlab.com/gomidi/midi/v2"
)

var (
	ErrNoDevice = errors.New("no such MIDI input device")
	ErrRunning  = errors.New("MIDI input already running")
)

const (
	DefaultBuffer = 1024
	DefaultPoll   = 2 * time.Millisecond
)

// Sink receives raw MIDI 1.0 short messages for a named strip.
type Sink interface {
	SendMIDI(strip string, data []byte) error
}

// Source is a readable MIDI event stream. *portmidi.Stream implements it.
type Source interface {
	Read(max int) ([]portmidi.Event, error)
	Close() error
}

// Device describes one portmidi input.
type Device struct {
	ID        int
	Name      string
	Interface string
	Opened    bool
}

var initOnce struct {
	sync.Once
	err error
}

func initialize() error {
	initOnce.Do(func() { initOnce.err = portmidi.Initialize() })
	return initOnce.err
}

// Devices lists the available input devices.
func Devices() ([]Device, error) {
	if err := initialize(); err != nil {
		return nil, fmt.Errorf("portmidi: %w", err)
	}
	var out []Device
	for i := 0; i < portmidi.CountDevices(); i++ {
		info := portmidi.Info(portmidi.DeviceID(i))
		if info == nil || !info.IsInputAvailable {
			continue
		}
		out = append(out, Device{ID: i, Name: info.Name, Interface: info.Interface, Opened: info.IsOpened})
	}
	return out, nil
}

// Open opens the input device id. A negative id selects the default input.
func Open(id int, buffer int64) (Source, error) {
	if err := initialize(); err != nil {
		return nil, fmt.Errorf("portmidi: %w", err)
	}
	dev := portmidi.DeviceID(id)
	if id < 0 {
		dev = portmidi.DefaultInputDeviceID()
	}
	info := portmidi.Info(dev)
	if info == nil || !info.IsInputAvailable {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, id)
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s, err := portmidi.NewInputStream(dev, buffer)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", info.Name, err)
	}
	return s, nil
}

// Options configure an Input.
type Options struct {
	// Strip names the target of every message.
	Strip string
	// Channel keeps only one MIDI channel (0-15). Negative keeps all.
	Channel int
	Poll    time.Duration
	Log     logr.Logger
}

// Input pumps a Source into a Sink.
type Input struct {
	src  Source
	sink Sink
	opts Options
	log  logr.Logger

	running   atomic.Bool
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// NewInput returns an input reading src. Call Run to start forwarding.
func NewInput(src Source, sink Sink, opts Options) *Input {
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	return &Input{src: src, sink: sink, opts: opts, log: opts.Log.WithName("midiin")}
}

// Forwarded returns how many messages reached the sink.
func (in *Input) Forwarded() uint64 { return in.forwarded.Load() }

// Dropped returns how many events were filtered or refused.
func (in *Input) Dropped() uint64 { return in.dropped.Load() }

// Run polls the source until ctx is done, then closes it.
func (in *Input) Run(ctx context.Context) error {
	if !in.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer in.running.Store(false)
	defer in.src.Close()

	t := time.NewTicker(in.opts.Poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		events, err := in.src.Read(DefaultBuffer)
		if err != nil {
			return fmt.Errorf("midi read: %w", err)
		}
		for _, ev := range events {
			in.forward(ev)
		}
	}
}

func (in *Input) forward(ev portmidi.Event) {
	msg, ok := Convert(ev)
	if !ok {
		in.dropped.Add(1)
		return
	}
	if in.opts.Channel >= 0 {
		var ch uint8
		if !channelOf(msg, &ch) || int(ch) != in.opts.Channel {
			in.dropped.Add(1)
			return
		}
	}
	if err := in.sink.SendMIDI(in.opts.Strip, msg.Bytes()); err != nil {
		in.dropped.Add(1)
		in.log.V(2).Info("midi message refused", "strip", in.opts.Strip, "msg", msg.String(), "err", err.Error())
		return
	}
	in.forwarded.Add(1)
}

// Convert turns a portmidi event into a channel voice message. System and
// sysex events are not converted.
func Convert(ev portmidi.Event) (midi.Message, bool) {
	if len(ev.SysEx) > 0 {
		return nil, false
	}
	status := uint8(ev.Status)
	ch := status & 0x0F
	d1, d2 := uint8(ev.Data1)&0x7F, uint8(ev.Data2)&0x7F
	switch status & 0xF0 {
	case 0x80:
		return midi.NoteOffVelocity(ch, d1, d2), true
	case 0x90:
		return midi.NoteOn(ch, d1, d2), true
	case 0xA0:
		return midi.PolyAfterTouch(ch, d1, d2), true
	case 0xB0:
		return midi.ControlChange(ch, d1, d2), true
	case 0xC0:
		return midi.ProgramChange(ch, d1), true
	case 0xD0:
		return midi.AfterTouch(ch, d1), true
	case 0xE0:
		return midi.Pitchbend(ch, int16(uint16(d2)<<7|uint16(d1))-8192), true
	}
	return nil, false
}

func channelOf(msg midi.Message, ch *uint8) bool {
	b := msg.Bytes()
	if len(b) == 0 || b[0] < 0x80 || b[0] >= 0xF0 {
		return false
	}
	*ch = b[0] & 0x0F
	return true
}
