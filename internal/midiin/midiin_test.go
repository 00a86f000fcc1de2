package midiin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rakyll/portmidi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/claphost/internal/testutil"
)

type fakeSource struct {
	mu     sync.Mutex
	queue  []portmidi.Event
	err    error
	closed bool
}

func (s *fakeSource) push(evs ...portmidi.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evs...)
	s.mu.Unlock()
}

func (s *fakeSource) Read(max int) ([]portmidi.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n := min(max, len(s.queue))
	out := s.queue[:n]
	s.queue = s.queue[n:]
	return out, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type sink struct {
	mu     sync.Mutex
	got    [][]byte
	strips []string
	refuse bool
}

func (s *sink) SendMIDI(strip string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return errors.New("queue full")
	}
	s.strips = append(s.strips, strip)
	s.got = append(s.got, append([]byte(nil), data...))
	return nil
}

func (s *sink) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.got...)
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		ev   portmidi.Event
		want []byte
	}{
		{"note on", portmidi.Event{Status: 0x91, Data1: 60, Data2: 100}, []byte{0x91, 60, 100}},
		{"note off", portmidi.Event{Status: 0x80, Data1: 60, Data2: 64}, []byte{0x80, 60, 64}},
		{"control change", portmidi.Event{Status: 0xB3, Data1: 7, Data2: 127}, []byte{0xB3, 7, 127}},
		{"program change", portmidi.Event{Status: 0xC0, Data1: 5}, []byte{0xC0, 5}},
		{"channel pressure", portmidi.Event{Status: 0xD2, Data1: 33}, []byte{0xD2, 33}},
		{"poly pressure", portmidi.Event{Status: 0xA0, Data1: 60, Data2: 10}, []byte{0xA0, 60, 10}},
		{"pitch bend centre", portmidi.Event{Status: 0xE0, Data1: 0x00, Data2: 0x40}, []byte{0xE0, 0x00, 0x40}},
		{"data masked", portmidi.Event{Status: 0x90, Data1: 0xFF, Data2: 0x80}, []byte{0x90, 0x7F, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Convert(tt.ev)
			require.True(t, ok)
			assert.Equal(t, tt.want, msg.Bytes())
		})
	}

	for _, ev := range []portmidi.Event{
		{Status: 0xF8},
		{Status: 0xF0, SysEx: []byte{0xF0, 0x7E, 0xF7}},
		{Status: 0x40},
	} {
		_, ok := Convert(ev)
		assert.False(t, ok, "status %#x", ev.Status)
	}
}

func TestInputForwardsToStrip(t *testing.T) {
	src := &fakeSource{}
	s := &sink{}
	in := NewInput(src, s, Options{Strip: "keys", Channel: -1, Poll: time.Millisecond})
	src.push(
		portmidi.Event{Status: 0x90, Data1: 60, Data2: 100},
		portmidi.Event{Status: 0xF8},
		portmidi.Event{Status: 0x80, Data1: 60},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	require.Eventually(t, func() bool { return len(s.messages()) == 2 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, in.Run(ctx), ErrRunning)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, [][]byte{{0x90, 60, 100}, {0x80, 60, 0}}, s.messages())
	assert.Equal(t, []string{"keys", "keys"}, s.strips)
	assert.Equal(t, uint64(2), in.Forwarded())
	assert.Equal(t, uint64(1), in.Dropped())
	assert.True(t, src.closed)
}

func TestInputFiltersChannel(t *testing.T) {
	src := &fakeSource{}
	s := &sink{}
	in := NewInput(src, s, Options{Strip: "bass", Channel: 2, Poll: time.Millisecond})
	src.push(
		portmidi.Event{Status: 0x90, Data1: 40, Data2: 90},
		portmidi.Event{Status: 0x92, Data1: 41, Data2: 90},
		portmidi.Event{Status: 0xB2, Data1: 1, Data2: 20},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = in.Run(ctx) }()
	require.Eventually(t, func() bool { return in.Forwarded()+in.Dropped() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{{0x92, 41, 90}, {0xB2, 1, 20}}, s.messages())
}

func TestInputCountsRefusedMessages(t *testing.T) {
	src := &fakeSource{}
	in := NewInput(src, &sink{refuse: true}, Options{Channel: -1, Poll: time.Millisecond})
	src.push(portmidi.Event{Status: 0x90, Data1: 60, Data2: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = in.Run(ctx) }()
	require.Eventually(t, func() bool { return in.Dropped() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, in.Forwarded())
}

func TestInputStopsOnReadError(t *testing.T) {
	src := &fakeSource{err: errors.New("device unplugged")}
	in := NewInput(src, &sink{}, Options{Channel: -1, Poll: time.Millisecond})
	err := in.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")
	assert.True(t, src.closed)
}

func TestDevices(t *testing.T) {
	testutil.SkipUnlessEnv(t, "CLAPHOST_MIDI", "1")
	devs, err := Devices()
	require.NoError(t, err)
	for _, d := range devs {
		t.Logf("%d: %s (%s)", d.ID, d.Name, d.Interface)
	}
	_, err = Open(1<<20, 0)
	assert.ErrorIs(t, err, ErrNoDevice)
}
