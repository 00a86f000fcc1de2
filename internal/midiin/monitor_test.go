package midiin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceList struct {
	mu      sync.Mutex
	devices []Device
	err     error
}

func (l *deviceList) set(devices ...Device) {
	l.mu.Lock()
	l.devices = devices
	l.mu.Unlock()
}

func (l *deviceList) list() ([]Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Device(nil), l.devices...), l.err
}

func TestMonitorReportsChanges(t *testing.T) {
	keys := Device{ID: 1, Name: "Keys", Interface: "ALSA"}
	pads := Device{ID: 2, Name: "Pads", Interface: "ALSA"}
	l := &deviceList{devices: []Device{keys}}

	var added, removed []string
	m := NewMonitor(MonitorOptions{
		List:      l.list,
		OnAdded:   func(d Device) { added = append(added, d.Name) },
		OnRemoved: func(d Device) { removed = append(removed, d.Name) },
		Log:       logr.Discard(),
	})
	m.known = byName(l.devices)

	m.Check()
	assert.Empty(t, added)
	assert.Empty(t, removed)

	l.set(keys, pads)
	m.Check()
	assert.Equal(t, []string{"Pads"}, added)

	// ids shift when a device goes away; identity is the name
	l.set(Device{ID: 1, Name: "Pads", Interface: "ALSA"})
	m.Check()
	assert.Equal(t, []string{"Keys"}, removed)
	assert.Equal(t, []string{"Pads"}, added)
	assert.Equal(t, int64(3), m.Checks())
}

func TestMonitorBacksOff(t *testing.T) {
	l := &deviceList{}
	m := NewMonitor(MonitorOptions{List: l.list, Interval: 10 * time.Millisecond, Log: logr.Discard()})
	m.known = map[string]Device{}

	for i := 0; i < quietPolls; i++ {
		m.Check()
	}
	assert.Equal(t, 10*time.Millisecond, m.Interval())
	for i := 0; i < 100; i++ {
		m.Check()
	}
	assert.Equal(t, MaxMonitorInterval, m.Interval())

	l.set(Device{Name: "Keys"})
	m.Check()
	assert.Equal(t, 10*time.Millisecond, m.Interval())
}

func TestMonitorKeepsSnapshotOnError(t *testing.T) {
	l := &deviceList{devices: []Device{{Name: "Keys"}}}
	var removed int
	m := NewMonitor(MonitorOptions{List: l.list, OnRemoved: func(Device) { removed++ }, Log: logr.Discard()})
	m.known = byName(l.devices)

	l.mu.Lock()
	l.err = errors.New("backend gone")
	l.mu.Unlock()
	m.Check()
	assert.Zero(t, removed)
	assert.Zero(t, m.Checks())
}

func TestMonitorRun(t *testing.T) {
	l := &deviceList{}
	added := make(chan Device, 1)
	m := NewMonitor(MonitorOptions{
		List:     l.list,
		Interval: time.Millisecond,
		OnAdded:  func(d Device) { added <- d },
		Log:      logr.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Checks() > 0 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Run(ctx), ErrMonitorRunning)

	l.set(Device{Name: "Keys"})
	select {
	case d := <-added:
		assert.Equal(t, "Keys", d.Name)
	case <-time.After(time.Second):
		t.Fatal("device not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
