package midiin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultMonitorInterval = 50 * time.Millisecond
	MaxMonitorInterval     = 200 * time.Millisecond
	// quietPolls unchanged polls before the interval starts to grow.
	quietPolls = 10
)

var ErrMonitorRunning = errors.New("device monitor already running")

// MonitorOptions configure a Monitor. Nil callbacks are skipped.
type MonitorOptions struct {
	// List enumerates devices. Defaults to Devices.
	List      func() ([]Device, error)
	Interval  time.Duration
	OnAdded   func(Device)
	OnRemoved func(Device)
	Log       logr.Logger
}

// Monitor polls the MIDI input list and reports devices that appear or
// disappear. The interval backs off while nothing changes and snaps back
// to the base interval after a change.
type Monitor struct {
	opts MonitorOptions
	log  logr.Logger

	mu       sync.Mutex
	running  bool
	known    map[string]Device
	interval time.Duration
	quiet    int
	checks   int64
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.List == nil {
		opts.List = Devices
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	return &Monitor{opts: opts, log: opts.Log.WithName("monitor"), interval: opts.Interval}
}

// Interval returns the current polling interval.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Checks returns how many polls completed.
func (m *Monitor) Checks() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

// Run takes an initial snapshot without reporting it and polls until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrMonitorRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	devices, err := m.opts.List()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.known = byName(devices)
	m.mu.Unlock()

	t := time.NewTimer(m.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		m.Check()
		t.Reset(m.Interval())
	}
}

// Check polls once and fires the callbacks for every difference to the
// previous poll. List errors are logged and leave the snapshot untouched.
func (m *Monitor) Check() {
	devices, err := m.opts.List()
	if err != nil {
		m.log.Error(err, "device enumeration failed")
		return
	}
	current := byName(devices)

	m.mu.Lock()
	var added, removed []Device
	for name, d := range current {
		if _, ok := m.known[name]; !ok {
			added = append(added, d)
		}
	}
	for name, d := range m.known {
		if _, ok := current[name]; !ok {
			removed = append(removed, d)
		}
	}
	m.known = current
	m.checks++
	if len(added) == 0 && len(removed) == 0 {
		m.quiet++
		if m.quiet > quietPolls {
			m.interval = min(m.interval*11/10, MaxMonitorInterval)
		}
	} else {
		m.quiet = 0
		m.interval = m.opts.Interval
	}
	m.mu.Unlock()

	for _, d := range added {
		m.log.V(1).Info("MIDI input added", "name", d.Name, "id", d.ID)
		if m.opts.OnAdded != nil {
			m.opts.OnAdded(d)
		}
	}
	for _, d := range removed {
		m.log.V(1).Info("MIDI input removed", "name", d.Name, "id", d.ID)
		if m.opts.OnRemoved != nil {
			m.opts.OnRemoved(d)
		}
	}
}

func byName(devices []Device) map[string]Device {
	out := make(map[string]Device, len(devices))
	for _, d := range devices {
		out[d.Interface+"/"+d.Name] = d
	}
	return out
}
