package claphost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/host"
)

// Driver pulls fixed-size blocks from a root node on a pinned audio
// thread, either paced by the block period or freewheeling.
type Driver struct {
	root       graph.Node
	sampleRate float64
	frames     int
	period     time.Duration

	input   func(in [][]float32, frames int)
	sink    func(out [][]float32, frames int)
	in      [][]float32
	silence [][]float32

	blocks  atomic.Uint64
	invalid atomic.Uint64
	late    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewDriver returns a driver for root rendering frames per block.
func NewDriver(root graph.Node, sampleRate float64, frames int) *Driver {
	return &Driver{
		root:       root,
		sampleRate: sampleRate,
		frames:     frames,
		period:     time.Duration(float64(frames) / sampleRate * float64(time.Second)),
		in:         [][]float32{make([]float32, frames), make([]float32, frames)},
		silence:    [][]float32{make([]float32, frames), make([]float32, frames)},
	}
}

// SetInput installs a function that fills the root's input each block.
// Without one the root receives silence. Not while running.
func (d *Driver) SetInput(fn func(in [][]float32, frames int)) { d.input = fn }

// SetSink installs the consumer of every rendered block. It runs on the
// audio thread and must not block. Not while running.
func (d *Driver) SetSink(fn func(out [][]float32, frames int)) { d.sink = fn }

// Frames returns the block size.
func (d *Driver) Frames() int { return d.frames }

// Period returns the duration of one block.
func (d *Driver) Period() time.Duration { return d.period }

// Blocks returns how many blocks were rendered.
func (d *Driver) Blocks() uint64 { return d.blocks.Load() }

// Invalid returns how many blocks the root did not produce.
func (d *Driver) Invalid() uint64 { return d.invalid.Load() }

// Late returns how many paced blocks missed their deadline.
func (d *Driver) Late() uint64 { return d.late.Load() }

// RenderBlock processes one block and returns the root output, or silence
// when the root produced nothing. Audio thread.
func (d *Driver) RenderBlock() [][]float32 {
	var in [][]float32
	if d.input != nil {
		d.input(d.in, d.frames)
		in = d.in
	}
	out := d.silence
	if d.root.Process(in, d.frames) {
		out = d.root.Output()
	} else {
		d.invalid.Add(1)
	}
	d.blocks.Add(1)
	if d.sink != nil {
		d.sink(out, d.frames)
	}
	return out
}

// Run renders blocks on the calling goroutine until ctx is done or, when
// blocks is positive, that many blocks were rendered. realtime paces the
// loop by the block period.
func (d *Driver) Run(ctx context.Context, blocks int, realtime bool) error {
	unbind := host.BindAudioThread()
	defer unbind()
	if g, ok := d.root.(interface{ Guard() *graph.Guard }); ok {
		g.Guard().SetDriven(true)
		defer g.Guard().SetDriven(false)
	}
	next := time.Now()
	for n := 0; blocks <= 0 || n < blocks; n++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.RenderBlock()
		if !realtime {
			continue
		}
		next = next.Add(d.period)
		wait := time.Until(next)
		if wait < 0 {
			if -wait > d.period {
				d.late.Add(1)
				next = time.Now()
			}
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

// Start runs the driver on its own goroutine until Stop.
func (d *Driver) Start(realtime bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel, d.done = cancel, make(chan error, 1)
	go func() { d.done <- d.Run(ctx, 0, realtime) }()
	return nil
}

// Stop ends a driver started with Start and waits for its last block.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	err := <-d.done
	d.cancel, d.done = nil, nil
	return err
}
