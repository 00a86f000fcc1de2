package graph

import (
	"math"
	"sync/atomic"
)

// DiagnosticInterval is the minimum distance in samples between two
// overload diagnostics of one node.
const DiagnosticInterval = 24000

// output holds the gain, bypass and overload state shared by all nodes.
type output struct {
	bypassed atomic.Bool
	volume   atomic.Uint32

	overloads atomic.Uint64
	pending   atomic.Bool
	warnIn    int // audio-owned; samples until the next diagnostic
	interval  int
}

func (o *output) init() {
	o.volume.Store(math.Float32bits(1))
	o.interval = DiagnosticInterval
}

func (o *output) Bypassed() bool      { return o.bypassed.Load() }
func (o *output) SetBypassed(b bool)  { o.bypassed.Store(b) }
func (o *output) Volume() float32     { return math.Float32frombits(o.volume.Load()) }
func (o *output) SetVolume(v float32) { o.volume.Store(math.Float32bits(v)) }

// apply zeroes buf when bypassed and scales it by the volume otherwise.
func (o *output) apply(buf [][]float32, frames int) {
	if o.bypassed.Load() {
		zero(buf, frames)
		return
	}
	scale(buf, frames, o.Volume())
}

func scale(buf [][]float32, frames int, v float32) {
	if v == 1 {
		return
	}
	for _, ch := range buf {
		for i := range ch[:frames] {
			ch[i] *= v
		}
	}
}

// guardRange mutes the node when any sample leaves [-1, 1] and arms one
// diagnostic per interval. It reports whether the block was overloaded.
func (o *output) guardRange(buf [][]float32, frames int) bool {
	if o.warnIn > 0 {
		o.warnIn -= frames
		if o.warnIn < 0 {
			o.warnIn = 0
		}
	}
	if inRange(buf, frames) {
		return false
	}
	zero(buf, frames)
	o.SetVolume(0)
	o.overloads.Add(1)
	if o.warnIn == 0 {
		o.pending.Store(true)
		o.warnIn = o.interval
	}
	return true
}

func inRange(buf [][]float32, frames int) bool {
	for _, ch := range buf {
		for _, v := range ch[:frames] {
			if !(v >= -1 && v <= 1) {
				return false
			}
		}
	}
	return true
}

// diagnostic returns the armed overload diagnostic, once.
func (o *output) diagnostic(name string) error {
	if !o.pending.Swap(false) {
		return nil
	}
	return &OverloadError{Node: name, Count: o.overloads.Load()}
}
