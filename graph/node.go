// Package graph arranges plugin hosts into a processing tree.
//
// Leaves wrap a host.Host. Composites own an ordered child list that the
// audio thread walks once per block; structural changes go through a Guard
// so the walk never sees a list being rewritten.
package graph

import (
	"errors"
	"fmt"

	"github.com/shaban/claphost/clap"
)

// Node kinds, as written to session descriptions.
const (
	KindChain  = "ChannelStrip"
	KindGroup  = "Group"
	KindPlugin = "PluginHost"
	KindRemote = "Remote"
)

// Channels is the fixed width of every node buffer.
const Channels = 2

var (
	ErrIndex    = errors.New("invalid position")
	ErrOverload = errors.New("output overload")
	ErrNilNode  = errors.New("nil node")
)

// Node is one unit of the processing tree.
type Node interface {
	Name() string
	Kind() string
	// Activate prepares buffers for blockSize frames. Main thread.
	Activate(sampleRate float64, blockSize int) error
	// Deactivate stops processing and releases plugin activation. Main thread.
	Deactivate() error
	// Process renders frames into Output from in, which may be nil for
	// silence. It reports whether Output holds this block; when false the
	// node contributes silence. Audio thread.
	Process(in [][]float32, frames int) bool
	Output() [][]float32
	Bypassed() bool
	SetBypassed(bool)
	Volume() float32
	SetVolume(float32)
	Stats() Stats
	// Idle runs main-thread housekeeping and hands contained failures to
	// report.
	Idle(report func(error))
	// Close deactivates the node and releases what it owns. Main thread.
	Close() error
}

// EventPort is implemented by nodes that take part in event forwarding
// inside a chain.
type EventPort interface {
	InEvents() *clap.EventList
	OutEvents() *clap.EventList
}

// Parent is implemented by composites.
type Parent interface {
	Node
	Children() []Node
}

// Stats is a snapshot of a node's counters.
type Stats struct {
	Name      string
	Kind      string
	Status    string
	Processed uint64
	Silenced  uint64
	Overloads uint64
	Misses    uint64
	Dropped   uint64
}

// Walk visits n and every descendant depth first. path is the slash
// separated list of names from the root.
func Walk(n Node, fn func(path string, n Node)) {
	walk("", n, fn)
}

func walk(prefix string, n Node, fn func(string, Node)) {
	path := n.Name()
	if prefix != "" {
		path = prefix + "/" + path
	}
	fn(path, n)
	if p, ok := n.(Parent); ok {
		for _, c := range p.Children() {
			walk(path, c, fn)
		}
	}
}

// OverloadError is reported from Idle after a node muted itself.
type OverloadError struct {
	Node  string
	Count uint64
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("%s: %s muted after %d overloaded block(s)", ErrOverload, e.Node, e.Count)
}

func (e *OverloadError) Unwrap() error { return ErrOverload }

func newBuffers(frames int) [][]float32 {
	out := make([][]float32, Channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	return out
}

func zero(buf [][]float32, frames int) {
	for _, ch := range buf {
		clear(ch[:frames])
	}
}
