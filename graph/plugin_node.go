package graph

import (
	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/host"
)

// PluginNode is a leaf wrapping one plugin host. Bypass is delegated to
// the host, which then passes its input through.
type PluginNode struct {
	output
	host *host.Host
	name string
	out  [][]float32
}

var (
	_ Node      = (*PluginNode)(nil)
	_ EventPort = (*PluginNode)(nil)
)

// NewPluginNode wraps h. name defaults to the plugin's display name.
func NewPluginNode(h *host.Host, name string) *PluginNode {
	if name == "" {
		name = h.Name()
	}
	n := &PluginNode{host: h, name: name}
	n.output.init()
	return n
}

// Host returns the wrapped host.
func (n *PluginNode) Host() *host.Host { return n.host }

func (n *PluginNode) Name() string { return n.name }

// SetName renames the node. Main thread, before the node is inserted.
func (n *PluginNode) SetName(name string) { n.name = name }
func (n *PluginNode) Kind() string { return KindPlugin }

func (n *PluginNode) Activate(sampleRate float64, blockSize int) error {
	n.out = newBuffers(blockSize)
	return n.host.Activate(sampleRate, blockSize)
}

func (n *PluginNode) Deactivate() error { return n.host.Deactivate() }

func (n *PluginNode) Process(in [][]float32, frames int) bool {
	if n.out == nil {
		return false
	}
	if n.host.Process(in, n.out, frames) || n.host.Bypassed() {
		scale(n.out, frames, n.Volume())
	}
	return true
}

func (n *PluginNode) Output() [][]float32 { return n.out }

func (n *PluginNode) Bypassed() bool     { return n.host.Bypassed() }
func (n *PluginNode) SetBypassed(b bool) { n.host.SetBypassed(b) }

func (n *PluginNode) InEvents() *clap.EventList  { return n.host.InEvents() }
func (n *PluginNode) OutEvents() *clap.EventList { return n.host.OutEvents() }

func (n *PluginNode) Stats() Stats {
	s := n.host.Stats()
	return Stats{
		Name:      n.name,
		Kind:      KindPlugin,
		Status:    s.Status.String(),
		Processed: s.Processed,
		Dropped:   s.Dropped,
	}
}

func (n *PluginNode) Idle(report func(error)) {
	if err := n.host.Idle(); err != nil {
		report(err)
	}
}

// Close unloads the plugin and releases its binary reference.
func (n *PluginNode) Close() error { return n.host.Unload() }

// RequestStop asks the host to stop processing on its next block.
func (n *PluginNode) RequestStop() { n.host.RequestStop() }

// StopPending reports whether the host's stop is outstanding.
func (n *PluginNode) StopPending() bool { return n.host.StopPending() }

// StopNow completes a requested stop. Audio thread.
func (n *PluginNode) StopNow() bool { return n.host.StopNow() }

// Resume restarts processing after a completed stop.
func (n *PluginNode) Resume() { n.host.Resume() }
