package graph

import (
	"context"
	"time"

	"github.com/shaban/claphost/host"
)

// DefaultStopWait bounds how long a stop waits for the audio thread to
// run stop_processing before it is completed on a bound helper thread.
const DefaultStopWait = 200 * time.Millisecond

// Stopper is implemented by leaves whose plugin has a processing stop
// handshake with the audio thread.
type Stopper interface {
	RequestStop()
	StopPending() bool
	// StopNow completes a requested stop. Audio thread.
	StopNow() bool
	// Resume restarts processing after a completed stop.
	Resume()
}

var _ Stopper = (*PluginNode)(nil)

// RequestStop asks every plugin under the given nodes to stop processing
// on its next block.
func RequestStop(nodes ...Node) {
	for _, s := range stoppers(nodes, false) {
		s.RequestStop()
	}
}

// StopPending reports whether a plugin under the given nodes has a stop
// outstanding.
func StopPending(nodes ...Node) bool {
	return len(stoppers(nodes, true)) > 0
}

// AwaitStop waits until the audio thread has stopped every plugin under
// the given nodes, for at most wait. It reports whether nothing is left
// pending.
func AwaitStop(ctx context.Context, wait time.Duration, nodes ...Node) bool {
	deadline := time.Now().Add(wait)
	for StopPending(nodes...) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(200 * time.Microsecond)
	}
	return true
}

// CompleteStop finishes every outstanding stop under the given nodes on
// one bound audio thread. The caller makes sure no traversal reaches them
// any more.
func CompleteStop(nodes ...Node) {
	pending := stoppers(nodes, true)
	if len(pending) == 0 {
		return
	}
	host.OnAudioThread(func() {
		for _, s := range pending {
			s.StopNow()
		}
	})
}

// resume restarts every stopped plugin under n.
func resume(n Node) {
	for _, s := range stoppers([]Node{n}, false) {
		s.Resume()
	}
}

// requestAndAwait requests a stop of every plugin under the given nodes
// and, while an audio thread drives the tree, waits for it to run the stops
// itself.
func requestAndAwait(ctx context.Context, g *Guard, nodes ...Node) {
	RequestStop(nodes...)
	if g.Driven() {
		AwaitStop(ctx, DefaultStopWait, nodes...)
	}
}

func stoppers(nodes []Node, pendingOnly bool) []Stopper {
	var out []Stopper
	for _, n := range nodes {
		Walk(n, func(_ string, n Node) {
			if s, ok := n.(Stopper); ok && (!pendingOnly || s.StopPending()) {
				out = append(out, s)
			}
		})
	}
	return out
}
