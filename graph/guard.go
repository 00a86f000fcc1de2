package graph

import (
	"context"
	"sync/atomic"
	"time"
)

// Guard keeps topology mutations and audio traversals apart without a lock
// on the audio side. Traversals call Enter and Exit; a mutation brackets
// itself with Begin and End. While a mutation is pending, Enter fails and
// the node outputs silence.
type Guard struct {
	pending atomic.Int32
	active  atomic.Int32
	driven  atomic.Bool
}

// SetDriven records whether an audio thread is pulling blocks through the
// tree. Drivers set it for the duration of their loop.
func (g *Guard) SetDriven(b bool) { g.driven.Store(b) }

// Driven reports whether an audio thread is pulling blocks.
func (g *Guard) Driven() bool { return g.driven.Load() }

// Enter registers a traversal. It returns false while a mutation is
// pending, in which case Exit must not be called.
func (g *Guard) Enter() bool {
	g.active.Add(1)
	if g.pending.Load() > 0 {
		g.active.Add(-1)
		return false
	}
	return true
}

// Exit ends a traversal started by a successful Enter.
func (g *Guard) Exit() { g.active.Add(-1) }

// Busy reports whether a mutation is pending.
func (g *Guard) Busy() bool { return g.pending.Load() > 0 }

// Begin announces a mutation and waits until in-flight traversals have
// left. On cancellation the announcement is withdrawn.
func (g *Guard) Begin(ctx context.Context) error {
	g.pending.Add(1)
	for g.active.Load() > 0 {
		select {
		case <-ctx.Done():
			g.pending.Add(-1)
			return ctx.Err()
		default:
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}

// End withdraws a mutation announced by Begin.
func (g *Guard) End() { g.pending.Add(-1) }

// Do runs fn between Begin and End.
func (g *Guard) Do(ctx context.Context, fn func()) error {
	if err := g.Begin(ctx); err != nil {
		return err
	}
	defer g.End()
	fn()
	return nil
}
