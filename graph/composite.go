package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/shaban/claphost/host"
)

// composite is the child list, aggregation buffer and lifecycle shared by
// Chain and Group. The audio side reads kids only between Guard.Enter and
// Guard.Exit; mutations build a new slice and store it under the guard.
type composite struct {
	output
	name  string
	kind  string
	guard *Guard
	kids  atomic.Pointer[[]Node]
	out   [][]float32

	status    atomic.Int32
	processed atomic.Uint64
	silenced  atomic.Uint64

	mu         sync.Mutex // serializes main-side changes
	active     bool
	sampleRate float64
	blockSize  int
}

func (c *composite) init(name, kind string, g *Guard) {
	if g == nil {
		g = &Guard{}
	}
	c.name, c.kind, c.guard = name, kind, g
	c.output.init()
	empty := []Node{}
	c.kids.Store(&empty)
}

func (c *composite) Name() string        { return c.name }
func (c *composite) Kind() string        { return c.kind }
func (c *composite) Output() [][]float32 { return c.out }

// Guard returns the guard shared with the rest of the tree.
func (c *composite) Guard() *Guard { return c.guard }

// Status returns the composite's lifecycle state.
func (c *composite) Status() host.Status { return host.Status(c.status.Load()) }

// Children returns a copy of the child list.
func (c *composite) Children() []Node {
	return append([]Node(nil), *c.kids.Load()...)
}

// Len returns the number of children.
func (c *composite) Len() int { return len(*c.kids.Load()) }

// Activate allocates the aggregation buffer and activates every child. A
// child that fails is reported but does not stop its siblings. Buffers are
// swapped under the guard, so a running tree may be reactivated.
func (c *composite) Activate(sampleRate float64, blockSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	gerr := c.guard.Do(context.Background(), func() {
		c.out = newBuffers(blockSize)
		c.sampleRate, c.blockSize = sampleRate, blockSize
		for _, n := range *c.kids.Load() {
			if e := n.Activate(sampleRate, blockSize); e != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", n.Name(), e))
			}
		}
		c.active = true
		c.status.Store(int32(host.Starting))
	})
	return multierr.Append(gerr, err)
}

// Deactivate stops processing below the composite, silences it and
// deactivates every child. A driven tree gets one shared wait for the
// audio thread to run the stops; whatever is left is completed on a bound
// audio thread once no traversal can reach the children.
func (c *composite) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	if c.active && c.Status() != host.Inactive {
		requestAndAwait(context.Background(), c.guard, kids...)
	}
	c.status.Store(int32(host.Inactive))
	c.active = false
	err := c.guard.Do(context.Background(), func() {})
	CompleteStop(kids...)
	for _, n := range kids {
		err = multierr.Append(err, n.Deactivate())
	}
	return err
}

// Close deactivates and closes every child and empties the list.
func (c *composite) Close() error {
	err := c.Deactivate()
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	empty := []Node{}
	err = multierr.Append(err, c.guard.Do(context.Background(), func() { c.kids.Store(&empty) }))
	for _, n := range kids {
		err = multierr.Append(err, n.Close())
	}
	return err
}

// Insert places n at index i, activating it first when the composite is
// active.
func (c *composite) Insert(ctx context.Context, i int, n Node) error {
	if n == nil {
		return ErrNilNode
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	if i < 0 || i > len(kids) {
		return fmt.Errorf("%w %d for %s", ErrIndex, i, c.name)
	}
	if c.active {
		if err := n.Activate(c.sampleRate, c.blockSize); err != nil {
			return fmt.Errorf("activate %s: %w", n.Name(), err)
		}
	}
	next := make([]Node, 0, len(kids)+1)
	next = append(next, kids[:i]...)
	next = append(next, n)
	next = append(next, kids[i:]...)
	return c.publish(ctx, next)
}

// Append inserts n after the last child.
func (c *composite) Append(ctx context.Context, n Node) error {
	return c.Insert(ctx, c.Len(), n)
}

// Remove detaches the child at i and deactivates it. While the tree is
// driven the child's plugins stop on the audio thread before it is
// detached. The caller owns the returned node and closes it when done.
func (c *composite) Remove(ctx context.Context, i int) (Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	if i < 0 || i >= len(kids) {
		return nil, fmt.Errorf("%w %d for %s", ErrIndex, i, c.name)
	}
	n := kids[i]
	next := make([]Node, 0, len(kids)-1)
	next = append(next, kids[:i]...)
	next = append(next, kids[i+1:]...)
	if c.active {
		requestAndAwait(ctx, c.guard, n)
	}
	if err := c.publish(ctx, next); err != nil {
		if c.active {
			CompleteStop(n)
			resume(n)
		}
		return nil, err
	}
	CompleteStop(n)
	return n, n.Deactivate()
}

// Move moves the child at from to position to.
func (c *composite) Move(ctx context.Context, from, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	if from < 0 || from >= len(kids) {
		return fmt.Errorf("%w %d for %s", ErrIndex, from, c.name)
	}
	if to < 0 || to >= len(kids) {
		return fmt.Errorf("%w %d for %s", ErrIndex, to, c.name)
	}
	if from == to {
		return nil
	}
	n := kids[from]
	next := make([]Node, 0, len(kids))
	next = append(next, kids[:from]...)
	next = append(next, kids[from+1:]...)
	next = append(next[:to], append([]Node{n}, next[to:]...)...)
	return c.publish(ctx, next)
}

// Swap exchanges the children at i and j.
func (c *composite) Swap(ctx context.Context, i, j int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kids := *c.kids.Load()
	for _, k := range []int{i, j} {
		if k < 0 || k >= len(kids) {
			return fmt.Errorf("%w %d for %s", ErrIndex, k, c.name)
		}
	}
	next := append([]Node(nil), kids...)
	next[i], next[j] = next[j], next[i]
	return c.publish(ctx, next)
}

// publish stores next under the guard. A running composite resumes through
// Starting on its next block.
func (c *composite) publish(ctx context.Context, next []Node) error {
	return c.guard.Do(ctx, func() {
		c.kids.Store(&next)
		c.status.CompareAndSwap(int32(host.Running), int32(host.Starting))
	})
}

// enter starts a block. walk reports whether the children may be visited,
// in which case the caller must call guard.Exit. valid reports whether the
// aggregate was cleared for this block and may be read.
func (c *composite) enter(frames int) (walk, valid bool) {
	if !c.guard.Enter() {
		c.silenced.Add(1)
		return false, false
	}
	if c.out == nil {
		c.guard.Exit()
		return false, false
	}
	zero(c.out, frames)
	c.status.CompareAndSwap(int32(host.Starting), int32(host.Running))
	if c.Status() != host.Running {
		c.guard.Exit()
		return false, true
	}
	return true, true
}

// finish applies gain or bypass and the range check to the aggregate.
func (c *composite) finish(frames int) {
	c.apply(c.out, frames)
	c.guardRange(c.out, frames)
	c.processed.Add(1)
}

func (c *composite) Stats() Stats {
	return Stats{
		Name:      c.name,
		Kind:      c.kind,
		Status:    c.Status().String(),
		Processed: c.processed.Load(),
		Silenced:  c.silenced.Load(),
		Overloads: c.overloads.Load(),
	}
}

func (c *composite) Idle(report func(error)) {
	for _, n := range *c.kids.Load() {
		n.Idle(report)
	}
	if err := c.diagnostic(c.name); err != nil {
		report(err)
	}
}
