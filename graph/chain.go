package graph

import "github.com/shaban/claphost/clap"

// Chain is a channel strip: children run strictly in order, each taking
// the previous child's audio and output events as its input.
type Chain struct {
	composite
}

var _ Parent = (*Chain)(nil)

// NewChain returns an empty chain. Nodes of one tree share g.
func NewChain(name string, g *Guard) *Chain {
	c := &Chain{}
	c.init(name, KindChain, g)
	return c
}

func (c *Chain) Process(in [][]float32, frames int) bool {
	walk, valid := c.enter(frames)
	if !walk {
		return valid
	}
	defer c.guard.Exit()

	prev := in
	var events *clap.EventList
	for _, n := range *c.kids.Load() {
		port, isPort := n.(EventPort)
		if isPort && events != nil && events.Size() > 0 {
			port.InEvents().CopyFrom(events)
		}
		ok := n.Process(prev, frames)
		prev = nil
		if ok {
			prev = n.Output()
		}
		events = nil
		if isPort {
			events = port.OutEvents()
		}
	}
	if prev != nil {
		for ch := range c.out {
			if ch < len(prev) && prev[ch] != nil {
				copy(c.out[ch][:frames], prev[ch][:frames])
			}
		}
	}
	c.finish(frames)
	return true
}
