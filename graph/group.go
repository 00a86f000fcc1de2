package graph

// Group is a summing bus: every child renders the group's input and the
// outputs are added.
type Group struct {
	composite
}

var _ Parent = (*Group)(nil)

// NewGroup returns an empty group. Nodes of one tree share g.
func NewGroup(name string, g *Guard) *Group {
	grp := &Group{}
	grp.init(name, KindGroup, g)
	return grp
}

func (g *Group) Process(in [][]float32, frames int) bool {
	walk, valid := g.enter(frames)
	if !walk {
		return valid
	}
	defer g.guard.Exit()

	for _, n := range *g.kids.Load() {
		if !n.Process(in, frames) {
			continue
		}
		out := n.Output()
		for ch := range g.out {
			if ch >= len(out) || out[ch] == nil {
				continue
			}
			dst, src := g.out[ch][:frames], out[ch][:frames]
			for i := range dst {
				dst[i] += src[i]
			}
		}
	}
	g.finish(frames)
	return true
}
