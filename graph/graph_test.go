package graph

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/internal/testplug"
	"github.com/shaban/claphost/library"
)

const (
	rate  = 48000.0
	block = 64
)

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

var loader = func() *library.Loader {
	testplug.Register()
	return library.NewLoader(static.Opener{}, logr.Discard())
}()

func plugin(t tb, name string, index int) *PluginNode {
	t.Helper()
	h := host.New(host.Options{StopTimeout: 2 * time.Millisecond})
	require.NoError(t, h.Load(loader, testplug.Path(name), index))
	return NewPluginNode(h, "")
}

func gainNode(t tb, gain, offset float64) *PluginNode {
	t.Helper()
	n := plugin(t, testplug.Duo, 0)
	require.True(t, n.Host().SetParameter(testplug.ParamGain, gain))
	require.True(t, n.Host().SetParameter(testplug.ParamOffset, offset))
	require.NoError(t, n.Host().Idle())
	return n
}

func constant(v float32) [][]float32 {
	buf := newBuffers(block)
	for _, ch := range buf {
		for i := range ch {
			ch[i] = v
		}
	}
	return buf
}

func TestChainProcessesInOrder(t *testing.T) {
	ctx := context.Background()
	c := NewChain("strip", nil)
	defer c.Close()
	require.NoError(t, c.Append(ctx, gainNode(t, 0.5, 0)))
	require.NoError(t, c.Append(ctx, gainNode(t, 1, 0.25)))
	require.NoError(t, c.Activate(rate, block))

	require.True(t, c.Process(constant(1), block))
	assert.Equal(t, constant(0.75), c.Output())
	assert.Equal(t, host.Running, c.Status())

	require.NoError(t, c.Swap(ctx, 0, 1))
	assert.Equal(t, host.Starting, c.Status(), "mutation resumes through Starting")
	require.True(t, c.Process(constant(1), block))
	assert.Equal(t, constant(0.625), c.Output())
	assert.Equal(t, host.Running, c.Status())
}

func TestChainForwardsEvents(t *testing.T) {
	ctx := context.Background()
	c := NewChain("strip", nil)
	defer c.Close()
	arp := plugin(t, testplug.Duo, 1)
	counter := plugin(t, testplug.Counter, 0)
	require.NoError(t, c.Append(ctx, arp))
	require.NoError(t, c.Append(ctx, counter))
	require.NoError(t, c.Activate(rate, block))

	require.True(t, arp.Host().SendNoteOn(0, 60, 0.8))
	require.True(t, c.Process(nil, block))
	assert.InDelta(t, 0.2, c.Output()[0][0], 1e-6, "counter saw the note and its octave")

	require.True(t, c.Process(nil, block))
	assert.InDelta(t, 0.2, c.Output()[1][block-1], 1e-6, "events are not forwarded twice")
}

func TestGroupSumsChildren(t *testing.T) {
	ctx := context.Background()
	g := NewGroup("bus", nil)
	defer g.Close()
	require.NoError(t, g.Append(ctx, gainNode(t, 0.25, 0)))
	require.NoError(t, g.Append(ctx, gainNode(t, 0.5, 0)))
	require.NoError(t, g.Activate(rate, block))

	require.True(t, g.Process(constant(1), block))
	assert.Equal(t, constant(0.75), g.Output())

	g.SetVolume(0.5)
	require.True(t, g.Process(constant(1), block))
	assert.Equal(t, constant(0.375), g.Output())

	g.SetBypassed(true)
	require.True(t, g.Process(constant(1), block))
	assert.Equal(t, constant(0), g.Output())
}

func TestPluginBypassPassesThrough(t *testing.T) {
	ctx := context.Background()
	c := NewChain("strip", nil)
	defer c.Close()
	hot := plugin(t, testplug.Hot, 0)
	require.NoError(t, c.Append(ctx, hot))
	require.NoError(t, c.Activate(rate, block))

	hot.SetBypassed(true)
	assert.True(t, hot.Bypassed())
	require.True(t, c.Process(constant(0.5), block))
	assert.Equal(t, constant(0.5), c.Output())
}

func TestZeroGainCompositeIsSilent(t *testing.T) {
	kinds := []struct {
		name  string
		index int
	}{
		{testplug.Duo, 0}, {testplug.Duo, 1}, {testplug.Counter, 0}, {testplug.Hot, 0},
	}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		var parent interface {
			Node
			Append(context.Context, Node) error
		}
		if rapid.Bool().Draw(rt, "group") {
			parent = NewGroup("bus", nil)
		} else {
			parent = NewChain("strip", nil)
		}
		defer parent.Close()
		n := rapid.IntRange(0, 6).Draw(rt, "children")
		for i := 0; i < n; i++ {
			k := kinds[rapid.IntRange(0, len(kinds)-1).Draw(rt, "kind")]
			require.NoError(rt, parent.Append(ctx, plugin(rt, k.name, k.index)))
		}
		parent.SetVolume(0)
		require.NoError(rt, parent.Activate(rate, block))

		blocks := rapid.IntRange(1, 4).Draw(rt, "blocks")
		for b := 0; b < blocks; b++ {
			require.True(rt, parent.Process(nil, block))
			for _, ch := range parent.Output() {
				for i, v := range ch {
					if v != 0 {
						rt.Fatalf("sample %d = %v with zero gain", i, v)
					}
				}
			}
		}
	})
}

func TestOverloadMutesAndRateLimits(t *testing.T) {
	ctx := context.Background()
	c := NewChain("strip", nil)
	defer c.Close()
	require.NoError(t, c.Append(ctx, plugin(t, testplug.Hot, 0)))
	require.NoError(t, c.Activate(rate, block))

	var reports []error
	report := func(err error) { reports = append(reports, err) }

	require.True(t, c.Process(nil, block))
	assert.Equal(t, constant(0), c.Output())
	assert.Equal(t, float32(0), c.Volume())
	c.Idle(report)
	require.Len(t, reports, 1)
	var oe *OverloadError
	require.ErrorAs(t, reports[0], &oe)
	assert.Equal(t, "strip", oe.Node)
	assert.True(t, errors.Is(reports[0], ErrOverload))

	// Unmuting overloads again, but the diagnostic stays quiet until the
	// interval has elapsed.
	c.SetVolume(1)
	c.Process(nil, block)
	c.Idle(report)
	assert.Len(t, reports, 1)
	assert.Equal(t, uint64(2), c.Stats().Overloads)

	for i := 0; i < DiagnosticInterval/block+1; i++ {
		c.Process(nil, block)
	}
	c.SetVolume(1)
	c.Process(nil, block)
	c.Idle(report)
	assert.Len(t, reports, 2)
}

func TestNaNCountsAsOverload(t *testing.T) {
	var o output
	o.init()
	buf := constant(0.1)
	buf[1][3] = float32(math.NaN())
	assert.True(t, o.guardRange(buf, block))
	assert.Equal(t, constant(0), buf)
}

func TestGuardSilencesWhilePending(t *testing.T) {
	ctx := context.Background()
	g := &Guard{}
	c := NewChain("strip", g)
	defer c.Close()
	require.NoError(t, c.Append(ctx, gainNode(t, 1, 0.5)))
	require.NoError(t, c.Activate(rate, block))
	require.True(t, c.Process(nil, block))

	require.NoError(t, g.Begin(ctx))
	assert.True(t, g.Busy())
	for i := 0; i < 3; i++ {
		assert.False(t, c.Process(nil, block))
	}
	assert.Equal(t, uint64(3), c.Stats().Silenced)
	g.End()

	require.True(t, c.Process(nil, block))
	assert.Equal(t, constant(0.5), c.Output())
}

func TestGuardBeginHonoursContext(t *testing.T) {
	g := &Guard{}
	require.True(t, g.Enter())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Begin(ctx), context.DeadlineExceeded)
	assert.False(t, g.Busy())
	g.Exit()
	require.NoError(t, g.Do(context.Background(), func() {}))
}

func TestMutationDuringTraversal(t *testing.T) {
	ctx := context.Background()
	g := &Guard{}
	root := NewGroup("root", g)
	strip := NewChain("strip", g)
	require.NoError(t, root.Append(ctx, strip))
	pool := make([]*PluginNode, 4)
	for i := range pool {
		pool[i] = gainNode(t, 0.5, 0)
	}
	require.NoError(t, root.Activate(rate, block))

	var stop atomic.Bool
	var wg sync.WaitGroup
	var silent, rendered atomic.Int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		in := constant(0.5)
		for !stop.Load() {
			if !root.Process(in, block) {
				silent.Add(1)
				continue
			}
			rendered.Add(1)
			for _, ch := range root.Output() {
				for _, v := range ch {
					if v < 0 || v > 0.5 {
						t.Errorf("sample %v outside any valid topology", v)
						return
					}
				}
			}
		}
	}()

	for round := 0; round < 50; round++ {
		for _, n := range pool {
			require.NoError(t, strip.Insert(ctx, 0, n))
		}
		require.NoError(t, strip.Move(ctx, 0, strip.Len()-1))
		require.NoError(t, strip.Swap(ctx, 1, 2))
		for strip.Len() > 0 {
			_, err := strip.Remove(ctx, strip.Len()-1)
			require.NoError(t, err)
		}
	}
	stop.Store(true)
	wg.Wait()
	assert.Positive(t, rendered.Load())

	for _, n := range pool {
		require.NoError(t, n.Close())
	}
	require.NoError(t, root.Close())
}

func TestStructuralIndexValidation(t *testing.T) {
	ctx := context.Background()
	c := NewChain("strip", nil)
	defer c.Close()
	require.NoError(t, c.Append(ctx, gainNode(t, 1, 0)))

	_, removeErr := c.Remove(ctx, 1)
	tests := []struct {
		name string
		err  error
	}{
		{"insert negative", c.Insert(ctx, -1, gainNode(t, 1, 0))},
		{"insert past end", c.Insert(ctx, 2, gainNode(t, 1, 0))},
		{"remove past end", removeErr},
		{"move from", c.Move(ctx, 3, 0)},
		{"move to", c.Move(ctx, 0, 1)},
		{"swap", c.Swap(ctx, 0, 5)},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.err, ErrIndex, tt.name)
	}
	assert.ErrorIs(t, c.Insert(ctx, 0, nil), ErrNilNode)
	assert.Equal(t, 1, c.Len())
}

func TestWalkVisitsTree(t *testing.T) {
	ctx := context.Background()
	root := NewGroup("root", nil)
	defer root.Close()
	strip := NewChain("drums", root.Guard())
	require.NoError(t, root.Append(ctx, strip))
	require.NoError(t, strip.Append(ctx, NewPluginNode(gainNode(t, 1, 0).Host(), "comp")))

	var paths []string
	Walk(root, func(path string, n Node) { paths = append(paths, path+":"+n.Kind()) })
	assert.Equal(t, []string{"root:Group", "root/drums:ChannelStrip", "root/drums/comp:PluginHost"}, paths)
}
