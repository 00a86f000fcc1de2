package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/internal/testplug"
	"github.com/shaban/claphost/internal/threadid"
)

func requireThreadIdentity(t *testing.T) {
	t.Helper()
	if threadid.Current() == 0 {
		t.Skip("no thread identity on this platform")
	}
}

// slowStopping is a gain node whose host would wait a long time before
// completing a stop itself.
func slowStopping(t *testing.T) *PluginNode {
	t.Helper()
	h := host.New(host.Options{StopTimeout: time.Second})
	require.NoError(t, h.Load(loader, testplug.Path(testplug.Duo), 0))
	return NewPluginNode(h, "")
}

// drive pulls blocks through root on a bound audio thread until the
// returned func is called.
func drive(root *Group) (stop func()) {
	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unbind := host.BindAudioThread()
		defer unbind()
		root.Guard().SetDriven(true)
		defer root.Guard().SetDriven(false)
		for !done.Load() {
			root.Process(nil, block)
			time.Sleep(100 * time.Microsecond)
		}
	}()
	return func() {
		done.Store(true)
		wg.Wait()
	}
}

func TestRemoveWhileDrivenStopsOnAudioThread(t *testing.T) {
	requireThreadIdentity(t)
	ctx := context.Background()
	root := NewGroup("root", nil)
	defer root.Close()
	a, b := slowStopping(t), slowStopping(t)
	require.NoError(t, root.Append(ctx, a))
	require.NoError(t, root.Append(ctx, b))
	require.NoError(t, root.Activate(rate, block))

	stop := drive(root)
	defer stop()
	require.Eventually(t, func() bool { return b.Host().Status() == host.Running }, time.Second, time.Millisecond)

	total, off := testplug.Stops()
	start := time.Now()
	n, err := root.Remove(ctx, 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), DefaultStopWait)
	defer n.Close()

	total2, off2 := testplug.Stops()
	assert.Equal(t, int64(1), total2-total)
	assert.Equal(t, off, off2, "stop_processing ran outside the audio thread")
	assert.Equal(t, host.Inactive, b.Host().Status())
	assert.Equal(t, host.Running, a.Host().Status())
}

func TestDeactivateCompletesStopsTogether(t *testing.T) {
	requireThreadIdentity(t)
	ctx := context.Background()
	root := NewGroup("root", nil)
	defer root.Close()
	strip := NewChain("strip", root.Guard())
	require.NoError(t, root.Append(ctx, strip))
	nodes := make([]*PluginNode, 5)
	for i := range nodes {
		nodes[i] = slowStopping(t)
		require.NoError(t, strip.Append(ctx, nodes[i]))
	}
	require.NoError(t, root.Activate(rate, block))
	host.OnAudioThread(func() {
		root.Process(nil, block)
		root.Process(nil, block)
	})
	require.Equal(t, host.Running, nodes[4].Host().Status())

	total, off := testplug.Stops()
	start := time.Now()
	require.NoError(t, root.Deactivate())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "no per-plugin stop timeout")

	total2, off2 := testplug.Stops()
	assert.Equal(t, int64(len(nodes)), total2-total)
	assert.Equal(t, off, off2)
	for _, n := range nodes {
		assert.Equal(t, host.Inactive, n.Host().Status())
	}
}

func TestRemoveFailureResumesNode(t *testing.T) {
	root := NewGroup("root", nil)
	defer root.Close()
	n := gainNode(t, 1, 0.25)
	require.NoError(t, root.Append(context.Background(), n))
	require.NoError(t, root.Activate(rate, block))
	require.True(t, root.Process(nil, block))

	require.True(t, root.Guard().Enter())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := root.Remove(ctx, 0)
	root.Guard().Exit()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 1, root.Len())
	assert.Equal(t, host.Starting, n.Host().Status())
	require.True(t, root.Process(nil, block))
	assert.Equal(t, constant(0.25), root.Output())
}
