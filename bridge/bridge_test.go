package bridge

import (
	"context"
	"encoding/json"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/internal/testplug"
	"github.com/shaban/claphost/internal/testutil"
	"github.com/shaban/claphost/internal/threadid"
	"github.com/shaban/claphost/library"
)

const (
	rate  = 48000.0
	block = 64
)

func newChild(t *testing.T, mem *Memory) *Child {
	t.Helper()
	testplug.Register()
	l := library.NewLoader(static.Opener{}, logr.Discard())
	c := NewChild(context.Background(), l, mem, logr.Discard())
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

// fakeControl accepts every call; a test goroutine plays the child's audio
// side on the transport.
type fakeControl struct {
	names chan Names
}

func newFakeControl() *fakeControl { return &fakeControl{names: make(chan Names, 1)} }

func (f *fakeControl) Load(string, int) error            { return nil }
func (f *fakeControl) Attach(n Names) error              { f.names <- n; return nil }
func (f *fakeControl) Activate(float64, int) error       { return nil }
func (f *fakeControl) Deactivate() error                 { return nil }
func (f *fakeControl) SaveState() ([]byte, error)        { return nil, nil }
func (f *fakeControl) LoadState([]byte) (int, error)     { return 0, nil }
func (f *fakeControl) Describe() (clap.Descriptor, error) { return clap.Descriptor{Name: "fake"}, nil }
func (f *fakeControl) Close() error                      { return nil }

func fakeRemote(t *testing.T, opts Options) (*Remote, *Transport) {
	t.Helper()
	mem := NewMemory()
	opts.IPC = mem
	ctl := newFakeControl()
	r, err := NewRemote(ctl, "fake.clap", 0, opts)
	require.NoError(t, err)
	tr, err := mem.Open(<-ctl.names)
	require.NoError(t, err)
	require.NoError(t, r.Activate(rate, block))
	return r, tr
}

func TestNamesDeriveFromUUID(t *testing.T) {
	n := NewNames()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), n.ID)
	assert.Equal(t, "/claphost_"+n.ID+"_shm", n.Shm)
	assert.Equal(t, "/claphost_"+n.ID+"_h2p", n.HostToPlugin)
	assert.Equal(t, "/claphost_"+n.ID+"_p2h", n.PluginToHost)
	assert.NotEqual(t, n.ID, NewNames().ID)
	assert.Equal(t, 2*Channels*BlockFrames*4, SharedBlockSize)
}

func TestRemoteProcessesThroughChild(t *testing.T) {
	mem := NewMemory()
	r, err := NewRemote(newChild(t, mem), testplug.Path(testplug.Duo), 0, Options{IPC: mem, WaitFactor: 200})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "Test Gain", r.Name())
	assert.Equal(t, testplug.GainID, r.Descriptor().ID)

	n, err := r.LoadState([]byte(`{"0": 0.5}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Activate(rate, block))
	for i := 0; i < 3; i++ {
		require.True(t, r.Process(testutil.Stereo(block, 0.8), block))
		assert.Equal(t, testutil.Stereo(block, 0.4), r.Output())
	}
	assert.Equal(t, host.Running, r.Status())
	assert.Equal(t, uint64(3), r.Stats().Processed)
	assert.Zero(t, r.Stats().Misses)

	r.SetVolume(0.5)
	require.True(t, r.Process(testutil.Stereo(block, 0.8), block))
	assert.Equal(t, testutil.Stereo(block, 0.2), r.Output())

	data, err := r.SaveState()
	require.NoError(t, err)
	var values map[string]float64
	require.NoError(t, json.Unmarshal(data, &values))
	assert.Equal(t, 0.5, values["0"])
}

func TestChildStopsBetweenBlocks(t *testing.T) {
	if threadid.Current() == 0 {
		t.Skip("no thread identity on this platform")
	}
	mem := NewMemory()
	r, err := NewRemote(newChild(t, mem), testplug.Path(testplug.Duo), 0, Options{IPC: mem, WaitFactor: 200})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Activate(rate, block))
	for i := 0; i < 2; i++ {
		require.True(t, r.Process(testutil.Stereo(block, 0.8), block))
	}

	total, off := testplug.Stops()
	start := time.Now()
	require.NoError(t, r.Deactivate())
	assert.Less(t, time.Since(start), host.DefaultStopTimeout, "the worker completes the stop")
	total2, off2 := testplug.Stops()
	assert.Equal(t, int64(1), total2-total)
	assert.Equal(t, off, off2)
}

func TestRemoteNeverReadsBeforeReady(t *testing.T) {
	r, tr := fakeRemote(t, Options{WaitFactor: 400})
	defer r.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b := tr.Block()
		for i := 0; i < 5; i++ {
			ok, err := tr.HostToPlugin.TimedWait(time.Second)
			if err != nil || !ok {
				return
			}
			for c := range b.Out {
				for j := range b.Out[c][:block] {
					b.Out[c][j] = 0.25
				}
			}
			time.Sleep(2 * time.Millisecond)
			for c := range b.Out {
				for j := range b.Out[c][:block] {
					b.Out[c][j] = b.In[c][j] * 2
				}
			}
			if tr.PluginToHost.Post() != nil {
				return
			}
		}
	}()

	for i := 1; i <= 5; i++ {
		v := float32(i) / 16
		require.True(t, r.Process(testutil.Stereo(block, v), block), "block %d", i)
		assert.Equal(t, testutil.Stereo(block, 2*v), r.Output(), "block %d", i)
	}
	<-done
	assert.Zero(t, r.Stats().Misses)
}

func TestRemoteKillsChildAfterConsecutiveMisses(t *testing.T) {
	r, _ := fakeRemote(t, Options{MaxMisses: 3, MinWait: time.Millisecond, WaitFactor: 0.01})
	var kills atomic.Int32
	r.kill = func() { kills.Add(1) }
	assert.Equal(t, time.Millisecond, r.Timeout())

	for i := 0; i < 3; i++ {
		assert.False(t, r.Process(testutil.Stereo(block, 0.5), block))
	}
	assert.Equal(t, uint64(3), r.Stats().Misses)
	assert.Equal(t, host.OnError, r.Status())
	assert.False(t, r.Process(nil, block))
	assert.Equal(t, uint64(3), r.Stats().Misses, "a failed node no longer waits")

	var reports []error
	r.Idle(func(err error) { reports = append(reports, err) })
	r.Idle(func(err error) { reports = append(reports, err) })
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0], ErrChildGone)
	assert.ErrorIs(t, reports[0], ErrIPC)
	assert.Equal(t, int32(1), kills.Load())

	assert.ErrorIs(t, r.Activate(rate, block), ErrChildGone)
	require.NoError(t, r.Close())
	assert.Equal(t, int32(1), kills.Load())
}

func TestRemoteAbsorbsLatePost(t *testing.T) {
	r, tr := fakeRemote(t, Options{MinWait: 50 * time.Millisecond, WaitFactor: 0.01})
	defer r.Close()

	release, posted := make(chan struct{}), make(chan struct{})
	go func() {
		b := tr.Block()
		if ok, _ := tr.HostToPlugin.TimedWait(time.Second); !ok {
			return
		}
		<-release
		for c := range b.Out {
			for j := range b.Out[c][:block] {
				b.Out[c][j] = 0.1
			}
		}
		_ = tr.PluginToHost.Post()
		close(posted)

		if ok, _ := tr.HostToPlugin.TimedWait(time.Second); !ok {
			return
		}
		for c := range b.Out {
			copy(b.Out[c][:block], b.In[c][:block])
		}
		_ = tr.PluginToHost.Post()
	}()

	assert.False(t, r.Process(testutil.Stereo(block, 0.3), block))
	close(release)
	<-posted

	require.True(t, r.Process(testutil.Stereo(block, 0.3), block))
	assert.Equal(t, testutil.Stereo(block, 0.3), r.Output())
	assert.Equal(t, uint64(1), r.Late())
	assert.Equal(t, uint64(1), r.Stats().Misses)
	assert.Equal(t, host.Running, r.Status())
}

func TestRemoteDiscardsReplyLandingMidWait(t *testing.T) {
	r, tr := fakeRemote(t, Options{MinWait: 40 * time.Millisecond, WaitFactor: 0.01})
	defer r.Close()

	missed, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		b := tr.Block()
		if ok, _ := tr.HostToPlugin.TimedWait(time.Second); !ok {
			return
		}
		<-missed
		time.Sleep(10 * time.Millisecond)
		for c := range b.Out {
			for j := range b.Out[c][:block] {
				b.Out[c][j] = 0.9
			}
		}
		_ = tr.PluginToHost.Post()

		if ok, _ := tr.HostToPlugin.TimedWait(time.Second); !ok {
			return
		}
		for c := range b.Out {
			copy(b.Out[c][:block], b.In[c][:block])
		}
		_ = tr.PluginToHost.Post()
	}()

	assert.False(t, r.Process(testutil.Stereo(block, 0.5), block))
	close(missed)
	require.True(t, r.Process(testutil.Stereo(block, 0.3), block))
	assert.Equal(t, testutil.Stereo(block, 0.3), r.Output(), "the stale reply must not stand in for this block")
	<-done
	assert.Equal(t, uint64(1), r.Late())
	assert.Equal(t, uint64(1), r.Stats().Misses)
}

func TestRemoteStaysSilentWhileReplyOwed(t *testing.T) {
	r, tr := fakeRemote(t, Options{MinWait: 5 * time.Millisecond, WaitFactor: 0.01})
	defer r.Close()

	assert.False(t, r.Process(testutil.Stereo(block, 0.5), block))
	ok, err := tr.HostToPlugin.TimedWait(time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, r.Process(testutil.Stereo(block, 0.5), block))
	assert.False(t, tr.HostToPlugin.TryWait(), "no new block is posted while a reply is owed")
	assert.Equal(t, uint64(2), r.Stats().Misses)
	assert.Zero(t, r.Late())
}

func TestRemoteBypassSkipsChild(t *testing.T) {
	r, _ := fakeRemote(t, Options{MinWait: time.Millisecond, WaitFactor: 0.01})
	defer r.Close()
	r.SetBypassed(true)
	require.True(t, r.Process(testutil.Stereo(block, 0.3), block))
	assert.Equal(t, testutil.Stereo(block, 0.3), r.Output())
	assert.Zero(t, r.Stats().Misses)
}

func TestRemoteRejectsOversizedBlocks(t *testing.T) {
	mem := NewMemory()
	r, err := NewRemote(newFakeControl(), "fake.clap", 0, Options{IPC: mem})
	require.NoError(t, err)
	defer r.Close()
	assert.ErrorIs(t, r.Activate(rate, BlockFrames*2), ErrBlockSize)
}

func TestControlOverRPC(t *testing.T) {
	mem := NewMemory()
	client, _ := plugin.TestPluginRPCConn(t, PluginMap(newChild(t, mem)), nil)
	defer client.Close()
	raw, err := client.Dispense(PluginName)
	require.NoError(t, err)
	ctl, ok := raw.(Control)
	require.True(t, ok)

	r, err := NewRemote(ctl, testplug.Path(testplug.Duo), 0, Options{IPC: mem, WaitFactor: 200})
	require.NoError(t, err)
	assert.Equal(t, testplug.GainID, r.Descriptor().ID)

	require.NoError(t, r.Activate(rate, block))
	require.True(t, r.Process(testutil.Stereo(block, 0.5), block))
	assert.Equal(t, testutil.Stereo(block, 0.5), r.Output())

	_, err = r.LoadState([]byte("not state"))
	assert.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), host.ErrStateRejected.Error())

	require.NoError(t, r.Close())
}

func TestLoadFailureClosesTransport(t *testing.T) {
	mem := NewMemory()
	client, _ := plugin.TestPluginRPCConn(t, PluginMap(newChild(t, mem)), nil)
	defer client.Close()
	raw, err := client.Dispense(PluginName)
	require.NoError(t, err)

	_, err = NewRemote(raw.(Control), testplug.Path(testplug.Duo), 7, Options{IPC: mem})
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), host.ErrNoSuchIndex.Error())
	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Empty(t, mem.objects)
}

func TestPOSIXTransport(t *testing.T) {
	testutil.SkipUnlessEnv(t, "CLAPHOST_POSIX_IPC", "1")
	n := NewNames()
	parent, err := POSIX{}.Create(n)
	require.NoError(t, err)
	child, err := POSIX{}.Open(n)
	require.NoError(t, err)

	parent.Block().In[1][3] = 0.75
	require.NoError(t, parent.HostToPlugin.Post())
	ok, err := child.HostToPlugin.TimedWait(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float32(0.75), child.Block().In[1][3])

	ok, err = parent.PluginToHost.TimedWait(2 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "nothing posted yet")
	assert.False(t, parent.PluginToHost.TryWait())

	require.NoError(t, child.Close())
	require.NoError(t, parent.Close())
	_, err = POSIX{}.Open(n)
	assert.ErrorIs(t, err, ErrIPC, "names are unlinked")
}
