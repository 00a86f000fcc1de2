package bridge

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-plugin"
	"go.uber.org/multierr"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/host"
)

// Defaults of the bounded wait.
const (
	DefaultWaitFactor = 4
	DefaultMinWait    = 2 * time.Millisecond
	DefaultMaxMisses  = 8
)

// ChildCommand is the hidden subcommand that runs the child entry.
const ChildCommand = "bridge-child"

// Options configure a Remote.
type Options struct {
	// Executable is the child binary. Empty means the running executable.
	Executable string
	// Args are passed to the child. Nil means ChildCommand.
	Args []string
	// WaitFactor scales the block duration into the output wait.
	WaitFactor float64
	MinWait    time.Duration
	// MaxMisses consecutive timeouts kill the child.
	MaxMisses int
	// IPC defaults to POSIX.
	IPC   IPC
	Log   logr.Logger
	Debug bool
}

func (o *Options) defaults() {
	if o.WaitFactor <= 0 {
		o.WaitFactor = DefaultWaitFactor
	}
	if o.MinWait <= 0 {
		o.MinWait = DefaultMinWait
	}
	if o.MaxMisses <= 0 {
		o.MaxMisses = DefaultMaxMisses
	}
	if o.IPC == nil {
		o.IPC = POSIX{}
	}
}

// Remote is a graph leaf whose plugin lives in a child process.
type Remote struct {
	ctl   Control
	tr    *Transport
	kill  func()
	log   logr.Logger
	opts  Options
	desc  clap.Descriptor
	path  string
	index int
	name  string

	bypassed atomic.Bool
	volume   atomic.Uint32
	status   atomic.Int32

	out       [][]float32
	blockSize int
	timeout   time.Duration

	consecutive int  // audio-owned
	owed        bool // audio-owned; a timed-out block's reply is still due
	processed   atomic.Uint64
	misses      atomic.Uint64
	late        atomic.Uint64
	failed      atomic.Bool
	reported    bool
}

var _ graph.Node = (*Remote)(nil)

// Start launches the child executable, connects the control plane and
// loads the plugin at index in path.
func Start(path string, index int, opts Options) (*Remote, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIPC, err)
		}
	}
	args := opts.Args
	if args == nil {
		args = []string{ChildCommand}
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(exe, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           NewLogger(opts.Debug),
	})
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: connect to child: %v", ErrIPC, err)
	}
	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("%w: dispense: %v", ErrIPC, err)
	}
	ctl, ok := raw.(Control)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("%w: child does not serve the control interface", ErrIPC)
	}
	r, err := NewRemote(ctl, path, index, opts)
	if err != nil {
		client.Kill()
		return nil, err
	}
	r.kill = client.Kill
	return r, nil
}

// NewRemote creates the transport, loads the plugin through ctl and
// attaches the child's worker.
func NewRemote(ctl Control, path string, index int, opts Options) (*Remote, error) {
	opts.defaults()
	r := &Remote{ctl: ctl, opts: opts, log: opts.Log.WithName("bridge"), path: path, index: index}
	r.volume.Store(math.Float32bits(1))
	r.status.Store(int32(host.Inactive))

	tr, err := opts.IPC.Create(NewNames())
	if err != nil {
		return nil, err
	}
	r.tr = tr
	if err := ctl.Load(path, index); err != nil {
		return nil, multierr.Append(err, tr.Close())
	}
	if err := ctl.Attach(tr.Names); err != nil {
		return nil, multierr.Combine(err, ctl.Close(), tr.Close())
	}
	if r.desc, err = ctl.Describe(); err != nil {
		return nil, multierr.Combine(err, ctl.Close(), tr.Close())
	}
	r.name = r.desc.Name
	r.log.V(1).Info("bridged plugin loaded", "id", r.desc.ID, "path", path, "index", index, "ipc", tr.Names.ID)
	return r, nil
}

func (r *Remote) Name() string { return r.name }
func (r *Remote) Kind() string { return graph.KindRemote }

// SetName overrides the display name.
func (r *Remote) SetName(name string) { r.name = name }

// Descriptor returns the bridged plugin's descriptor.
func (r *Remote) Descriptor() clap.Descriptor { return r.desc }

// Path returns the binary path loaded in the child.
func (r *Remote) Path() string { return r.path }

// Index returns the plugin index within its binary.
func (r *Remote) Index() int { return r.index }

// Names returns the IPC names of the transport.
func (r *Remote) Names() Names { return r.tr.Names }

// Status returns the node's lifecycle state.
func (r *Remote) Status() host.Status { return host.Status(r.status.Load()) }

func (r *Remote) Output() [][]float32 { return r.out }

func (r *Remote) Bypassed() bool      { return r.bypassed.Load() }
func (r *Remote) SetBypassed(b bool)  { r.bypassed.Store(b) }
func (r *Remote) Volume() float32     { return math.Float32frombits(r.volume.Load()) }
func (r *Remote) SetVolume(v float32) { r.volume.Store(math.Float32bits(v)) }

// Late returns how many late replies were discarded.
func (r *Remote) Late() uint64 { return r.late.Load() }

// Timeout returns the output wait of the current activation.
func (r *Remote) Timeout() time.Duration { return r.timeout }

// Activate activates the child's plugin and sizes the bounded wait. It
// must not run concurrently with Process; composites activate under their
// guard.
func (r *Remote) Activate(sampleRate float64, blockSize int) error {
	if blockSize > BlockFrames {
		return fmt.Errorf("%w: %d > %d", ErrBlockSize, blockSize, BlockFrames)
	}
	if r.failed.Load() {
		return fmt.Errorf("%w: %s", ErrChildGone, r.name)
	}
	r.status.Store(int32(host.Inactive))
	if err := r.ctl.Activate(sampleRate, blockSize); err != nil {
		r.status.Store(int32(host.OnError))
		return err
	}
	wait := time.Duration(float64(blockSize) / sampleRate * r.opts.WaitFactor * float64(time.Second))
	if wait < r.opts.MinWait {
		wait = r.opts.MinWait
	}
	r.timeout = wait
	r.out = [][]float32{make([]float32, blockSize), make([]float32, blockSize)}
	r.blockSize = blockSize
	r.consecutive = 0
	r.status.Store(int32(host.Starting))
	return nil
}

func (r *Remote) Deactivate() error {
	if r.Status() == host.Inactive {
		return nil
	}
	failed := r.Status() == host.OnError
	r.status.Store(int32(host.Inactive))
	if failed {
		return nil
	}
	return r.ctl.Deactivate()
}

// Process sends the block to the child and waits a bounded time for the
// result. A timeout yields silence, counts a miss and leaves the reply
// owed: the next cycle first waits for that reply and discards it, so a
// late reply never stands in for a newer block. If the owed reply does
// not arrive either, the cycle is silent and posts nothing.
func (r *Remote) Process(in [][]float32, frames int) bool {
	switch r.Status() {
	case host.Starting, host.Running:
	default:
		return false
	}
	if frames > r.blockSize {
		frames = r.blockSize
	}
	if r.bypassed.Load() {
		for c, ch := range r.out {
			if c < len(in) && in[c] != nil {
				copy(ch[:frames], in[c][:frames])
			} else {
				clear(ch[:frames])
			}
		}
		scale(r.out, frames, r.Volume())
		return true
	}

	block := r.tr.Block()
	if r.owed {
		if ok, err := r.tr.PluginToHost.TimedWait(r.timeout); err != nil || !ok {
			r.miss()
			return false
		}
		r.owed = false
		r.late.Add(1)
	}
	for c := range block.In {
		if c < len(in) && in[c] != nil {
			copy(block.In[c][:frames], in[c][:frames])
		} else {
			clear(block.In[c][:frames])
		}
	}
	if err := r.tr.HostToPlugin.Post(); err != nil {
		r.miss()
		return false
	}
	if ok, err := r.tr.PluginToHost.TimedWait(r.timeout); err != nil || !ok {
		r.owed = err == nil
		r.miss()
		return false
	}
	for c, ch := range r.out {
		copy(ch[:frames], block.Out[c][:frames])
	}
	scale(r.out, frames, r.Volume())
	r.consecutive = 0
	r.status.CompareAndSwap(int32(host.Starting), int32(host.Running))
	r.processed.Add(1)
	return true
}

func (r *Remote) miss() {
	r.misses.Add(1)
	r.consecutive++
	if r.consecutive >= r.opts.MaxMisses {
		r.status.Store(int32(host.OnError))
		r.failed.Store(true)
	}
}

func scale(buf [][]float32, frames int, v float32) {
	if v == 1 {
		return
	}
	for _, ch := range buf {
		for i := range ch[:frames] {
			ch[i] *= v
		}
	}
}

func (r *Remote) Stats() graph.Stats {
	return graph.Stats{
		Name:      r.name,
		Kind:      graph.KindRemote,
		Status:    r.Status().String(),
		Processed: r.processed.Load(),
		Misses:    r.misses.Load(),
	}
}

// Idle kills an unresponsive child and reports it once.
func (r *Remote) Idle(report func(error)) {
	if !r.failed.Load() || r.reported {
		return
	}
	r.reported = true
	if r.kill != nil {
		r.kill()
		r.kill = nil
	}
	err := fmt.Errorf("%w: %s missed %d consecutive blocks: %w", ErrIPC, r.name, r.opts.MaxMisses, ErrChildGone)
	r.log.Error(err, "bridge child killed", "id", r.desc.ID)
	report(err)
}

// SaveState returns the child plugin's state.
func (r *Remote) SaveState() ([]byte, error) { return r.ctl.SaveState() }

// LoadState restores the child plugin's state.
func (r *Remote) LoadState(data []byte) (int, error) { return r.ctl.LoadState(data) }

// Close tears down the child and the transport.
func (r *Remote) Close() error {
	var err error
	if !r.failed.Load() {
		err = multierr.Append(err, r.Deactivate())
		err = multierr.Append(err, r.ctl.Close())
	}
	r.status.Store(int32(host.Inactive))
	if r.kill != nil {
		r.kill()
		r.kill = nil
	}
	return multierr.Append(err, r.tr.Close())
}
