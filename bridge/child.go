package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-plugin"
	"go.uber.org/multierr"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/internal/queue"
	"github.com/shaban/claphost/library"
)

// IdleInterval is how often the child runs the host's main-thread work.
const IdleInterval = 10 * time.Millisecond

// Worker is the child's audio loop: wait for input, process, post output.
type Worker struct {
	host *host.Host
	tr   *Transport
	// Poll bounds each wait so cancellation and stop requests are noticed.
	Poll time.Duration

	blocks atomic.Uint64
}

// NewWorker returns a worker processing h over tr.
func NewWorker(h *host.Host, tr *Transport) *Worker {
	return &Worker{host: h, tr: tr, Poll: 5 * time.Millisecond}
}

// Blocks returns the number of blocks served.
func (w *Worker) Blocks() uint64 { return w.blocks.Load() }

// Run serves blocks on a pinned audio thread until ctx is done. Between
// blocks it completes a stop the host is waiting for.
func (w *Worker) Run(ctx context.Context) error {
	unbind := host.BindAudioThread()
	defer unbind()
	block := w.tr.Block()
	in, out := block.inputs(BlockFrames), block.outputs(BlockFrames)
	for ctx.Err() == nil {
		ok, err := w.tr.HostToPlugin.TimedWait(w.Poll)
		if err != nil {
			return err
		}
		if !ok {
			// no block is coming; complete a pending stop here rather
			// than leave it to the main thread's timeout
			if w.host.StopPending() {
				w.host.StopNow()
			}
			continue
		}
		// The host clamps to its activated block size.
		w.host.Process(in, out, BlockFrames)
		if err := w.tr.PluginToHost.Post(); err != nil {
			return err
		}
		w.blocks.Add(1)
	}
	return nil
}

// Child implements Control inside the bridge process. Every control call
// runs on its main-thread queue.
type Child struct {
	ctx    context.Context
	loader *library.Loader
	ipc    IPC
	log    logr.Logger
	q      *queue.Queue

	host   *host.Host
	tr     *Transport
	worker *Worker
	cancel context.CancelFunc
	done   chan error
	closed bool
}

var _ Control = (*Child)(nil)

// NewChild returns a started child. Workers stop when ctx is done.
func NewChild(ctx context.Context, l *library.Loader, ipc IPC, log logr.Logger) *Child {
	c := &Child{ctx: ctx, loader: l, ipc: ipc, log: log.WithName("bridge-child")}
	c.q = queue.New(16, log)
	c.q.SetTick(IdleInterval, c.idle)
	c.q.Start()
	return c
}

func (c *Child) idle() {
	if c.host == nil {
		return
	}
	if err := c.host.Idle(); err != nil {
		c.log.Error(err, "plugin failed in bridge child")
	}
}

func (c *Child) do(fn func() error) error {
	return c.q.Do(func(context.Context) error { return fn() })
}

func (c *Child) Load(path string, index int) error {
	return c.do(func() error {
		if c.host != nil {
			return fmt.Errorf("%w: %s", host.ErrAlreadyLoaded, c.host.Descriptor().ID)
		}
		h := host.New(host.Options{Log: c.log})
		if err := h.Load(c.loader, path, index); err != nil {
			return err
		}
		c.host = h
		return nil
	})
}

func (c *Child) Attach(n Names) error {
	return c.do(func() error {
		if c.host == nil {
			return ErrNotLoaded
		}
		if c.tr != nil {
			return fmt.Errorf("%w: already attached to %s", ErrIPC, c.tr.Names.ID)
		}
		tr, err := c.ipc.Open(n)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(c.ctx)
		c.tr, c.cancel, c.done = tr, cancel, make(chan error, 1)
		c.worker = NewWorker(c.host, tr)
		go func() { c.done <- c.worker.Run(ctx) }()
		return nil
	})
}

func (c *Child) Activate(sampleRate float64, blockSize int) error {
	if blockSize > BlockFrames {
		return fmt.Errorf("%w: %d > %d", ErrBlockSize, blockSize, BlockFrames)
	}
	return c.do(func() error {
		if c.host == nil {
			return ErrNotLoaded
		}
		return c.host.Activate(sampleRate, blockSize)
	})
}

func (c *Child) Deactivate() error {
	return c.do(func() error {
		if c.host == nil {
			return nil
		}
		return c.host.Deactivate()
	})
}

func (c *Child) SaveState() ([]byte, error) {
	var data []byte
	err := c.do(func() error {
		if c.host == nil {
			return ErrNotLoaded
		}
		var err error
		data, err = c.host.SaveState()
		return err
	})
	return data, err
}

func (c *Child) LoadState(data []byte) (int, error) {
	var n int
	err := c.do(func() error {
		if c.host == nil {
			return ErrNotLoaded
		}
		var err error
		n, err = c.host.LoadState(data)
		return err
	})
	return n, err
}

func (c *Child) Describe() (clap.Descriptor, error) {
	var d clap.Descriptor
	err := c.do(func() error {
		if c.host == nil {
			return ErrNotLoaded
		}
		d = c.host.Descriptor()
		return nil
	})
	return d, err
}

// Close stops the worker, unloads the plugin and closes the transport.
// The queue stays up until Shutdown.
func (c *Child) Close() error {
	return c.do(func() error {
		if c.closed {
			return nil
		}
		c.closed = true
		var err error
		if c.cancel != nil {
			c.cancel()
			if werr := <-c.done; werr != nil && !errors.Is(werr, context.Canceled) {
				err = multierr.Append(err, werr)
			}
		}
		if c.host != nil {
			err = multierr.Append(err, c.host.Unload())
		}
		if c.tr != nil {
			err = multierr.Append(err, c.tr.Close())
		}
		return err
	})
}

// Shutdown closes the child and stops its queue.
func (c *Child) Shutdown() error {
	err := c.Close()
	c.q.Close()
	return err
}

// Serve runs the child entry point until the parent disconnects. SIGINT
// stops the audio worker.
func Serve(ctx context.Context, l *library.Loader, log logr.Logger, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	child := NewChild(ctx, l, POSIX{}, log)
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(child),
		Logger:          NewLogger(debug),
	})
	return child.Shutdown()
}
