// Package claphost hosts CLAP audio plugins in a realtime processing tree.
//
// An Engine owns the plugin library, the descriptor catalog and a tree of
// channel strips and groups under one master bus. Structural changes run
// serialized on a pinned main thread through the Dispatcher; the Driver
// pulls blocks from the master on a pinned audio thread.
package claphost

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shaban/claphost/bridge"
	"github.com/shaban/claphost/catalog"
	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/native"
	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/library"
)

// MasterName is the name of the root group.
const MasterName = "master"

// RemoteStarter starts a bridged plugin. bridge.Start is the default.
type RemoteStarter func(path string, index int, opts bridge.Options) (*bridge.Remote, error)

// EngineConfig holds everything NewEngine needs.
type EngineConfig struct {
	Config
	// ErrorHandler receives contained failures. Defaults to a
	// DefaultErrorHandler on Log.
	ErrorHandler ErrorHandler
	Log          logr.Logger
	// Opener resolves binaries. Defaults to the static registry falling
	// back to native shared libraries.
	Opener clap.Opener
	// Listener receives plugin output events of local plugins.
	Listener    host.Listener
	StartRemote RemoteStarter
}

// Engine is the plugin host: library, catalog, processing tree and the
// threads that drive them.
type Engine struct {
	id   uuid.UUID
	name string

	cfg          Config
	log          logr.Logger
	errorHandler ErrorHandler
	listener     host.Listener
	startRemote  RemoteStarter

	loader     *library.Loader
	scanner    *catalog.Scanner
	guard      *graph.Guard
	master     *graph.Group
	dispatcher *Dispatcher
	driver     *Driver
	serializer *Serializer
	collector  *Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	isRunning bool
	active    bool
	closed    bool
}

// container is implemented by Chain and Group.
type container interface {
	graph.Parent
	Insert(ctx context.Context, i int, n graph.Node) error
	Append(ctx context.Context, n graph.Node) error
	Remove(ctx context.Context, i int) (graph.Node, error)
	Move(ctx context.Context, from, to int) error
	Len() int
}

// NewEngine validates config and starts the dispatcher. The driver starts
// with Start or Render.
func NewEngine(config EngineConfig) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log := config.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = &DefaultErrorHandler{Log: log}
	}
	if config.Opener == nil {
		config.Opener = static.Opener{Fallback: native.Opener{}}
	}
	if config.StartRemote == nil {
		config.StartRemote = bridge.Start
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:           uuid.New(),
		name:         "claphost",
		cfg:          config.Config,
		log:          log.WithName("engine"),
		errorHandler: config.ErrorHandler,
		listener:     config.Listener,
		startRemote:  config.StartRemote,
		guard:        &graph.Guard{},
		ctx:          ctx,
		cancel:       cancel,
	}
	e.loader = library.NewLoader(config.Opener, log)
	e.scanner = catalog.NewScanner(e.loader, log)
	e.scanner.Roots = append(catalog.DefaultRoots(), catalog.SplitPaths(config.ScanPaths...)...)
	if config.CacheDir != "" {
		cache, err := catalog.OpenCache(config.CacheDir)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open scan cache: %w", err)
		}
		e.scanner.Cache = cache
	}
	e.master = graph.NewGroup(MasterName, e.guard)
	e.driver = NewDriver(e.master, e.cfg.SampleRate, e.cfg.BlockSize)
	e.serializer = NewSerializer(e)
	e.collector = NewCollector(e)

	e.dispatcher = NewDispatcher(e)
	if err := e.dispatcher.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	e.log.V(VERBOSE).Info("engine created", "id", e.id, "sampleRate", e.cfg.SampleRate, "blockSize", e.cfg.BlockSize)
	return e, nil
}

// GetID returns the engine's UUID.
func (e *Engine) GetID() uuid.UUID { return e.id }

// GetName returns the engine name.
func (e *Engine) GetName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// SetName sets the engine name.
func (e *Engine) SetName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = name
}

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// Master returns the root group.
func (e *Engine) Master() *graph.Group { return e.master }

// Loader returns the shared plugin library.
func (e *Engine) Loader() *library.Loader { return e.loader }

// Scanner returns the catalog scanner.
func (e *Engine) Scanner() *catalog.Scanner { return e.scanner }

// Dispatcher returns the main-thread dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Driver returns the audio driver.
func (e *Engine) Driver() *Driver { return e.driver }

// Serializer returns the session serializer.
func (e *Engine) Serializer() *Serializer { return e.serializer }

// Collector returns the Prometheus collector of the processing tree.
func (e *Engine) Collector() *Collector { return e.collector }

// IsRunning reports whether the realtime driver runs.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Scan lists every plugin below the configured roots plus extra.
func (e *Engine) Scan(ctx context.Context, extra ...string) (catalog.Entries, error) {
	return e.scanner.Scan(ctx, extra...)
}

// GetDescriptor describes the plugin at index in path without keeping the
// binary loaded.
func (e *Engine) GetDescriptor(path string, index int) (clap.Descriptor, error) {
	d, err := e.scanner.GetDescriptor(path, index)
	return d, classify("describe", path, err)
}

// Node returns the node at path, relative to the master. The empty path
// is the master itself.
func (e *Engine) Node(path string) (graph.Node, error) {
	var n graph.Node = e.master
	path = relPath(path)
	if path == "" {
		return n, nil
	}
	for _, name := range strings.Split(path, "/") {
		p, ok := n.(graph.Parent)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, path)
		}
		var next graph.Node
		for _, c := range p.Children() {
			if c.Name() == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchNode, path)
		}
		n = next
	}
	return n, nil
}

// Strip returns the channel strip at path.
func (e *Engine) Strip(path string) (*graph.Chain, error) {
	n, err := e.Node(path)
	if err != nil {
		return nil, err
	}
	c, ok := n.(*graph.Chain)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotStrip, path, n.Kind())
	}
	return c, nil
}

func (e *Engine) container(path string) (container, error) {
	n, err := e.Node(path)
	if err != nil {
		return nil, err
	}
	c, ok := n.(container)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNoSuchNode, path, n.Kind())
	}
	return c, nil
}

// AddStrip creates a channel strip named name under parent.
func (e *Engine) AddStrip(parent, name string) (*graph.Chain, error) {
	return e.dispatcher.AddStrip(parent, name)
}

// AddGroup creates a summing group named name under parent.
func (e *Engine) AddGroup(parent, name string) (*graph.Group, error) {
	return e.dispatcher.AddGroup(parent, name)
}

// AddPlugin loads the plugin at index in path and appends it to the strip.
// With the bridge enabled the plugin runs in a child process.
func (e *Engine) AddPlugin(strip, path string, index int) (graph.Node, error) {
	return e.dispatcher.AddPlugin(strip, path, index, "")
}

// RemoveNode detaches and closes the node at path.
func (e *Engine) RemoveNode(path string) error { return e.dispatcher.RemoveNode(path) }

// MoveNode moves a child of parent from one position to another.
func (e *Engine) MoveNode(parent string, from, to int) error {
	return e.dispatcher.MoveNode(parent, from, to)
}

// SetBypassed sets a node's bypass flag.
func (e *Engine) SetBypassed(path string, bypassed bool) error {
	return e.dispatcher.SetBypass(path, bypassed)
}

// SetVolume sets a node's output volume.
func (e *Engine) SetVolume(path string, volume float32) error {
	return e.dispatcher.SetVolume(path, volume)
}

// SetParameter queues a parameter change for the plugin at path.
func (e *Engine) SetParameter(path string, id uint32, value float64) error {
	return e.dispatcher.SetParameter(path, id, value)
}

// SendMIDI queues a MIDI short message for the first local plugin of the
// strip. It may be called from any non-audio thread.
func (e *Engine) SendMIDI(strip string, data []byte) error {
	if len(data) == 0 || len(data) > 3 || data[0] < 0x80 || data[0] >= 0xF0 {
		return fmt.Errorf("%w: % x", ErrInvalidMIDI, data)
	}
	c, err := e.Strip(strip)
	if err != nil {
		return err
	}
	for _, n := range c.Children() {
		p, ok := n.(*graph.PluginNode)
		if !ok {
			continue
		}
		if !p.Host().SendMIDI(data) {
			return fmt.Errorf("%w: %s", ErrQueueFull, p.Name())
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoEventInput, strip)
}

// Start activates the tree and starts the realtime driver.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.isRunning {
		return ErrRunning
	}
	result := e.dispatcher.Submit(DispatcherOperation{Type: OpStartEngine})
	if !result.Success {
		return fmt.Errorf("engine start failed: %w", result.Error)
	}
	if err := e.driver.Start(true); err != nil {
		return err
	}
	e.isRunning = true
	return nil
}

// Stop halts the driver and deactivates the tree.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if !e.isRunning {
		return nil
	}
	// plugins run stop_processing on the driver's thread while it still
	// pulls blocks
	graph.RequestStop(e.master)
	graph.AwaitStop(e.ctx, graph.DefaultStopWait, e.master)
	err := e.driver.Stop()
	e.isRunning = false
	result := e.dispatcher.Submit(DispatcherOperation{Type: OpStopEngine})
	return multierr.Append(err, result.Error)
}

// Render activates the tree if needed and pulls blocks as fast as
// possible on the calling goroutine, which is bound as the audio thread.
// It fails while the realtime driver runs.
func (e *Engine) Render(ctx context.Context, blocks int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.isRunning {
		e.mu.Unlock()
		return ErrRunning
	}
	e.mu.Unlock()
	if result := e.dispatcher.Submit(DispatcherOperation{Type: OpStartEngine}); !result.Success {
		return result.Error
	}
	return e.driver.Run(ctx, blocks, false)
}

// Close stops the engine, closes every node and the dispatcher. The
// engine cannot be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.stopLocked()
	err = multierr.Append(err, e.dispatcher.Run(func() error {
		e.active = false
		return e.master.Close()
	}))
	err = multierr.Append(err, e.dispatcher.Stop())
	e.cancel()
	e.log.V(VERBOSE).Info("engine closed", "id", e.id)
	return err
}

// Main-thread implementations, called by the dispatcher.

func (e *Engine) activate() error {
	if e.active {
		return nil
	}
	if err := e.master.Activate(e.cfg.SampleRate, e.cfg.BlockSize); err != nil {
		// children that failed stay inactive; the rest of the tree runs
		e.errorHandler.HandleError(classify("activate", MasterName, err))
	}
	e.active = true
	return nil
}

func (e *Engine) deactivate() error {
	if !e.active {
		return nil
	}
	e.active = false
	return classify("deactivate", MasterName, e.master.Deactivate())
}

// relPath strips a leading master segment.
func relPath(path string) string {
	path = strings.Trim(path, "/")
	if path == MasterName {
		return ""
	}
	return strings.TrimPrefix(path, MasterName+"/")
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid node name %q", name)
	}
	return nil
}

func hasChild(p graph.Parent, name string) bool {
	for _, c := range p.Children() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

// uniqueName appends a counter to name until no sibling uses it.
func uniqueName(p graph.Parent, name string) string {
	if !hasChild(p, name) {
		return name
	}
	for i := 2; ; i++ {
		n := name + " " + strconv.Itoa(i)
		if !hasChild(p, n) {
			return n
		}
	}
}

func (e *Engine) addComposite(parent string, n container) (graph.Node, error) {
	if err := validName(n.Name()); err != nil {
		return nil, err
	}
	p, err := e.container(parent)
	if err != nil {
		return nil, err
	}
	if p.Kind() != graph.KindGroup {
		return nil, fmt.Errorf("%s: a channel strip holds plugins only", parent)
	}
	if hasChild(p, n.Name()) {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, n.Name())
	}
	if err := p.Append(e.ctx, n); err != nil {
		return nil, classify("add", n.Name(), err)
	}
	e.log.V(VERBOSE).Info("node added", "parent", parent, "name", n.Name(), "kind", n.Kind())
	return n, nil
}

func (e *Engine) addPlugin(strip, path string, index int, name string) (graph.Node, error) {
	return e.addPluginAs(strip, path, index, name, e.cfg.Bridge.Enabled)
}

func (e *Engine) addPluginAs(strip, path string, index int, name string, remote bool) (graph.Node, error) {
	c, err := e.Strip(strip)
	if err != nil {
		return nil, err
	}
	var n graph.Node
	if remote {
		n, err = e.newRemote(path, index)
	} else {
		n, err = e.newLocal(path, index)
	}
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = n.Name()
	}
	name = uniqueName(c, name)
	n.(interface{ SetName(string) }).SetName(name)
	if err := c.Append(e.ctx, n); err != nil {
		return nil, multierr.Append(classify("add", name, err), n.Close())
	}
	e.log.V(VERBOSE).Info("plugin added", "strip", strip, "name", name, "path", path, "index", index, "kind", n.Kind())
	return n, nil
}

func (e *Engine) newLocal(path string, index int) (*graph.PluginNode, error) {
	h := host.New(host.Options{Log: e.log.WithName("host"), Listener: e.listener})
	if err := h.Load(e.loader, path, index); err != nil {
		return nil, classify("load", path, err)
	}
	return graph.NewPluginNode(h, ""), nil
}

// newRemote starts a bridged plugin. When the child cannot be started and
// FallbackLocal is set, the plugin is loaded in-process instead.
func (e *Engine) newRemote(path string, index int) (graph.Node, error) {
	opts := e.cfg.bridgeOptions()
	opts.Log = e.log
	r, err := e.startRemote(path, index, opts)
	if err == nil {
		return r, nil
	}
	err = classify("bridge", path, err)
	if !e.cfg.Bridge.FallbackLocal || !errors.Is(err, ErrIPCFailure) {
		return nil, err
	}
	e.errorHandler.HandleError(err)
	e.log.Info("bridge unavailable, loading plugin in-process", "path", path, "index", index)
	return e.newLocal(path, index)
}

func (e *Engine) locate(path string) (container, int, error) {
	path = relPath(path)
	if path == "" {
		return nil, 0, fmt.Errorf("cannot remove the %s", MasterName)
	}
	parent, name := "", path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		parent, name = path[:i], path[i+1:]
	}
	p, err := e.container(parent)
	if err != nil {
		return nil, 0, err
	}
	for i, c := range p.Children() {
		if c.Name() == name {
			return p, i, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrNoSuchNode, path)
}

func (e *Engine) removeNode(path string) error {
	p, i, err := e.locate(path)
	if err != nil {
		return err
	}
	n, err := p.Remove(e.ctx, i)
	if n == nil {
		return classify("remove", path, err)
	}
	err = multierr.Append(err, n.Close())
	e.log.V(VERBOSE).Info("node removed", "path", path)
	return classify("remove", path, err)
}

func (e *Engine) moveNode(parent string, from, to int) error {
	p, err := e.container(parent)
	if err != nil {
		return err
	}
	return p.Move(e.ctx, from, to)
}

func (e *Engine) setParameter(path string, id uint32, value float64) error {
	n, err := e.Node(path)
	if err != nil {
		return err
	}
	p, ok := n.(*graph.PluginNode)
	if !ok {
		return fmt.Errorf("%s is a %s, parameters need a local plugin", path, n.Kind())
	}
	if !p.Host().SetParameter(id, value) {
		return fmt.Errorf("%w: %s", ErrQueueFull, path)
	}
	return nil
}

// idle runs on the dispatcher tick.
func (e *Engine) idle() {
	e.master.Idle(func(err error) {
		e.errorHandler.HandleError(classify("idle", "", err))
	})
}
