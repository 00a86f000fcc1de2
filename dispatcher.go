package claphost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/internal/queue"
)

// DefaultMaxOperationDuration is the target for one topology change.
const DefaultMaxOperationDuration = 300 * time.Millisecond

// IdleInterval is how often the dispatcher runs main-thread housekeeping.
const IdleInterval = 10 * time.Millisecond

// DispatcherOperation is one serialized engine change.
type DispatcherOperation struct {
	Type OperationType
	Data interface{}
}

// OperationType names a dispatcher operation.
type OperationType string

const (
	OpAddStrip     OperationType = "add_strip"
	OpAddGroup     OperationType = "add_group"
	OpAddPlugin    OperationType = "add_plugin"
	OpRemoveNode   OperationType = "remove_node"
	OpMoveNode     OperationType = "move_node"
	OpSetBypass    OperationType = "set_bypass"
	OpSetVolume    OperationType = "set_volume"
	OpSetParameter OperationType = "set_parameter"
	OpStartEngine  OperationType = "start_engine"
	OpStopEngine   OperationType = "stop_engine"
	OpSetState     OperationType = "set_state"
)

// DispatcherResult is the outcome of an operation.
type DispatcherResult struct {
	Success bool
	Data    interface{}
	Error   error
}

// Data structures for dispatcher operations.
type (
	AddCompositeData struct {
		Parent string
		Name   string
	}
	AddPluginData struct {
		Strip string
		Path  string
		Index int
		Name  string
	}
	MoveNodeData struct {
		Parent   string
		From, To int
	}
	SetBypassData struct {
		Path     string
		Bypassed bool
	}
	SetVolumeData struct {
		Path   string
		Volume float32
	}
	SetParameterData struct {
		Path  string
		ID    uint32
		Value float64
	}
)

// Dispatcher serializes every topology and lifecycle change onto the
// engine's main thread. Housekeeping runs on the same thread between
// operations.
type Dispatcher struct {
	engine *Engine
	q      *queue.Queue

	mu        sync.RWMutex
	isRunning bool

	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
}

// NewDispatcher creates a dispatcher for engine.
func NewDispatcher(engine *Engine) *Dispatcher {
	d := &Dispatcher{
		engine:               engine,
		q:                    queue.New(100, engine.log),
		maxOperationDuration: DefaultMaxOperationDuration,
	}
	d.q.SetTick(IdleInterval, engine.idle)
	return d
}

// Start begins the main-thread worker.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}
	d.q.Start()
	d.isRunning = true
	return nil
}

// Stop halts the worker after draining queued operations. A stopped
// dispatcher cannot be restarted.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning {
		return nil
	}
	d.q.Close()
	d.isRunning = false
	return nil
}

// IsRunning returns whether the dispatcher is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetPerformanceStats returns the duration of the last operation and the
// target.
func (d *Dispatcher) GetPerformanceStats() (lastDuration, maxDuration time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxOperationDuration
}

// Submit runs op on the main thread and waits for its result.
func (d *Dispatcher) Submit(op DispatcherOperation) DispatcherResult {
	var result DispatcherResult
	err := d.q.Do(func(context.Context) error {
		start := time.Now()
		result = d.executeOperation(op)
		duration := time.Since(start)

		d.mu.Lock()
		d.lastOperationDuration = duration
		d.mu.Unlock()
		if duration > d.maxOperationDuration {
			d.engine.errorHandler.HandleError(
				fmt.Errorf("%s took %v, target is %v", op.Type, duration, d.maxOperationDuration))
		}
		return nil
	})
	if err != nil {
		return DispatcherResult{Error: fmt.Errorf("%s: %w", op.Type, err)}
	}
	return result
}

// Run executes fn on the main thread. Use it for calls that must observe
// main-thread affinity but are not topology changes.
func (d *Dispatcher) Run(fn func() error) error {
	return d.q.Do(func(context.Context) error { return fn() })
}

func (d *Dispatcher) executeOperation(op DispatcherOperation) DispatcherResult {
	e := d.engine
	switch op.Type {
	case OpAddStrip:
		data := op.Data.(AddCompositeData)
		strip, err := e.addComposite(data.Parent, graph.NewChain(data.Name, e.guard))
		return DispatcherResult{Success: err == nil, Data: strip, Error: err}

	case OpAddGroup:
		data := op.Data.(AddCompositeData)
		grp, err := e.addComposite(data.Parent, graph.NewGroup(data.Name, e.guard))
		return DispatcherResult{Success: err == nil, Data: grp, Error: err}

	case OpAddPlugin:
		data := op.Data.(AddPluginData)
		node, err := e.addPlugin(data.Strip, data.Path, data.Index, data.Name)
		return DispatcherResult{Success: err == nil, Data: node, Error: err}

	case OpRemoveNode:
		err := e.removeNode(op.Data.(string))
		return DispatcherResult{Success: err == nil, Error: err}

	case OpMoveNode:
		data := op.Data.(MoveNodeData)
		err := e.moveNode(data.Parent, data.From, data.To)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetBypass:
		data := op.Data.(SetBypassData)
		n, err := e.Node(data.Path)
		if err == nil {
			n.SetBypassed(data.Bypassed)
		}
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetVolume:
		data := op.Data.(SetVolumeData)
		n, err := e.Node(data.Path)
		if err == nil {
			n.SetVolume(data.Volume)
		}
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetParameter:
		data := op.Data.(SetParameterData)
		err := e.setParameter(data.Path, data.ID, data.Value)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpStartEngine:
		err := e.activate()
		return DispatcherResult{Success: err == nil, Error: err}

	case OpStopEngine:
		err := e.deactivate()
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetState:
		err := e.serializer.apply(op.Data.(SessionState))
		return DispatcherResult{Success: err == nil, Error: err}

	default:
		return DispatcherResult{
			Success: false,
			Error:   fmt.Errorf("unknown operation type: %s", op.Type),
		}
	}
}

// AddStrip creates a channel strip under parent.
func (d *Dispatcher) AddStrip(parent, name string) (*graph.Chain, error) {
	result := d.Submit(DispatcherOperation{Type: OpAddStrip, Data: AddCompositeData{Parent: parent, Name: name}})
	if !result.Success {
		return nil, result.Error
	}
	return result.Data.(*graph.Chain), nil
}

// AddGroup creates a summing group under parent.
func (d *Dispatcher) AddGroup(parent, name string) (*graph.Group, error) {
	result := d.Submit(DispatcherOperation{Type: OpAddGroup, Data: AddCompositeData{Parent: parent, Name: name}})
	if !result.Success {
		return nil, result.Error
	}
	return result.Data.(*graph.Group), nil
}

// AddPlugin loads the plugin at index in path and appends it to strip.
func (d *Dispatcher) AddPlugin(strip, path string, index int, name string) (graph.Node, error) {
	result := d.Submit(DispatcherOperation{Type: OpAddPlugin, Data: AddPluginData{Strip: strip, Path: path, Index: index, Name: name}})
	if !result.Success {
		return nil, result.Error
	}
	return result.Data.(graph.Node), nil
}

// RemoveNode detaches and closes the node at path.
func (d *Dispatcher) RemoveNode(path string) error {
	return d.Submit(DispatcherOperation{Type: OpRemoveNode, Data: path}).Error
}

// MoveNode reorders the children of parent.
func (d *Dispatcher) MoveNode(parent string, from, to int) error {
	return d.Submit(DispatcherOperation{Type: OpMoveNode, Data: MoveNodeData{Parent: parent, From: from, To: to}}).Error
}

// SetBypass sets a node's bypass flag.
func (d *Dispatcher) SetBypass(path string, bypassed bool) error {
	return d.Submit(DispatcherOperation{Type: OpSetBypass, Data: SetBypassData{Path: path, Bypassed: bypassed}}).Error
}

// SetVolume sets a node's output volume.
func (d *Dispatcher) SetVolume(path string, volume float32) error {
	return d.Submit(DispatcherOperation{Type: OpSetVolume, Data: SetVolumeData{Path: path, Volume: volume}}).Error
}

// SetParameter queues a parameter change for a plugin node.
func (d *Dispatcher) SetParameter(path string, id uint32, value float64) error {
	return d.Submit(DispatcherOperation{Type: OpSetParameter, Data: SetParameterData{Path: path, ID: id, Value: value}}).Error
}
