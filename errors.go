package claphost

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/shaban/claphost/bridge"
	"github.com/shaban/claphost/catalog"
	"github.com/shaban/claphost/graph"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/library"
)

// Error kinds surfaced by the engine.
var (
	ErrLoadFailure       = errors.New("load failure")
	ErrActivationFailure = errors.New("activation failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrIPCFailure        = errors.New("IPC failure")
	// ErrOverload is diagnostic only; the node already muted itself.
	ErrOverload = errors.New("overload")

	ErrNoSuchNode   = errors.New("no such node")
	ErrNotStrip     = errors.New("node is not a channel strip")
	ErrNameTaken    = errors.New("node name already used")
	ErrNoEventInput = errors.New("strip has no plugin accepting events")
	ErrQueueFull    = errors.New("event queue full")
	ErrInvalidMIDI  = errors.New("not a MIDI 1.0 short message")
	ErrNotRunning   = errors.New("engine not running")
	ErrRunning      = errors.New("engine already running")
	ErrClosed       = errors.New("engine closed")
)

// Error carries the kind of a failure together with where it happened.
type Error struct {
	Kind error
	Op   string
	Node string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Node != "" {
		msg += " in " + e.Node
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// Kind maps an error of a lower package onto an engine kind. It returns
// nil for errors outside the taxonomy.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	switch {
	case errors.Is(err, host.ErrProtocolViolation):
		return ErrProtocolViolation
	case errors.Is(err, bridge.ErrIPC), errors.Is(err, bridge.ErrChildGone), errors.Is(err, bridge.ErrRemote):
		return ErrIPCFailure
	case errors.Is(err, graph.ErrOverload):
		return ErrOverload
	case errors.Is(err, host.ErrActivationFailure), errors.Is(err, bridge.ErrBlockSize):
		return ErrActivationFailure
	case errors.Is(err, library.ErrNotFound), errors.Is(err, library.ErrSymbolMissing),
		errors.Is(err, library.ErrInitFailed), errors.Is(err, library.ErrNoFactory),
		errors.Is(err, library.ErrCreateFailed), errors.Is(err, library.ErrUnloaded),
		errors.Is(err, host.ErrNoSuchIndex), errors.Is(err, host.ErrIncompatible),
		errors.Is(err, host.ErrInitFailed), errors.Is(err, catalog.ErrNoSuchIndex),
		errors.Is(err, catalog.ErrIncompatibleVersion):
		return ErrLoadFailure
	}
	return nil
}

var kinds = []error{ErrLoadFailure, ErrActivationFailure, ErrProtocolViolation, ErrIPCFailure, ErrOverload}

// classify wraps err in an *Error when it belongs to the taxonomy and
// returns it unchanged otherwise.
func classify(op, node string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	k := Kind(err)
	if k == nil {
		if node != "" {
			return fmt.Errorf("%s %s: %w", op, node, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: k, Op: op, Node: node, Err: err}
}

// ErrorHandler receives failures the engine contained.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs every error. Overload diagnostics are logged at
// VERBOSE.
type DefaultErrorHandler struct {
	Log logr.Logger
}

func (h *DefaultErrorHandler) HandleError(err error) {
	if errors.Is(err, ErrOverload) || errors.Is(err, graph.ErrOverload) {
		h.Log.V(VERBOSE).Info("overload", "error", err.Error())
		return
	}
	h.Log.Error(err, "engine error", "kind", fmt.Sprint(Kind(err)))
}

// LoggingErrorHandler wraps another handler and logs errors
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error. For development.
type PanicErrorHandler struct{}

func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}
