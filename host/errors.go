package host

import (
	"errors"
	"fmt"
)

var (
	ErrNoPlugin          = errors.New("no plugin loaded")
	ErrAlreadyLoaded     = errors.New("plugin already loaded")
	ErrNoSuchIndex       = errors.New("no plugin at index")
	ErrIncompatible      = errors.New("incompatible plugin ABI version")
	ErrInitFailed        = errors.New("plugin init failed")
	ErrActivationFailure = errors.New("plugin activation failed")
	ErrProtocolViolation = errors.New("plugin protocol violation")
	ErrStateRejected     = errors.New("plugin rejected state")
	ErrStateSave         = errors.New("plugin failed to save state")
)

// ViolationError records the callback that broke the thread contract.
type ViolationError struct {
	Plugin string
	Op     string
	Want   string
	Detail string
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("%s: %s called %s", ErrProtocolViolation, e.Plugin, e.Op)
	if e.Want != "" {
		msg += " off the " + e.Want + " thread"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return ErrProtocolViolation }
