package claphost

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logr's V.
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

// NewLogger builds a zap backed logr.Logger. level is a verbosity from
// DEFAULT to TRACE; the returned AtomicLevel changes it at runtime.
func NewLogger(level int, development bool) (logr.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevelAt(zapcore.Level(-level))
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atom
	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), atom, err
	}
	return zapr.NewLogger(z), atom, nil
}

// SetLevel maps a verbosity onto atom.
func SetLevel(atom zap.AtomicLevel, level int) {
	atom.SetLevel(zapcore.Level(-level))
}

// NewTestLogger logs everything up to TRACE in development mode.
func NewTestLogger() logr.Logger {
	log, _, err := NewLogger(TRACE, true)
	if err != nil {
		return logr.Discard()
	}
	return log
}
