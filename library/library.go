// Package library loads plugin binaries and shares them between hosts.
//
// One Binary exists per resolved path. Hosts create instances through it,
// and the binary is unloaded exactly when its last instance goes away.
package library

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
)

var (
	ErrNotFound      = errors.New("plugin binary not found")
	ErrSymbolMissing = errors.New("entry symbol missing")
	ErrInitFailed    = errors.New("entry init returned false")
	ErrNoFactory     = errors.New("binary has no plugin factory")
	ErrUnloaded      = errors.New("binary already unloaded")
	ErrCreateFailed  = errors.New("plugin creation failed")
)

// Binary is a loaded plugin library.
type Binary struct {
	loader *Loader
	path   string
	module clap.Module
	entry  clap.Entry

	mu      sync.Mutex
	loaded  bool
	factory clap.PluginFactory

	instances atomic.Int32
}

// Path returns the path the binary was loaded from, before bundle resolution.
func (b *Binary) Path() string { return b.path }

// Version returns the ABI version declared by the entry.
func (b *Binary) Version() clap.Version { return b.entry.Version() }

// Factory returns the plugin factory, or nil once unloaded.
func (b *Binary) Factory() clap.PluginFactory {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return nil
	}
	return b.factory
}

// Loaded reports whether the native handle is still held.
func (b *Binary) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// InstanceCount returns the number of live instances.
func (b *Binary) InstanceCount() int { return int(b.instances.Load()) }

// CreateInstance creates the plugin with the given id, bound to host.
// The live-instance counter is incremented only on success.
func (b *Binary) CreateInstance(id string, host clap.Host) (clap.Plugin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return nil, fmt.Errorf("%w: %s", ErrUnloaded, b.path)
	}
	p := b.factory.Create(host, id)
	if p == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrCreateFailed, id, b.path)
	}
	b.instances.Add(1)
	return p, nil
}

// DecreaseInstanceCount releases one instance and unloads the binary when
// none remain.
func (b *Binary) DecreaseInstanceCount() {
	n := b.instances.Add(-1)
	switch {
	case n < 0:
		b.instances.Add(1)
		b.loader.log.V(1).Info("instance count already zero", "path", b.path)
	case n == 0:
		b.Unload()
	}
}

// Unload calls deinit and releases the native handle. A second call is a
// logged no-op.
func (b *Binary) Unload() {
	if !b.unload() {
		b.loader.log.V(1).Info("binary already unloaded", "path", b.path)
		return
	}
	b.loader.forget(b)
}

func (b *Binary) unload() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return false
	}
	b.loaded = false
	b.factory = nil
	b.entry.Deinit()
	if err := b.module.Close(); err != nil {
		b.loader.log.Error(err, "closing plugin binary", "path", b.path)
	}
	b.loader.log.V(1).Info("binary unloaded", "path", b.path)
	return true
}

// Loader owns the path to Binary map.
type Loader struct {
	opener clap.Opener
	log    logr.Logger

	mu       sync.Mutex
	binaries map[string]*Binary
}

// NewLoader returns a loader opening binaries through opener.
func NewLoader(opener clap.Opener, log logr.Logger) *Loader {
	return &Loader{opener: opener, log: log.WithName("library"), binaries: map[string]*Binary{}}
}

// Load returns the resident binary for path or loads it.
func (l *Loader) Load(path string) (*Binary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(path)
}

// Acquire is Load that also reports whether this call loaded the binary.
// Transient users release only what they loaded themselves.
func (l *Loader) Acquire(path string) (b *Binary, fresh bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.binaries[path]; ok {
		return b, false, nil
	}
	b, err = l.loadLocked(path)
	return b, err == nil, err
}

// Lookup returns the resident binary for path, if any.
func (l *Loader) Lookup(path string) (*Binary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.binaries[path]
	return b, ok
}

// Resident returns the number of loaded binaries.
func (l *Loader) Resident() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.binaries)
}

// Instantiate loads path if needed and creates an instance in one step, so
// a concurrent release cannot unload the binary in between.
func (l *Loader) Instantiate(path, id string, host clap.Host) (*Binary, clap.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		b, err := l.loadLocked(path)
		if err != nil {
			return nil, nil, err
		}
		p, err := b.CreateInstance(id, host)
		if errors.Is(err, ErrUnloaded) {
			if l.binaries[path] == b {
				delete(l.binaries, path)
			}
			continue
		}
		if err != nil {
			if b.InstanceCount() == 0 {
				l.dropLocked(b)
			}
			return nil, nil, err
		}
		return b, p, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnloaded, path)
}

// ReleaseIfIdle unloads b when it has no instances. It is used after a
// transient load for scanning.
func (l *Loader) ReleaseIfIdle(b *Binary) bool {
	l.mu.Lock()
	if b.InstanceCount() > 0 {
		l.mu.Unlock()
		return false
	}
	if l.binaries[b.path] == b {
		delete(l.binaries, b.path)
	}
	l.mu.Unlock()
	return b.unload()
}

func (l *Loader) dropLocked(b *Binary) {
	if l.binaries[b.path] == b {
		delete(l.binaries, b.path)
	}
	b.unload()
}

func (l *Loader) forget(b *Binary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.binaries[b.path] == b {
		delete(l.binaries, b.path)
	}
}

func (l *Loader) loadLocked(path string) (*Binary, error) {
	if b, ok := l.binaries[path]; ok {
		return b, nil
	}

	resolved := path
	if !static.IsPath(path) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		var err error
		if resolved, err = ResolveBundle(path); err != nil {
			return nil, err
		}
	}

	mod, err := l.opener.Open(resolved)
	if err != nil {
		if errors.Is(err, clap.ErrEntryNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSymbolMissing, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	entry := mod.Entry()
	if entry == nil {
		_ = mod.Close()
		return nil, fmt.Errorf("%w: %s", ErrSymbolMissing, path)
	}
	if !entry.Init(path) {
		_ = mod.Close()
		return nil, fmt.Errorf("%w: %s", ErrInitFailed, path)
	}
	factory := entry.PluginFactory()
	if factory == nil {
		entry.Deinit()
		_ = mod.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, path)
	}

	b := &Binary{loader: l, path: path, module: mod, entry: entry, factory: factory, loaded: true}
	l.binaries[path] = b
	l.log.V(1).Info("binary loaded", "path", path, "resolved", resolved, "abi", entry.Version().String())
	return b, nil
}
