// Package static hosts plugins that are linked into the Go binary.
//
// A statically linked "binary" is addressed by a pseudo path of the form
// static:<name>. Opener resolves those paths from the registry and hands
// every other path to its Fallback (normally the native dlopen opener).
package static

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaban/claphost/clap"
)

// Scheme prefixes every static pseudo path.
const Scheme = "static:"

var (
	mu       sync.RWMutex
	registry = map[string]func() clap.Entry{}
)

// Register makes an entry constructor available under Path(name).
// Registering the same name twice replaces the constructor.
func Register(name string, newEntry func() clap.Entry) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = newEntry
}

// Unregister removes name from the registry.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}

// Path returns the pseudo path for a registered name.
func Path(name string) string { return Scheme + name }

// IsPath reports whether p addresses the static registry.
func IsPath(p string) bool { return strings.HasPrefix(p, Scheme) }

// Paths lists every registered pseudo path, sorted.
func Paths() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, Path(name))
	}
	sort.Strings(out)
	return out
}

// Opener opens static pseudo paths and delegates the rest to Fallback.
type Opener struct {
	Fallback clap.Opener
}

// Open implements clap.Opener.
func (o Opener) Open(path string) (clap.Module, error) {
	if !IsPath(path) {
		if o.Fallback == nil {
			return nil, fmt.Errorf("no opener for %q", path)
		}
		return o.Fallback.Open(path)
	}
	name := strings.TrimPrefix(path, Scheme)
	mu.RLock()
	newEntry, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", clap.ErrEntryNotFound, path)
	}
	entry := newEntry()
	if entry == nil {
		return nil, fmt.Errorf("%w: %s returned nil entry", clap.ErrEntryNotFound, path)
	}
	return &module{entry: entry}, nil
}

type module struct {
	entry clap.Entry
}

func (m *module) Entry() clap.Entry { return m.entry }
func (m *module) Close() error      { return nil }

// Constructor creates a plugin instance for one descriptor.
type Constructor func(desc *clap.Descriptor, host clap.Host) clap.Plugin

// Variant pairs a descriptor with its constructor.
type Variant struct {
	Descriptor clap.Descriptor
	New        Constructor
}

// Entry is a ready-made clap.Entry over a fixed list of variants.
type Entry struct {
	ABI      clap.Version
	Variants []Variant
	// InitFunc overrides Init when set.
	InitFunc func(path string) bool
	// NoFactory makes PluginFactory return nil.
	NoFactory bool

	mu     sync.Mutex
	inits  int
	deinit int
}

// NewEntry returns an Entry at the host ABI version.
func NewEntry(variants ...Variant) *Entry {
	return &Entry{ABI: clap.HostVersion, Variants: variants}
}

func (e *Entry) Version() clap.Version { return e.ABI }

func (e *Entry) Init(path string) bool {
	e.mu.Lock()
	e.inits++
	e.mu.Unlock()
	if e.InitFunc != nil {
		return e.InitFunc(path)
	}
	return true
}

func (e *Entry) Deinit() {
	e.mu.Lock()
	e.deinit++
	e.mu.Unlock()
}

// Calls returns how many times Init and Deinit ran.
func (e *Entry) Calls() (inits, deinits int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits, e.deinit
}

func (e *Entry) PluginFactory() clap.PluginFactory {
	if e.NoFactory {
		return nil
	}
	return factory{e}
}

type factory struct{ e *Entry }

func (f factory) Count() int { return len(f.e.Variants) }

func (f factory) Descriptor(index int) *clap.Descriptor {
	if index < 0 || index >= len(f.e.Variants) {
		return nil
	}
	return &f.e.Variants[index].Descriptor
}

func (f factory) Create(host clap.Host, id string) clap.Plugin {
	for i := range f.e.Variants {
		v := &f.e.Variants[i]
		if v.Descriptor.ID == id && v.New != nil {
			return v.New(&v.Descriptor, host)
		}
	}
	return nil
}
