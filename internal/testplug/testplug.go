// Package testplug provides statically linked plugins for tests and demos.
package testplug

import (
	"sync"
	"sync/atomic"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
)

// Registry names. Use static.Path(name) to address them.
const (
	Duo       = "testplug-duo" // gain + arp, same vendor
	Counter   = "testplug-counter"
	Stateful  = "testplug-stateful"
	Hot       = "testplug-hot"
	Rogue     = "testplug-rogue"
	Failing   = "testplug-failing"
	NoInit    = "testplug-noinit"
	NoFactory = "testplug-nofactory"
	OldABI    = "testplug-oldabi"
)

// Plugin ids.
const (
	GainID     = "com.claphost.test.gain"
	ArpID      = "com.claphost.test.arp"
	CounterID  = "com.claphost.test.counter"
	StatefulID = "com.claphost.test.stateful"
	HotID      = "com.claphost.test.hot"
	RogueID    = "com.claphost.test.rogue"
	FailingID  = "com.claphost.test.failing"
	OldID      = "com.claphost.test.old"
)

// Vendor is shared by every test plugin.
const Vendor = "claphost"

// Parameter ids of the gain-style plugins.
const (
	ParamGain   uint32 = 0
	ParamOffset uint32 = 1
)

var (
	registerOnce sync.Once
	entries      = map[string]*static.Entry{}

	stops, offAudioStops atomic.Int64
)

// Stops returns how often any test plugin ran stop_processing, and how
// many of those calls came from a thread the host does not count as audio.
func Stops() (total, offAudio int64) { return stops.Load(), offAudioStops.Load() }

func descriptor(id, name string, features ...string) clap.Descriptor {
	return clap.Descriptor{
		ClapVersion: clap.HostVersion,
		ID:          id,
		Name:        name,
		Vendor:      Vendor,
		Version:     "1.0.0",
		Features:    features,
	}
}

// Register installs every test binary into the static registry. It is
// idempotent.
func Register() {
	registerOnce.Do(func() {
		add(Duo, static.NewEntry(
			static.Variant{Descriptor: descriptor(GainID, "Test Gain", clap.FeatureAudioEffect, clap.FeatureStereo), New: NewGain},
			static.Variant{Descriptor: descriptor(ArpID, "Test Arp", clap.FeatureNoteEffect), New: NewArp},
		))
		add(Counter, static.NewEntry(
			static.Variant{Descriptor: descriptor(CounterID, "Test Counter", clap.FeatureInstrument), New: NewCounter},
		))
		add(Stateful, static.NewEntry(
			static.Variant{Descriptor: descriptor(StatefulID, "Test Stateful", clap.FeatureAudioEffect), New: NewStateful},
		))
		add(Hot, static.NewEntry(
			static.Variant{Descriptor: descriptor(HotID, "Test Hot", clap.FeatureInstrument), New: NewHot},
		))
		add(Rogue, static.NewEntry(
			static.Variant{Descriptor: descriptor(RogueID, "Test Rogue", clap.FeatureAudioEffect), New: NewRogue},
		))
		add(Failing, static.NewEntry(
			static.Variant{Descriptor: descriptor(FailingID, "Test Failing", clap.FeatureAudioEffect), New: NewFailing},
		))

		noInit := static.NewEntry()
		noInit.InitFunc = func(string) bool { return false }
		add(NoInit, noInit)

		noFactory := static.NewEntry()
		noFactory.NoFactory = true
		add(NoFactory, noFactory)

		old := static.NewEntry(static.Variant{Descriptor: descriptor(OldID, "Test Old", clap.FeatureAudioEffect), New: NewGain})
		old.Variants[0].Descriptor.ClapVersion = clap.Version{Major: 0, Minor: 9}
		add(OldABI, old)
	})
}

func add(name string, e *static.Entry) {
	entries[name] = e
	static.Register(name, func() clap.Entry { return e })
}

// Entry returns the registered entry for name, for call-count assertions.
func Entry(name string) *static.Entry {
	Register()
	return entries[name]
}

// Path returns the static pseudo path of a test binary.
func Path(name string) string {
	Register()
	return static.Path(name)
}

// base implements the lifecycle bookkeeping shared by every test plugin.
type base struct {
	desc *clap.Descriptor
	host clap.Host

	sampleRate float64
	maxFrames  uint32
	active     atomic.Bool
	processing atomic.Bool
	destroyed  atomic.Bool
	mainCalls  atomic.Int32
}

func (b *base) Descriptor() *clap.Descriptor { return b.desc }
func (b *base) Init() bool                   { return true }
func (b *base) Destroy()                     { b.destroyed.Store(true) }

func (b *base) Activate(sampleRate float64, minFrames, maxFrames uint32) bool {
	b.sampleRate = sampleRate
	b.maxFrames = maxFrames
	b.active.Store(true)
	return true
}

func (b *base) Deactivate()           { b.active.Store(false) }
func (b *base) StartProcessing() bool { b.processing.Store(true); return true }
func (b *base) Reset()                {}
func (b *base) Extension(string) any  { return nil }
func (b *base) OnMainThread()         { b.mainCalls.Add(1) }

func (b *base) StopProcessing() {
	stops.Add(1)
	if b.host != nil {
		if tc, ok := b.host.Extension(clap.ExtThreadCheck).(clap.HostThreadCheck); ok && !tc.IsAudioThread() {
			offAudioStops.Add(1)
		}
	}
	b.processing.Store(false)
}

// Active reports whether the plugin is between Activate and Deactivate.
func (b *base) Active() bool { return b.active.Load() }

// Processing reports whether the plugin is between start and stop processing.
func (b *base) Processing() bool { return b.processing.Load() }

// MainCalls returns how often OnMainThread ran.
func (b *base) MainCalls() int { return int(b.mainCalls.Load()) }

// Destroyed reports whether Destroy ran.
func (b *base) Destroyed() bool { return b.destroyed.Load() }

func outputs(p *clap.Process) [][]float32 {
	if len(p.AudioOutputs) == 0 {
		return nil
	}
	return p.AudioOutputs[0].Data32
}

func inputs(p *clap.Process) [][]float32 {
	if len(p.AudioInputs) == 0 {
		return nil
	}
	return p.AudioInputs[0].Data32
}
