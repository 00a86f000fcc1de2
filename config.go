package claphost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaban/claphost/bridge"
)

// Audio format limits.
const (
	MinSampleRate     = 8000
	MaxSampleRate     = 384000
	DefaultSampleRate = 48000
	MinBlockSize      = 64
	MaxBlockSize      = 4096
	DefaultBlockSize  = 512
)

// Latency presets pick a block size when none is given.
type Latency string

const (
	LatencyLow    Latency = "low"
	LatencyMedium Latency = "medium"
	LatencyHigh   Latency = "high"
)

// BlockSize returns the preset's frames per block, or 0 for an unknown
// preset.
func (l Latency) BlockSize() int {
	switch l {
	case LatencyLow:
		return 128
	case LatencyMedium:
		return 256
	case LatencyHigh:
		return 1024
	}
	return 0
}

// BridgeConfig controls out-of-process hosting.
type BridgeConfig struct {
	// Enabled hosts every new plugin in a child process.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Executable is the child binary; empty means the running one.
	Executable string        `yaml:"executable,omitempty" json:"executable,omitempty"`
	WaitFactor float64       `yaml:"waitFactor,omitempty" json:"waitFactor,omitempty"`
	MinWait    time.Duration `yaml:"minWait,omitempty" json:"minWait,omitempty"`
	MaxMisses  int           `yaml:"maxMisses,omitempty" json:"maxMisses,omitempty"`
	// FallbackLocal loads the plugin in-process when the child cannot be
	// started.
	FallbackLocal bool `yaml:"fallbackLocal" json:"fallbackLocal"`
	Debug         bool `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// LogConfig selects verbosity and encoder.
type LogConfig struct {
	Level       int  `yaml:"level" json:"level"`
	Development bool `yaml:"development" json:"development"`
}

// Config is the engine configuration. Zero values take defaults in
// Validate.
type Config struct {
	SampleRate float64      `yaml:"sampleRate" json:"sampleRate"`
	BlockSize  int          `yaml:"blockSize" json:"blockSize"`
	Latency    Latency      `yaml:"latency,omitempty" json:"latency,omitempty"`
	ScanPaths  []string     `yaml:"scanPaths,omitempty" json:"scanPaths,omitempty"`
	CacheDir   string       `yaml:"cacheDir,omitempty" json:"cacheDir,omitempty"`
	Bridge     BridgeConfig `yaml:"bridge" json:"bridge"`
	Log        LogConfig    `yaml:"log" json:"log"`
}

// DefaultConfig returns a validated configuration with every default.
func DefaultConfig() Config {
	var c Config
	_ = c.Validate()
	return c
}

// LoadConfig reads a YAML configuration file and validates it.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate applies defaults and checks ranges.
func (c *Config) Validate() error {
	switch {
	case c.SampleRate == 0:
		c.SampleRate = DefaultSampleRate
	case c.SampleRate < MinSampleRate:
		return fmt.Errorf("SampleRate must be at least %d Hz, got %.0f", MinSampleRate, c.SampleRate)
	case c.SampleRate > MaxSampleRate:
		return fmt.Errorf("SampleRate cannot exceed %d Hz, got %.0f", MaxSampleRate, c.SampleRate)
	}

	if c.BlockSize == 0 && c.Latency != "" {
		c.BlockSize = c.Latency.BlockSize()
		if c.BlockSize == 0 {
			return fmt.Errorf("unknown latency preset %q", c.Latency)
		}
	}
	switch {
	case c.BlockSize == 0:
		c.BlockSize = DefaultBlockSize
	case c.BlockSize < MinBlockSize:
		return fmt.Errorf("BlockSize must be at least %d samples, got %d", MinBlockSize, c.BlockSize)
	case c.BlockSize > MaxBlockSize:
		return fmt.Errorf("BlockSize cannot exceed %d samples, got %d", MaxBlockSize, c.BlockSize)
	}

	if c.Bridge.Enabled && c.BlockSize > bridge.BlockFrames {
		return fmt.Errorf("BlockSize %d exceeds the bridge block of %d frames", c.BlockSize, bridge.BlockFrames)
	}
	if c.Bridge.WaitFactor < 0 || c.Bridge.MaxMisses < 0 || c.Bridge.MinWait < 0 {
		return fmt.Errorf("bridge wait settings must not be negative")
	}
	if c.Log.Level < DEFAULT || c.Log.Level > TRACE {
		return fmt.Errorf("log level must be between %d and %d, got %d", DEFAULT, TRACE, c.Log.Level)
	}
	return nil
}

func (c *Config) bridgeOptions() bridge.Options {
	return bridge.Options{
		Executable: c.Bridge.Executable,
		WaitFactor: c.Bridge.WaitFactor,
		MinWait:    c.Bridge.MinWait,
		MaxMisses:  c.Bridge.MaxMisses,
		Debug:      c.Bridge.Debug,
	}
}
