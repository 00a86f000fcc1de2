package claphost

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, float64(DefaultSampleRate), c.SampleRate)
	assert.Equal(t, DefaultBlockSize, c.BlockSize)
	assert.False(t, c.Bridge.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		block   int
		wantErr bool
	}{
		{"defaults", Config{}, DefaultBlockSize, false},
		{"low latency", Config{Latency: LatencyLow}, 128, false},
		{"high latency", Config{Latency: LatencyHigh}, 1024, false},
		{"explicit block wins", Config{BlockSize: 64, Latency: LatencyHigh}, 64, false},
		{"unknown latency", Config{Latency: "ultra"}, 0, true},
		{"rate too low", Config{SampleRate: 4000}, 0, true},
		{"rate too high", Config{SampleRate: 768000}, 0, true},
		{"block too small", Config{BlockSize: 16}, 0, true},
		{"block too large", Config{BlockSize: 8192}, 0, true},
		{"bridge block", Config{BlockSize: 1024, Bridge: BridgeConfig{Enabled: true}}, 0, true},
		{"bridge block fits", Config{BlockSize: 512, Bridge: BridgeConfig{Enabled: true}}, 512, false},
		{"negative wait", Config{Bridge: BridgeConfig{MinWait: -time.Millisecond}}, 0, true},
		{"log level", Config{Log: LogConfig{Level: 9}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.config
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.block, c.BlockSize)
		})
	}
}

func TestConfigValidateAcceptsRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Config{
			SampleRate: rapid.Float64Range(MinSampleRate, MaxSampleRate).Draw(t, "rate"),
			BlockSize:  rapid.IntRange(MinBlockSize, MaxBlockSize).Draw(t, "block"),
		}
		if err := c.Validate(); err != nil {
			t.Fatalf("valid config rejected: %v", err)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claphost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sampleRate: 44100
latency: medium
scanPaths: ["/opt/clap", "/srv/clap"]
bridge:
  enabled: true
  minWait: 5ms
  maxMisses: 3
  fallbackLocal: true
log:
  level: 2
`), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 44100.0, c.SampleRate)
	assert.Equal(t, 256, c.BlockSize)
	assert.Equal(t, []string{"/opt/clap", "/srv/clap"}, c.ScanPaths)
	assert.True(t, c.Bridge.Enabled)
	assert.Equal(t, 5*time.Millisecond, c.Bridge.MinWait)
	assert.Equal(t, DEBUG, c.Log.Level)

	opts := c.bridgeOptions()
	assert.Equal(t, 3, opts.MaxMisses)

	require.NoError(t, os.WriteFile(path, []byte("blockSize: 2\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
