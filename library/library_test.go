package library

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/internal/testplug"
)

func newLoader() *Loader {
	return NewLoader(static.Opener{}, logr.Discard())
}

// register installs a fresh two-variant entry under a name unique to t.
func register(t *testing.T) (string, *static.Entry) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	e := static.NewEntry(
		static.Variant{Descriptor: clap.Descriptor{ClapVersion: clap.HostVersion, ID: "a", Vendor: "v"}, New: testplug.NewGain},
		static.Variant{Descriptor: clap.Descriptor{ClapVersion: clap.HostVersion, ID: "b", Vendor: "v"}, New: testplug.NewArp},
	)
	static.Register(name, func() clap.Entry { return e })
	t.Cleanup(func() { static.Unregister(name) })
	return static.Path(name), e
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.clap"), ErrNotFound},
		{"unregistered static", static.Path("does-not-exist"), ErrSymbolMissing},
		{"init false", testplug.Path(testplug.NoInit), ErrInitFailed},
		{"no factory", testplug.Path(testplug.NoFactory), ErrNoFactory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader()
			b, err := l.Load(tt.path)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, b)
			assert.Equal(t, 0, l.Resident())
			_, ok := l.Lookup(tt.path)
			assert.False(t, ok)
		})
	}
}

func TestNoFactoryDeinitializes(t *testing.T) {
	e := testplug.Entry(testplug.NoFactory)
	inits0, deinits0 := e.Calls()
	_, err := newLoader().Load(testplug.Path(testplug.NoFactory))
	require.ErrorIs(t, err, ErrNoFactory)
	inits, deinits := e.Calls()
	assert.Equal(t, inits0+1, inits)
	assert.Equal(t, deinits0+1, deinits)
}

func TestSharedBinaryRefcount(t *testing.T) {
	path, e := register(t)
	l := newLoader()

	b1, err := l.Load(path)
	require.NoError(t, err)
	b2, err := l.Load(path)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, l.Resident())

	_, err = b1.CreateInstance("a", nil)
	require.NoError(t, err)
	_, err = b2.CreateInstance("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, b1.InstanceCount())

	b1.DecreaseInstanceCount()
	assert.True(t, b1.Loaded())
	assert.Equal(t, 1, l.Resident())

	b1.DecreaseInstanceCount()
	assert.False(t, b1.Loaded())
	assert.Nil(t, b1.Factory())
	assert.Equal(t, 0, l.Resident())

	// Further releases and unloads are diagnostics only.
	b1.DecreaseInstanceCount()
	b1.Unload()
	assert.Equal(t, 0, b1.InstanceCount())

	inits, deinits := e.Calls()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, deinits)
}

func TestCreateInstanceFailures(t *testing.T) {
	path, _ := register(t)
	l := newLoader()
	b, err := l.Load(path)
	require.NoError(t, err)

	_, err = b.CreateInstance("unknown", nil)
	require.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, 0, b.InstanceCount())

	b.Unload()
	_, err = b.CreateInstance("a", nil)
	require.ErrorIs(t, err, ErrUnloaded)
}

func TestInstantiateReloadsAfterUnload(t *testing.T) {
	path, e := register(t)
	l := newLoader()

	b, p, err := l.Instantiate(path, "a", nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	b.DecreaseInstanceCount()
	require.False(t, b.Loaded())

	b2, _, err := l.Instantiate(path, "b", nil)
	require.NoError(t, err)
	assert.NotSame(t, b, b2)
	assert.True(t, b2.Loaded())

	inits, deinits := e.Calls()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, deinits)
}

func TestInstantiateUnknownIDDropsFreshBinary(t *testing.T) {
	path, e := register(t)
	l := newLoader()
	_, _, err := l.Instantiate(path, "zzz", nil)
	require.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, 0, l.Resident())
	_, deinits := e.Calls()
	assert.Equal(t, 1, deinits)
}

func TestReleaseIfIdle(t *testing.T) {
	path, _ := register(t)
	l := newLoader()
	b, err := l.Load(path)
	require.NoError(t, err)
	_, err = b.CreateInstance("a", nil)
	require.NoError(t, err)

	assert.False(t, l.ReleaseIfIdle(b))
	assert.True(t, b.Loaded())

	b.DecreaseInstanceCount()
	assert.False(t, l.ReleaseIfIdle(b), "already unloaded by the last release")
}

func TestConcurrentVariantsShareOneLifecycle(t *testing.T) {
	for round := 0; round < 50; round++ {
		path, e := register(t)
		l := newLoader()

		var wg sync.WaitGroup
		bins := make([]*Binary, 2)
		errs := make([]error, 2)
		for i, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				bins[i], _, errs[i] = l.Instantiate(path, id, nil)
			}(i, id)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.Same(t, bins[0], bins[1])
		require.Equal(t, 2, bins[0].InstanceCount())

		for _, b := range bins {
			wg.Add(1)
			go func(b *Binary) {
				defer wg.Done()
				b.DecreaseInstanceCount()
			}(b)
		}
		wg.Wait()

		inits, deinits := e.Calls()
		require.Equal(t, 1, inits)
		require.Equal(t, 1, deinits)
		require.Equal(t, 0, l.Resident())
	}
}

func TestAcquireReportsFreshLoads(t *testing.T) {
	l := newLoader()
	path, e := register(t)

	b, fresh, err := l.Acquire(path)
	require.NoError(t, err)
	assert.True(t, fresh)

	again, fresh, err := l.Acquire(path)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Same(t, b, again)

	require.True(t, l.ReleaseIfIdle(b))
	inits, deinits := e.Calls()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, deinits)
}
