package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/static"
	"github.com/shaban/claphost/host"
	"github.com/shaban/claphost/internal/testplug"
	"github.com/shaban/claphost/library"
)

// diskOpener serves every real file as the counter test binary and counts
// the opens.
type diskOpener struct{ opens atomic.Int32 }

func (o *diskOpener) Open(path string) (clap.Module, error) {
	o.opens.Add(1)
	return static.Opener{}.Open(testplug.Path(testplug.Counter))
}

func newScanner(opener *diskOpener) (*Scanner, *library.Loader) {
	testplug.Register()
	var fallback clap.Opener
	if opener != nil {
		fallback = opener
	}
	l := library.NewLoader(static.Opener{Fallback: fallback}, logr.Discard())
	s := NewScanner(l, logr.Discard())
	s.Roots = []string{}
	return s, l
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("bin"), 0o644))
}

func TestEntryFilters(t *testing.T) {
	es := Entries{
		{Descriptor: clap.Descriptor{ID: "a.comp", Name: "Bus Compressor", Vendor: "Acme", Features: []string{clap.FeatureAudioEffect}}},
		{Descriptor: clap.Descriptor{ID: "a.synth", Name: "Poly Synth", Vendor: "acme", Features: []string{clap.FeatureInstrument}}},
		{Descriptor: clap.Descriptor{ID: "b.comp", Name: "Compressor", Vendor: "Other", Features: []string{clap.FeatureAudioEffect}}, Err: ErrIncompatibleVersion},
	}
	ids := func(es Entries) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}
	tests := []struct {
		name string
		got  Entries
		want []string
	}{
		{"vendor ignores case", es.ByVendor("ACME"), []string{"a.comp", "a.synth"}},
		{"feature", es.ByFeature("audio-effect"), []string{"a.comp", "b.comp"}},
		{"name substring", es.ByName("compress"), []string{"a.comp", "b.comp"}},
		{"id", es.ByID("a.synth"), []string{"a.synth"}},
		{"compatible", es.Compatible(), []string{"a.comp", "a.synth"}},
		{"chained", es.ByVendor("acme").ByFeature("audio-effect").Compatible(), []string{"a.comp"}},
		{"no match", es.ByName("reverb"), nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ids(tt.got)); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
	e, ok := es.Find("b.comp")
	require.True(t, ok)
	assert.False(t, e.Compatible())
}

func TestScanStaticBinaries(t *testing.T) {
	s, l := newScanner(nil)
	es, err := s.Scan(context.Background(),
		testplug.Path(testplug.Duo)+";"+testplug.Path(testplug.NoInit),
		testplug.Path(testplug.OldABI))
	require.NoError(t, err)

	require.Len(t, es, 3)
	assert.Equal(t, testplug.GainID, es[0].ID)
	assert.Equal(t, 0, es[0].Index)
	assert.Equal(t, testplug.ArpID, es[1].ID)
	assert.Equal(t, 1, es[1].Index)
	assert.Equal(t, testplug.Path(testplug.Duo), es[1].Path)
	assert.ErrorIs(t, es[2].Err, ErrIncompatibleVersion)
	assert.Len(t, es.Compatible(), 2)
	assert.Zero(t, l.Resident(), "scan leaves nothing loaded")

	inits, deinits := testplug.Entry(testplug.Duo).Calls()
	assert.Equal(t, inits, deinits)
}

func TestScanKeepsBinariesItDidNotLoad(t *testing.T) {
	s, l := newScanner(nil)
	h := host.New(host.Options{})
	require.NoError(t, h.Load(l, testplug.Path(testplug.Duo), 0))
	defer h.Unload()

	es, err := s.Scan(context.Background(), testplug.Path(testplug.Duo))
	require.NoError(t, err)
	assert.Len(t, es, 2)
	assert.True(t, h.Binary().Loaded())
	assert.Equal(t, 1, l.Resident())
}

func TestScanWalksDirectories(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.clap"))
	touch(t, filepath.Join(dir, "sub", "B.CLAP"))
	touch(t, filepath.Join(dir, "readme.txt"))
	touch(t, filepath.Join(dir, "bundle.clap", "Contents", "inner.clap"))

	opener := &diskOpener{}
	s, _ := newScanner(opener)
	paths, err := s.find(context.Background(), []string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.clap"),
		filepath.Join(dir, "bundle.clap"),
		filepath.Join(dir, "sub", "B.CLAP"),
	}, paths)

	s.Roots = []string{dir}
	es, err := s.Scan(context.Background(), filepath.Join(dir, "a.clap"))
	require.NoError(t, err)
	var found []string
	for _, e := range es {
		if e.ID == testplug.CounterID {
			found = append(found, e.Path)
		}
	}
	assert.Contains(t, found, filepath.Join(dir, "a.clap"))
	assert.Contains(t, found, filepath.Join(dir, "sub", "B.CLAP"))
	assert.Len(t, found, len(es))
}

func TestScanHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.clap"))
	s, _ := newScanner(&diskOpener{})
	s.Roots = []string{dir}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheSkipsUnchangedBinaries(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "plugins", "a.clap")
	touch(t, bin)

	opener := &diskOpener{}
	s, _ := newScanner(opener)
	s.Roots = []string{filepath.Dir(bin)}
	cache, err := OpenCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	s.Cache = cache

	first, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int32(1), opener.opens.Load())
	assert.FileExists(t, cache.Path())

	// A fresh cache reads the index written by the first scan.
	s.Cache, err = OpenCache(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	second, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), opener.opens.Load())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached entries differ (-first +second):\n%s", diff)
	}

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(bin, later, later))
	_, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), opener.opens.Load())
}

func TestCacheKeepsIncompatibleMarker(t *testing.T) {
	c, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	d := clap.Descriptor{ID: "old", ClapVersion: clap.Version{Minor: 9}}
	c.Store("/p/old.clap", "sum", Entries{{Descriptor: d, Path: "/p/old.clap", Err: incompatible(d)}})

	es, ok := c.Lookup("/p/old.clap", "sum")
	require.True(t, ok)
	require.Len(t, es, 1)
	assert.ErrorIs(t, es[0].Err, ErrIncompatibleVersion)

	_, ok = c.Lookup("/p/old.clap", "other")
	assert.False(t, ok)
}

func TestCacheDiscardsOutdatedIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`{"version":"0.1","entries":{"x":{}}}`), 0o644))
	c, err := OpenCache(dir)
	require.NoError(t, err)
	assert.Zero(t, c.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.json"), []byte(`not json`), 0o644))
	c, err = OpenCache(dir)
	require.NoError(t, err)
	assert.Zero(t, c.Len())
}

func TestCacheRetain(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCache(dir)
	require.NoError(t, err)
	c.Store("/a.clap", "1", nil)
	c.Store("/b.clap", "2", nil)
	c.Retain([]string{"/b.clap"})
	require.NoError(t, c.Save())

	c, err = OpenCache(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("/b.clap", "2")
	assert.True(t, ok)
	assert.NoFileExists(t, c.Path()+".tmp")
}

func TestGetDescriptor(t *testing.T) {
	s, l := newScanner(nil)

	d, err := s.GetDescriptor(testplug.Path(testplug.Duo), 1)
	require.NoError(t, err)
	assert.Equal(t, testplug.ArpID, d.ID)

	_, err = s.GetDescriptor(testplug.Path(testplug.Duo), 2)
	assert.ErrorIs(t, err, ErrNoSuchIndex)

	d, err = s.GetDescriptor(testplug.Path(testplug.OldABI), 0)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
	assert.Equal(t, testplug.OldID, d.ID)

	_, err = s.GetDescriptor(filepath.Join(t.TempDir(), "nope.clap"), 0)
	assert.ErrorIs(t, err, library.ErrNotFound)

	_, err = s.GetDescriptor(testplug.Path(testplug.NoFactory), 0)
	assert.ErrorIs(t, err, library.ErrNoFactory)
	assert.Zero(t, l.Resident())
}

func TestDefaultRootsAppendEnvironment(t *testing.T) {
	sep := string(os.PathListSeparator)
	t.Setenv(PathEnv, "/opt/one"+sep+"/opt/two")
	roots := DefaultRoots()
	require.GreaterOrEqual(t, len(roots), 3)
	assert.Equal(t, []string{"/opt/one", "/opt/two"}, roots[len(roots)-2:])
}

func TestSplitPaths(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b c", "/d"}, SplitPaths("/a; /b c;", "", ";/d"))
	assert.True(t, IsBinary("x/Y.ClAp"))
	assert.False(t, IsBinary("x/clap"))
}
