package clap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEventListBounded(t *testing.T) {
	l := NewEventList(2)
	require.True(t, l.TryPush(NoteOn(0, 0, 60, 1)))
	require.True(t, l.TryPush(NoteOff(5, 0, 60, 0)))
	assert.False(t, l.TryPush(ParamValue(1, 3, 0.5)))
	assert.Equal(t, 2, l.Size())
	assert.Equal(t, 1, l.Dropped())
	assert.Nil(t, l.Get(2))

	l.Clear()
	assert.Equal(t, 0, l.Size())
	assert.Equal(t, 2, l.Cap())
}

func TestEventListCopyFrom(t *testing.T) {
	src := NewEventList(4)
	src.TryPush(NoteOn(1, 0, 60, 1))
	src.TryPush(MIDI(2, 0, [3]byte{0x90, 64, 100}))

	dst := NewEventList(1)
	assert.Equal(t, 1, dst.CopyFrom(src))
	assert.Equal(t, EventNoteOn, dst.Get(0).Type)
	assert.Equal(t, 0, dst.CopyFrom(nil))
}

func TestEventListClampTimes(t *testing.T) {
	l := NewEventList(4)
	l.TryPush(NoteOn(900, 0, 60, 1))
	l.ClampTimes(512)
	assert.Equal(t, uint32(511), l.Get(0).Time)
}

func TestEventListSortIsStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		times := rapid.SliceOfN(rapid.Uint32Range(0, 16), 0, 64).Draw(t, "times")
		l := NewEventList(64)
		for i, tm := range times {
			ev := ParamValue(tm, uint32(i), 0)
			l.TryPush(ev)
		}
		l.Sort()
		for i := 1; i < l.Size(); i++ {
			prev, cur := l.Get(i-1), l.Get(i)
			if prev.Time > cur.Time {
				t.Fatalf("not sorted at %d: %d > %d", i, prev.Time, cur.Time)
			}
			if prev.Time == cur.Time && prev.ParamID > cur.ParamID {
				t.Fatalf("unstable at %d", i)
			}
		}
	})
}

func TestVersionCompatibility(t *testing.T) {
	tests := []struct {
		v    Version
		want bool
	}{
		{Version{0, 9, 0}, false},
		{Version{1, 0, 0}, true},
		{HostVersion, true},
		{Version{2, 0, 0}, true},
	}
	for _, tc := range tests {
		t.Run(tc.v.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.v.IsCompatible())
		})
	}
}

func TestDescriptorClone(t *testing.T) {
	d := Descriptor{ID: "a", Features: []string{FeatureInstrument}}
	c := d.Clone()
	c.Features[0] = "changed"
	assert.Equal(t, FeatureInstrument, d.Features[0])
	assert.True(t, d.HasFeature("INSTRUMENT"))
}
