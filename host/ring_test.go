package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRingRoundsUpCapacity(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {256, 256}, {1000, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewRing[int](tt.in).Cap(), "capacity %d", tt.in)
	}
}

func TestRingMatchesFIFOModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRing[int](rapid.IntRange(1, 16).Draw(t, "cap"))
		var model []int
		next := 0
		t.Repeat(map[string]func(*rapid.T){
			"push": func(t *rapid.T) {
				ok := r.Push(next)
				if len(model) == r.Cap() {
					if ok {
						t.Fatalf("push into full ring succeeded")
					}
					return
				}
				if !ok {
					t.Fatalf("push failed with %d/%d", len(model), r.Cap())
				}
				model = append(model, next)
				next++
			},
			"pop": func(t *rapid.T) {
				v, ok := r.Pop()
				if len(model) == 0 {
					if ok {
						t.Fatalf("pop from empty ring returned %d", v)
					}
					return
				}
				if !ok || v != model[0] {
					t.Fatalf("pop = %d,%v want %d", v, ok, model[0])
				}
				model = model[1:]
			},
			"": func(t *rapid.T) {
				if r.Len() != len(model) {
					t.Fatalf("len %d, model %d", r.Len(), len(model))
				}
			},
		})
	})
}

func TestRingConcurrentOrder(t *testing.T) {
	const n = 100000
	r := NewRing[int](64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; {
			if r.Push(i) {
				i++
			}
		}
	}()
	want := 0
	for want < n {
		if v, ok := r.Pop(); ok {
			require.Equal(t, want, v)
			want++
		}
	}
	<-done
	_, ok := r.Pop()
	assert.False(t, ok)
}
