package testutil

import (
	"math"
	"testing"
	"time"
)

// RMS returns the root mean square over all channels of buf.
func RMS(buf [][]float32) float64 {
	var sum float64
	n := 0
	for _, ch := range buf {
		for _, v := range ch {
			sum += float64(v) * float64(v)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// AssertRMSAbove polls capture until the captured block's RMS reaches
// minRMS or timeout elapses. capture returns nil while nothing is
// available yet.
func AssertRMSAbove(t testing.TB, capture func() [][]float32, minRMS float64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	last := 0.0
	for time.Now().Before(deadline) {
		if buf := capture(); buf != nil {
			if last = RMS(buf); last >= minRMS {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("signal below threshold: wanted >= %.6f within %s, last %.6f", minRMS, timeout, last)
}
