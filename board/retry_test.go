package board

import (
	"testing"
	"time"
)

func TestRetryDelayDoublesUpToMax(t *testing.T) {
	p := RetryPolicy{Initial: 100 * time.Millisecond, Max: time.Second}.withDefaults()
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := p.delay(tc.attempt)
			lo, hi := tc.base*8/10-time.Microsecond, tc.base*12/10
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tc.attempt, d, lo, hi)
			}
		}
	}
}
