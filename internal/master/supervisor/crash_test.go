package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCrashCounter(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		offsets []time.Duration // crash times relative to base
		trips   bool
	}{
		{
			name:    "single burst",
			offsets: spread(0, 30*time.Second, 20),
			trips:   false,
		},
		{
			name: "limit reached but not exceeded",
			offsets: concat(
				spread(0, 50*time.Second, 5),
				spread(time.Minute, 50*time.Second, 5),
				spread(2*time.Minute, 50*time.Second, 5),
			),
			trips: false,
		},
		{
			name: "six per minute for three minutes",
			offsets: concat(
				spread(5*time.Second, 50*time.Second, 6),
				spread(time.Minute+5*time.Second, 50*time.Second, 6),
				spread(2*time.Minute+5*time.Second, 50*time.Second, 6),
			),
			trips: true,
		},
		{
			name: "quiet minute in between",
			offsets: concat(
				spread(0, 50*time.Second, 10),
				spread(2*time.Minute, 50*time.Second, 10),
			),
			trips: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &crashCounter{window: time.Minute, limit: 5}
			tripped := false
			for _, off := range tt.offsets {
				tripped = c.record(base.Add(off))
			}
			assert.Equal(t, tt.trips, tripped)
		})
	}
}

func TestCrashCounterForgetsOldCrashes(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &crashCounter{window: time.Minute, limit: 5}
	for _, off := range spread(0, 50*time.Second, 30) {
		c.record(base.Add(off))
	}
	c.record(base.Add(10 * time.Minute))
	assert.Len(t, c.times, 1)
}

// spread returns n offsets evenly spaced over span starting at from.
func spread(from, span time.Duration, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, from+span*time.Duration(i)/time.Duration(n))
	}
	return out
}

func concat(parts ...[]time.Duration) []time.Duration {
	var out []time.Duration
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
