package supervisor

import "time"

// crashCounter detects crash loops: it trips when more than limit crashes
// happened in each of the last three windows.
type crashCounter struct {
	window time.Duration
	limit  int
	times  []time.Time
}

func (c *crashCounter) record(now time.Time) bool {
	horizon := now.Add(-3 * c.window)
	kept := c.times[:0]
	for _, t := range c.times {
		if t.After(horizon) {
			kept = append(kept, t)
		}
	}
	c.times = append(kept, now)

	var buckets [3]int
	for _, t := range c.times {
		i := int(now.Sub(t) / c.window)
		if i < len(buckets) {
			buckets[i]++
		}
	}
	for _, n := range buckets {
		if n <= c.limit {
			return false
		}
	}
	return true
}
