package scheduler

import "time"

// Backoff grows the wait after consecutive transient failures.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// Next returns the wait for the given consecutive failure (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = time.Second
	}
	max := b.Max
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= max {
			return max
		}
		wait = next
	}
	return wait
}
