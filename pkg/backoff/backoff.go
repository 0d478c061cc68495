// Package backoff provides delay schedules for retrying failed work, such as
// restarting a crashed transport listener.
package backoff

import (
	"math/rand"
	"time"
)

var (
	// RestartTable is the delay schedule used when a listener terminates
	// unexpectedly: the first restart waits 5 seconds, every later one 10.
	RestartTable = []time.Duration{
		5 * time.Second,
		10 * time.Second,
	}

	DefaultRestart Func = Table(RestartTable)
)

// Func returns how long to wait before the given attempt.  Attempts are
// zero-indexed: attempt 0 is the first retry.
type Func func(attempt int) time.Duration

// Table returns a Func which walks tbl, repeating the final entry once the
// table is exhausted.
func Table(tbl []time.Duration) Func {
	last := len(tbl) - 1
	return func(attempt int) time.Duration {
		if last < 0 {
			return 0
		}
		if attempt < 0 {
			attempt = 0
		}
		if attempt > last {
			attempt = last
		}
		return tbl[attempt]
	}
}

// Linear returns a fixed interval between attempts.
func Linear(interval time.Duration) Func {
	return func(int) time.Duration {
		return interval
	}
}

// ExponentialJitter doubles base for each attempt, adds up to 15% jitter and
// caps the delay at max.
func ExponentialJitter(base, max time.Duration) Func {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			attempt = 30
		}
		d := base * time.Duration(uint64(1)<<uint(attempt))
		d += time.Duration(float64(d) * 0.15 * rand.Float64())
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}
