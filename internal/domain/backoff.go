// Package domain defines the retry schedule used for delivery backoff.
package domain

import (
	"time"
)

// BackoffSchedule computes the delays between delivery attempts as
// base * 2^i for i = 0..MaxAttempts-1, capped at Max.
type BackoffSchedule struct {
	// Base is the delay before the second attempt.
	Base time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// MaxAttempts is the total number of delivery attempts per lead.
	MaxAttempts int
}

// DefaultBackoffSchedule mirrors the production defaults: 30, 60, 120, 240,
// 480 seconds across five attempts.
func DefaultBackoffSchedule() BackoffSchedule {
	return BackoffSchedule{
		Base:        30 * time.Second,
		Max:         480 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait after failed attempt i+1 (i is 0-based).
// Out-of-range indexes clamp to the last scheduled delay.
func (b BackoffSchedule) Delay(i int) time.Duration {
	if i < 0 {
		i = 0
	}
	if b.MaxAttempts > 0 && i > b.MaxAttempts-1 {
		i = b.MaxAttempts - 1
	}
	d := b.Base << uint(i)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	return d
}

// Delays materializes the full schedule, mostly for logging and tests.
func (b BackoffSchedule) Delays() []time.Duration {
	out := make([]time.Duration, 0, b.MaxAttempts)
	for i := 0; i < b.MaxAttempts; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

// RemainingWait returns how much of the backoff window after attempt n is
// still outstanding at now. The queue's delayed re-enqueue normally consumes
// the whole window, so the remainder is zero; a job handed over early (an
// orphan re-enqueue, a zero-delay transport) still honors the schedule.
// n is the count of attempts already recorded; n == 0 means no wait.
func (b BackoffSchedule) RemainingWait(lastAttemptAt time.Time, n int, now time.Time) time.Duration {
	if n <= 0 || lastAttemptAt.IsZero() {
		return 0
	}
	due := lastAttemptAt.Add(b.Delay(n - 1))
	if rem := due.Sub(now); rem > 0 {
		return rem
	}
	return 0
}
