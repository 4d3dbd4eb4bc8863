package jobs

import "time"

const (
	// DefaultBackoffFloor is both the first retry delay and the minimum gap
	// between two attempts of the same job.
	DefaultBackoffFloor = time.Minute

	// DefaultBackoffCeiling caps the doubling delay.
	DefaultBackoffCeiling = 10 * time.Minute

	// DefaultMaxAttempts turns a transient failure permanent.
	DefaultMaxAttempts = 20
)

// Backoff is an exponential retry policy without jitter.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// DefaultBackoff returns the production retry policy.
func DefaultBackoff() Backoff {
	return Backoff{Floor: DefaultBackoffFloor, Ceiling: DefaultBackoffCeiling}
}

func (b Backoff) normalized() Backoff {
	if b.Floor <= 0 {
		b.Floor = DefaultBackoffFloor
	}
	if b.Ceiling < b.Floor {
		b.Ceiling = b.Floor
	}
	return b
}

// Delay returns the wait after the given number of failed attempts:
// Floor, 2*Floor, 4*Floor, ... capped at Ceiling.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.normalized()
	d := b.Floor
	for i := 1; i < attempts; i++ {
		// Checked before doubling so a large ceiling cannot overflow d.
		if d > b.Ceiling/2 {
			return b.Ceiling
		}
		d *= 2
	}
	return d
}

// Next returns when a job that last became eligible at prev and failed at
// now for the attempts-th time may run again. The result never precedes
// prev.
func (b Backoff) Next(prev, now time.Time, attempts int) time.Time {
	next := now.Add(b.Delay(attempts))
	if next.Before(prev) {
		return prev
	}
	return next
}
