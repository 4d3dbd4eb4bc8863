package jobs

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{30, 10 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempts), "attempt %d", tt.attempts)
	}
}

func TestBackoffNeverBelowFloor(t *testing.T) {
	// Retrying every few seconds hammers the server; the production
	// policy must never come close.
	b := DefaultBackoff()
	for n := 1; n <= 64; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.LessOrEqual(t, d, 10*time.Minute)
	}

	assert.Equal(t, DefaultBackoffFloor, Backoff{}.Delay(1))
	assert.Equal(t, time.Second, Backoff{Floor: time.Second, Ceiling: time.Millisecond}.Delay(5))
}

func TestBackoffNextIsMonotonic(t *testing.T) {
	b := Backoff{Floor: time.Second, Ceiling: 8 * time.Second}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	prev := start
	var prevGap time.Duration
	for n := 1; n <= 8; n++ {
		// Each attempt runs exactly when it becomes eligible.
		next := b.Next(prev, prev, n)
		gap := next.Sub(prev)

		assert.True(t, next.After(prev), "attempt %d", n)
		assert.GreaterOrEqual(t, gap, prevGap, "attempt %d", n)
		assert.LessOrEqual(t, gap, b.Ceiling)

		prev, prevGap = next, gap
	}
}

func TestBackoffNextNeverMovesBackwards(t *testing.T) {
	b := Backoff{Floor: time.Second, Ceiling: time.Minute}
	prev := time.Now().Add(time.Hour)

	assert.Equal(t, prev, b.Next(prev, time.Now(), 1))
}

func TestBackoffLargeCeilingDoesNotOverflow(t *testing.T) {
	b := Backoff{Floor: time.Second, Ceiling: time.Duration(math.MaxInt64)}

	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := b.Delay(n)
		assert.Positive(t, d, "attempt %d", n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, b.Ceiling, b.Delay(200))
	assert.Equal(t, 1<<62*time.Nanosecond, Backoff{Floor: 1, Ceiling: time.Duration(math.MaxInt64)}.Delay(63))
}
