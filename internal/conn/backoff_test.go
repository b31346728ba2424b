package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffCaps(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 30*time.Second, b.Delay(9))
	assert.Equal(t, 30*time.Second, b.Delay(500))
	assert.Equal(t, time.Second, b.Delay(-3))
}

func TestBackoffExhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(9))
	assert.True(t, b.Exhausted(10))

	b.MaxAttempts = 0
	assert.False(t, b.Exhausted(1000))
}
