package conn

import (
	"math"
	"time"
)

// Backoff computes reconnect delays as min(Base * Growth^attempt, Cap).
// MaxAttempts of zero retries forever.
type Backoff struct {
	Base        time.Duration
	Growth      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff mirrors the configuration defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Growth:      1.5,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Growth, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt is past the configured maximum.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
