package subscriptions

import (
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 30

// RetryPolicy bounds reconnection of a live query that terminated after it was established.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failed reconnects tolerated. Zero disables reconnects.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Backoff returns the wait before reconnect attempt n (1-based): a uniformly random duration
// between zero and min(MaxDelay, BaseDelay*2^(n-1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := p.ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	return rand.N(ceiling + 1)
}

func (p RetryPolicy) ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, maxBackoffShift)
	ceiling := p.BaseDelay << shift
	if ceiling < 0 || (p.MaxDelay > 0 && ceiling > p.MaxDelay) {
		ceiling = p.MaxDelay
	}
	return ceiling
}
