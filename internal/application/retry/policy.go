package retry

import (
	"time"
)

// Context carries the per-stage retry bookkeeping consulted at each stage
// boundary. It is derived from the session record, never persisted itself.
type Context struct {
	AttemptCount int
	MaxRetries   int
	MaxTimeout   time.Duration
	Elapsed      time.Duration
}

// Decision is the outcome of a retry consultation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a failed stage attempt should be retried.
type Policy interface {
	ShouldRetry(rc Context) Decision
}

const (
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 10 * time.Second
)

// ExponentialBackoff retries with exponentially growing delays, bounded by
// both the attempt budget and the cumulative per-stage timeout. With
// MaxRetries=N exactly N attempts are made before aborting.
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

func (p ExponentialBackoff) ShouldRetry(rc Context) Decision {
	if rc.MaxRetries > 0 && rc.AttemptCount >= rc.MaxRetries {
		return Decision{}
	}
	if rc.MaxTimeout > 0 && rc.Elapsed >= rc.MaxTimeout {
		return Decision{}
	}

	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	delay := base
	for i := 1; i < rc.AttemptCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if rc.MaxTimeout > 0 {
		remaining := rc.MaxTimeout - rc.Elapsed
		if delay > remaining {
			delay = remaining
		}
	}
	if delay < 0 {
		delay = 0
	}
	return Decision{Retry: true, Delay: delay}
}
