package retry

import (
	"testing"
	"time"
)

func TestAbortsWhenAttemptsExhausted(t *testing.T) {
	p := NewExponentialBackoff()
	d := p.ShouldRetry(Context{AttemptCount: 3, MaxRetries: 3, MaxTimeout: time.Minute})
	if d.Retry {
		t.Fatal("expected abort at attempt count == max retries")
	}
}

func TestRetriesBelowBudget(t *testing.T) {
	p := NewExponentialBackoff()
	d := p.ShouldRetry(Context{AttemptCount: 2, MaxRetries: 3, MaxTimeout: time.Minute})
	if !d.Retry {
		t.Fatal("expected retry below attempt budget")
	}
}

func TestExactlyNAttemptsWithMaxRetriesN(t *testing.T) {
	// One consultation happens after each failed attempt; with MaxRetries=3
	// the third consultation must abort, so exactly 3 attempts run.
	p := NewExponentialBackoff()
	attempts := 0
	for {
		attempts++
		d := p.ShouldRetry(Context{AttemptCount: attempts, MaxRetries: 3, MaxTimeout: time.Minute})
		if !d.Retry {
			break
		}
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestAbortsWhenTimeoutElapsed(t *testing.T) {
	p := NewExponentialBackoff()
	d := p.ShouldRetry(Context{AttemptCount: 1, MaxRetries: 10, MaxTimeout: 2 * time.Millisecond, Elapsed: 3 * time.Millisecond})
	if d.Retry {
		t.Fatal("expected abort once elapsed exceeds max timeout")
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	p := ExponentialBackoff{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	d1 := p.ShouldRetry(Context{AttemptCount: 1, MaxRetries: 10, MaxTimeout: time.Minute})
	d2 := p.ShouldRetry(Context{AttemptCount: 2, MaxRetries: 10, MaxTimeout: time.Minute})
	d3 := p.ShouldRetry(Context{AttemptCount: 3, MaxRetries: 10, MaxTimeout: time.Minute})
	if d1.Delay != 10*time.Millisecond {
		t.Fatalf("attempt 1 delay: %v", d1.Delay)
	}
	if d2.Delay != 20*time.Millisecond {
		t.Fatalf("attempt 2 delay: %v", d2.Delay)
	}
	if d3.Delay != 40*time.Millisecond {
		t.Fatalf("attempt 3 delay: %v", d3.Delay)
	}
}

func TestDelayCappedByMaxDelay(t *testing.T) {
	p := ExponentialBackoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond}
	d := p.ShouldRetry(Context{AttemptCount: 5, MaxRetries: 10, MaxTimeout: time.Minute})
	if d.Delay != 25*time.Millisecond {
		t.Fatalf("expected cap at 25ms, got %v", d.Delay)
	}
}

func TestDelayClampedToRemainingTimeout(t *testing.T) {
	p := ExponentialBackoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	d := p.ShouldRetry(Context{AttemptCount: 1, MaxRetries: 10, MaxTimeout: 50 * time.Millisecond, Elapsed: 40 * time.Millisecond})
	if !d.Retry {
		t.Fatal("expected retry with remaining budget")
	}
	if d.Delay != 10*time.Millisecond {
		t.Fatalf("expected clamp to remaining 10ms, got %v", d.Delay)
	}
}

func TestTinyBoundsFailFast(t *testing.T) {
	// Deliberately small bounds drive a deterministic, fast failure path.
	p := NewExponentialBackoff()
	d := p.ShouldRetry(Context{AttemptCount: 1, MaxRetries: 1, MaxTimeout: time.Millisecond})
	if d.Retry {
		t.Fatal("expected immediate abort with maxRetries=1")
	}
}
