package backoff

import "time"

// Policy describes exponential reconnect delays. MaxAttempts <= 0 means
// unbounded.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Backoff tracks attempts against a Policy. It is not safe for concurrent
// use; callers guard it with their own lock.
type Backoff struct {
	policy   Policy
	attempts int
}

func New(policy Policy) *Backoff {
	if policy.Initial <= 0 {
		policy.Initial = 200 * time.Millisecond
	}
	if policy.Max < policy.Initial {
		policy.Max = policy.Initial
	}
	return &Backoff{policy: policy}
}

// Next returns the delay before the next attempt, or false once the
// attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		return 0, false
	}
	delay := b.policy.Initial
	for i := 0; i < b.attempts && delay < b.policy.Max; i++ {
		delay *= 2
	}
	if delay > b.policy.Max {
		delay = b.policy.Max
	}
	b.attempts++
	return delay, true
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

func (b *Backoff) Reset() {
	b.attempts = 0
}
