package publish

import "time"

// RetryPolicy decides how failed publish attempts are redriven. It is a
// plain value decoupled from the I/O call so delays are testable without a
// network.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	// Backoff doubles the delay per attempt instead of keeping it fixed.
	Backoff bool
}

// Exhausted reports whether an item with the given retry count gets another
// attempt.
func (p RetryPolicy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

// Next returns the delay before the attempt following the given retry
// count. With Backoff the delay doubles each time, capped at 24h.
func (p RetryPolicy) Next(retries int) time.Duration {
	d := p.Delay
	if d <= 0 {
		d = 30 * time.Minute
	}
	if !p.Backoff {
		return d
	}
	const maxDelay = 24 * time.Hour
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
