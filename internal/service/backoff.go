package service

import "time"

// RetryPolicy bounds delivery attempts for outbox and push rows.
type RetryPolicy struct {
	MaxRetry int
	Base     time.Duration
	Cap      time.Duration
}

// Delay returns min(Base * 2^retryCount, Cap) without overflowing.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		if d >= p.Cap || d > p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether a row that has already failed retryCount times
// reaches its terminal state on this failure.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount+1 >= p.MaxRetry
}
