// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int           // total tries, including the first; < 1 means 1
	BaseDelay time.Duration // delay before the second try
	MaxDelay  time.Duration // cap for any single delay

	// Retryable reports whether err is worth another try. Nil retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for store and price source calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  4,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
	}
}

// Backoff returns BaseDelay * 2^n capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		return p.BaseDelay
	}
	// 2^30 * any sane base is far beyond MaxDelay.
	if n > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<n)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
