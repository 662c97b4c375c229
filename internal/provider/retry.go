// internal/provider/retry.go
package provider

import (
	"errors"
	"time"

	"github.com/user/attache/internal/types"
)

// BackoffPolicy retries retryable tool invocations on a fixed exponential
// ladder. One consistent policy everywhere: 1s/2s/4s/8s, then give up.
type BackoffPolicy struct {
	Delays []time.Duration
}

// DefaultBackoffPolicy returns the 1s/2s/4s/8s ladder.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		Delays: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

// MaxAttempts is the initial attempt plus one per backoff delay.
func (p *BackoffPolicy) MaxAttempts() int {
	return len(p.Delays) + 1
}

// NextDelay returns the delay before retry attempt n (1-indexed retry).
func (p *BackoffPolicy) NextDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[retry-1]
}

// Retryable reports whether an invocation error is worth retrying.
// RateLimited and Unavailable are retryable; everything else is permanent.
func Retryable(err error) bool {
	return errors.Is(err, types.ErrRateLimited) || errors.Is(err, types.ErrUnavailable)
}
