// internal/provider/retry_test.go
package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/attache/internal/types"
)

func TestBackoffLadder(t *testing.T) {
	policy := DefaultBackoffPolicy()

	assert.Equal(t, 5, policy.MaxAttempts())
	assert.Equal(t, 1*time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	assert.Equal(t, 8*time.Second, policy.NextDelay(4))
	// Out-of-range retries clamp to the ends of the ladder.
	assert.Equal(t, 1*time.Second, policy.NextDelay(0))
	assert.Equal(t, 8*time.Second, policy.NextDelay(9))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(types.ErrRateLimited))
	assert.True(t, Retryable(types.ErrUnavailable))
	assert.True(t, Retryable(fmt.Errorf("provider: %w", types.ErrUnavailable)))

	assert.False(t, Retryable(types.ErrPermissionDenied))
	assert.False(t, Retryable(types.ErrValidation))
	assert.False(t, Retryable(errors.New("malformed input")))
	assert.False(t, Retryable(nil))
}
