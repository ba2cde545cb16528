package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memerrors "github.com/trapias/memoria/internal/errors"
)

func TestRateLimiterAllowsUpToMaxRequestsPerWindow(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.NoError(t, rl.Acquire())
	}

	err := rl.Acquire()
	require.Error(t, err)
	var rateLimited *memerrors.RateLimitedError
	assert.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))
}

func TestRateLimiterSlidesWindowForward(t *testing.T) {
	rl := NewRateLimiter(2, 30*time.Millisecond)

	require.NoError(t, rl.Acquire())
	require.NoError(t, rl.Acquire())
	require.Error(t, rl.Acquire())

	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, rl.Acquire(), "oldest timestamps should have aged out of the window")
}

func TestRateLimiterRemainingReflectsOccupancy(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	assert.Equal(t, 5, rl.Remaining())

	require.NoError(t, rl.Acquire())
	require.NoError(t, rl.Acquire())
	assert.Equal(t, 3, rl.Remaining())
}
