package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadEventRatelimiterBackoffBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Minute, backoffFor(1))
	assert.Equal(t, 10*time.Minute, backoffFor(2))
	assert.Equal(t, 20*time.Minute, backoffFor(3))

	// Doubling eventually clamps at the 24h ceiling and stops growing
	// (testable property 12).
	big := backoffFor(40)
	assert.Equal(t, BadEventMaxBackoff, big)
	assert.Equal(t, backoffFor(40), backoffFor(41))
}

func TestBadEventRatelimiterRejectsWithinWindow(t *testing.T) {
	t.Parallel()

	r := NewBadEventRatelimiter()
	clock := time.Now()
	r.now = func() time.Time { return clock }

	require.True(t, r.ShouldRetry("$a"))

	r.RecordFailure("$a")
	assert.False(t, r.ShouldRetry("$a"), "must reject immediately after a failure")

	clock = clock.Add(BadEventMinBackoff - time.Second)
	assert.False(t, r.ShouldRetry("$a"), "must still reject before the min backoff elapses")

	clock = clock.Add(2 * time.Second)
	assert.True(t, r.ShouldRetry("$a"), "must allow once the min backoff has elapsed")
}

func TestBadEventRatelimiterSuccessClearsEntry(t *testing.T) {
	t.Parallel()

	r := NewBadEventRatelimiter()
	r.RecordFailure("$a")
	require.False(t, r.ShouldRetry("$a"))

	r.RecordSuccess("$a")
	assert.True(t, r.ShouldRetry("$a"), "a cleared entry must allow immediately")
}
