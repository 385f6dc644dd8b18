// Copyright 2024 coreroomd contributors
package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDurationDoublesByFailuresSquared(t *testing.T) {
	require.Equal(t, 30*time.Second, backoffDuration(1))
	require.Equal(t, 2*time.Minute, backoffDuration(2))
	require.Equal(t, 4*time.Minute+30*time.Second, backoffDuration(3))
}

func TestBackoffDurationCapsAt24Hours(t *testing.T) {
	require.Equal(t, 24*time.Hour, backoffDuration(200))
}

func TestBackoffDurationZeroFailuresCapsRatherThanZero(t *testing.T) {
	// A destination should never be scheduled to retry with zero delay;
	// backoffDuration is only meaningful once failures >= 1.
	require.Equal(t, 24*time.Hour, backoffDuration(0))
}
