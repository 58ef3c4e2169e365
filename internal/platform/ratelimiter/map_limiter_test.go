package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"e2ee/internal/platform/ratelimiter"
)

func TestMapLimiter_PerKeyBuckets(t *testing.T) {
	l := ratelimiter.New(1, 2, time.Minute)
	now := time.Now()

	require.True(t, l.Allow("10.0.0.1", now))
	require.True(t, l.Allow("10.0.0.1", now))
	require.False(t, l.Allow("10.0.0.1", now))

	// Another key has its own bucket.
	require.True(t, l.Allow("10.0.0.2", now))

	// Tokens refill over time.
	require.True(t, l.Allow("10.0.0.1", now.Add(1500*time.Millisecond)))
	require.Equal(t, 2, l.Len())
}

func TestMapLimiter_NilAllowsEverything(t *testing.T) {
	l := ratelimiter.New(0, 0, 0)
	require.Nil(t, l)
	require.True(t, l.Allow("anyone", time.Now()))
	require.True(t, l.Allow("", time.Now()))
}
