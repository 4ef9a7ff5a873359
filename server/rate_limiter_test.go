package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterEnforcesLimitPerKey(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("register:device-a", 3, time.Minute))
	}
	require.False(t, rl.Allow("register:device-a", 3, time.Minute))

	// Other keys have independent budgets.
	require.True(t, rl.Allow("register:device-b", 3, time.Minute))
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter()

	require.True(t, rl.Allow("k", 1, 10*time.Millisecond))
	require.False(t, rl.Allow("k", 1, 10*time.Millisecond))
	time.Sleep(15 * time.Millisecond)
	require.True(t, rl.Allow("k", 1, 10*time.Millisecond))
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("k", 0, time.Minute))
	}
}
