// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryFirstAttemptIsImmediate(t *testing.T) {
	r := Start(Options{InitialBackoff: time.Hour})
	start := time.Now()
	require.True(t, r.Next())
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 0, r.CurrentAttempt())
}

func TestRetryMaxRetries(t *testing.T) {
	opts := Options{
		InitialBackoff:      time.Microsecond,
		MaxBackoff:          time.Microsecond,
		MaxRetries:          3,
		RandomizationFactor: -1,
	}
	attempts := 0
	for r := Start(opts); r.Next(); {
		attempts++
	}
	// Initial attempt plus three retries.
	require.Equal(t, 4, attempts)
}

func TestRetryReset(t *testing.T) {
	opts := Options{
		InitialBackoff:      time.Microsecond,
		MaxBackoff:          time.Microsecond,
		MaxRetries:          1,
		RandomizationFactor: -1,
	}
	r := Start(opts)
	require.True(t, r.Next())
	require.True(t, r.Next())
	require.False(t, r.Next())
	r.Reset()
	require.True(t, r.Next())
	require.Equal(t, 0, r.CurrentAttempt())
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	r := Retry{opts: Options{
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          4 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: -1,
	}}
	r.currentAttempt = 0
	require.Equal(t, time.Millisecond, r.retryIn())
	r.currentAttempt = 1
	require.Equal(t, 2*time.Millisecond, r.retryIn())
	r.currentAttempt = 5
	require.Equal(t, 4*time.Millisecond, r.retryIn())
}
