// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package ticketholder

import (
	"testing"
	"time"

	"github.com/pelagodb/pelago/pkg/util/timeutil"
	"github.com/stretchr/testify/require"
)

func TestTicketHolderBasic(t *testing.T) {
	h := New(2)
	require.Equal(t, 2, h.Capacity())
	require.Equal(t, 2, h.Available())
	require.Equal(t, 0, h.Used())

	require.True(t, h.TryAcquire())
	require.True(t, h.TryAcquire())
	require.Equal(t, 2, h.Used())
	require.False(t, h.TryAcquire())

	h.Release()
	require.Equal(t, 1, h.Used())
	require.True(t, h.TryAcquire())

	h.Release()
	h.Release()
	require.Equal(t, 0, h.Used())
}

func TestTicketHolderDeadline(t *testing.T) {
	h := New(1)
	require.True(t, h.AcquireUntil(timeutil.Now()))

	const timeout = 42 * time.Millisecond
	start := timeutil.Now()
	require.False(t, h.AcquireUntil(start.Add(timeout)))
	require.GreaterOrEqual(t, timeutil.Now().Sub(start), timeout)

	h.Release()
	require.True(t, h.AcquireUntil(timeutil.Now()))
	h.Release()
}

func TestTicketHolderBlockedAcquireSucceedsOnRelease(t *testing.T) {
	h := New(1)
	require.True(t, h.TryAcquire())

	acquired := make(chan bool)
	go func() {
		acquired <- h.AcquireUntil(timeutil.Now().Add(10 * time.Second))
	}()

	time.Sleep(5 * time.Millisecond)
	h.Release()
	require.True(t, <-acquired)
	h.Release()
}

func TestTicketHolderOverReleasePanics(t *testing.T) {
	h := New(1)
	require.Panics(t, func() { h.Release() })
}

func TestTicketHolderInvalidCapacityPanics(t *testing.T) {
	require.Panics(t, func() { New(0) })
}
