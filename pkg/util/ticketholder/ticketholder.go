// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package ticketholder implements a counting semaphore with deadline-bounded
// acquisition. The lock manager uses a pair of holders to throttle the
// number of operations concurrently holding the global lock.
package ticketholder

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelagodb/pelago/pkg/util/timeutil"
)

// TicketHolder hands out up to a fixed number of tickets. Acquisitions past
// the capacity block until a ticket is released or the deadline passes.
type TicketHolder struct {
	capacity int
	tickets  chan struct{}
}

// New returns a TicketHolder with the given capacity.
func New(capacity int) *TicketHolder {
	if capacity <= 0 {
		panic(errors.AssertionFailedf("ticket holder capacity must be positive: %d", capacity))
	}
	t := &TicketHolder{
		capacity: capacity,
		tickets:  make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		t.tickets <- struct{}{}
	}
	return t
}

// TryAcquire takes a ticket if one is immediately available.
func (t *TicketHolder) TryAcquire() bool {
	select {
	case <-t.tickets:
		return true
	default:
		return false
	}
}

// AcquireUntil blocks for a ticket until the deadline and reports whether
// one was obtained.
func (t *TicketHolder) AcquireUntil(deadline time.Time) bool {
	if t.TryAcquire() {
		return true
	}
	wait := timeutil.Until(deadline)
	if wait <= 0 {
		return false
	}
	var timer timeutil.Timer
	defer timer.Stop()
	timer.Reset(wait)
	select {
	case <-t.tickets:
		return true
	case <-timer.C:
		return false
	}
}

// Release returns a ticket to the holder. Releasing more tickets than were
// acquired is a programming error.
func (t *TicketHolder) Release() {
	select {
	case t.tickets <- struct{}{}:
	default:
		panic(errors.AssertionFailedf("releasing a ticket that was never acquired"))
	}
}

// Capacity returns the total number of tickets.
func (t *TicketHolder) Capacity() int {
	return t.capacity
}

// Available returns the number of tickets not currently held.
func (t *TicketHolder) Available() int {
	return len(t.tickets)
}

// Used returns the number of tickets currently held.
func (t *TicketHolder) Used() int {
	return t.capacity - len(t.tickets)
}
