// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package concurrency implements the hierarchical lock manager which
// serializes access to shared resources in the server: a sharded lock table
// with multi-granularity modes, per-operation Lockers tracking recursion and
// upgrades, scoped acquisition handles, and ticket-based admission control
// for the global lock.
package concurrency

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/pelagodb/pelago/pkg/db/concurrency/lock"
	"github.com/pelagodb/pelago/pkg/util/syncutil"
	"github.com/sirupsen/logrus"
)

// lockResult is the immediate outcome of a lock table request.
type lockResult int

const (
	// lockResultGranted means the request holds the lock.
	lockResultGranted lockResult = iota
	// lockResultWaiting means the request is queued; the owner must wait on
	// its notification channel or cancel it.
	lockResultWaiting
)

// requestStatus is the state of a request within a lock head.
type requestStatus int

const (
	requestStatusNew requestStatus = iota
	requestStatusGranted
	requestStatusWaiting
	requestStatusConverting
)

// request is one locker's interest in one resource. A request is created on
// first acquisition, carries the recursion count across re-acquisitions, and
// is destroyed on the final release. All fields other than notify,
// unlockPending and seq are guarded by the bucket mutex of the resource;
// those three belong to the owning Locker's thread.
type request struct {
	locker *Locker
	res    lock.ResourceID
	mode   lock.Mode
	status requestStatus

	// recursiveCount is the number of outstanding acquisitions collapsed
	// into this request.
	recursiveCount int
	// convertMode is the pending target mode while status is converting.
	convertMode lock.Mode
	// enqueueAtFront places the request at the head of the wait queue
	// instead of the tail.
	enqueueAtFront bool
	// compatibleFirst marks a granted request that lets compatible waiters
	// bypass an incompatible one at the front of the queue.
	compatibleFirst bool

	// notify is signaled (buffered, capacity 1) when a waiting or converting
	// request becomes granted.
	notify chan struct{}
	// unlockPending counts releases deferred to the end of the current write
	// unit of work. Owned by the Locker's thread.
	unlockPending int
	// seq orders acquisitions for save/restore. Owned by the Locker's thread.
	seq uint64
}

func (r *request) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// lockHead is the per-resource lock state: who holds the resource in which
// modes and who is queued behind them. Guarded by its bucket's mutex.
type lockHead struct {
	res lock.ResourceID

	granted       []*request
	grantedCounts [lock.NumModes]int
	grantedMask   uint32

	queue          []*request
	conflictCounts [lock.NumModes]int
	conflictMask   uint32

	// conversionsCount is the number of granted requests with a pending
	// upgrade.
	conversionsCount int
	// compatibleFirstCount is the number of granted requests with the
	// compatibleFirst policy. While positive, waiters compatible with the
	// granted set may be granted ahead of an incompatible request at the
	// front of the queue.
	compatibleFirstCount int
}

func (h *lockHead) incGranted(m lock.Mode) {
	h.grantedCounts[m]++
	if h.grantedCounts[m] == 1 {
		h.grantedMask |= 1 << m
	}
}

func (h *lockHead) decGranted(m lock.Mode) {
	h.grantedCounts[m]--
	if h.grantedCounts[m] == 0 {
		h.grantedMask &^= 1 << m
	}
}

func (h *lockHead) incConflict(m lock.Mode) {
	h.conflictCounts[m]++
	if h.conflictCounts[m] == 1 {
		h.conflictMask |= 1 << m
	}
}

func (h *lockHead) decConflict(m lock.Mode) {
	h.conflictCounts[m]--
	if h.conflictCounts[m] == 0 {
		h.conflictMask &^= 1 << m
	}
}

// grantedMaskExcluding returns the granted mode mask without req's own
// contribution, for same-holder conversion conflict checks.
func (h *lockHead) grantedMaskExcluding(req *request) uint32 {
	if h.grantedCounts[req.mode] > 1 {
		return h.grantedMask
	}
	return h.grantedMask &^ (1 << req.mode)
}

func (h *lockHead) removeGranted(req *request) {
	for i, r := range h.granted {
		if r == req {
			h.granted = append(h.granted[:i], h.granted[i+1:]...)
			return
		}
	}
	panic(errors.AssertionFailedf("request for %s not on granted list", req.res))
}

func (h *lockHead) removeQueued(req *request) {
	for i, r := range h.queue {
		if r == req {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return
		}
	}
	panic(errors.AssertionFailedf("request for %s not on wait queue", req.res))
}

func (h *lockHead) empty() bool {
	return len(h.granted) == 0 && len(h.queue) == 0
}

// numLockBuckets shards the lock table to reduce mutex contention. Power of
// two so the modulo compiles to a mask.
const numLockBuckets = 128

type lockBucket struct {
	mu    syncutil.Mutex
	heads map[lock.ResourceID]*lockHead
}

// Manager is the process-wide lock table: a sharded map from resource id to
// lock head. It is internally thread-safe; Lockers are its only callers.
type Manager struct {
	buckets [numLockBuckets]lockBucket
}

// NewManager returns an empty lock table.
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.buckets {
		m.buckets[i].heads = make(map[lock.ResourceID]*lockHead)
	}
	return m
}

var defaultManager = NewManager()

// DefaultManager returns the process-wide lock table used by all Lockers.
func DefaultManager() *Manager {
	return defaultManager
}

func (m *Manager) bucketFor(res lock.ResourceID) *lockBucket {
	return &m.buckets[res.Hash()%numLockBuckets]
}

func (m *Manager) headFor(b *lockBucket, res lock.ResourceID) *lockHead {
	b.mu.AssertHeld()
	h := b.heads[res]
	if h == nil {
		h = &lockHead{res: res}
		b.heads[res] = h
	}
	return h
}

// cleanup removes the head from the table once nothing references it.
func (m *Manager) cleanup(b *lockBucket, h *lockHead) {
	b.mu.AssertHeld()
	if h.empty() {
		delete(b.heads, h.res)
	}
}

// lockResource grants req in the given mode or queues it. A request is
// granted immediately iff the mode is compatible with every granted mode
// and, unless a compatible-first holder is running, with every queued mode
// (FIFO fairness: a newcomer does not overtake an earlier waiter).
func (m *Manager) lockResource(res lock.ResourceID, req *request, mode lock.Mode) lockResult {
	b := m.bucketFor(res)
	b.mu.Lock()
	defer b.mu.Unlock()

	h := m.headFor(b, res)
	req.res = res
	req.mode = mode

	if lock.ConflictsWithMask(mode, h.grantedMask) ||
		(h.compatibleFirstCount == 0 && lock.ConflictsWithMask(mode, h.conflictMask)) {
		req.status = requestStatusWaiting
		if req.enqueueAtFront {
			h.queue = append([]*request{req}, h.queue...)
		} else {
			h.queue = append(h.queue, req)
		}
		h.incConflict(mode)
		return lockResultWaiting
	}

	req.status = requestStatusGranted
	h.granted = append(h.granted, req)
	h.incGranted(mode)
	if req.compatibleFirst {
		h.compatibleFirstCount++
	}
	return lockResultGranted
}

// reacquire collapses a covered re-acquisition into the existing request.
func (m *Manager) reacquire(req *request) {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()
	req.recursiveCount++
}

// convert upgrades a granted request to newMode. The request stays granted
// in its current mode while the upgrade is pending; conflicts are evaluated
// against the other holders only. Conversions take precedence over the wait
// queue, which prevents deadlock between two upgrading readers and an
// already queued writer.
func (m *Manager) convert(req *request, newMode lock.Mode) lockResult {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.status != requestStatusGranted {
		panic(errors.AssertionFailedf("converting %s which is not granted", req.res))
	}
	req.recursiveCount++

	h := m.headFor(b, req.res)
	if lock.ConflictsWithMask(newMode, h.grantedMaskExcluding(req)) {
		req.status = requestStatusConverting
		req.convertMode = newMode
		h.conversionsCount++
		return lockResultWaiting
	}
	h.decGranted(req.mode)
	h.incGranted(newMode)
	req.mode = newMode
	return lockResultGranted
}

// unlock undoes one acquisition of req. It returns true when the request is
// fully released and removed from the table.
func (m *Manager) unlock(req *request) bool {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.recursiveCount <= 0 {
		panic(errors.AssertionFailedf("unbalanced unlock of %s", req.res))
	}
	req.recursiveCount--
	if req.recursiveCount > 0 {
		return false
	}

	h := m.headFor(b, req.res)
	switch req.status {
	case requestStatusGranted:
		h.removeGranted(req)
		h.decGranted(req.mode)
		if req.compatibleFirst {
			h.compatibleFirstCount--
		}
	case requestStatusConverting:
		h.removeGranted(req)
		h.decGranted(req.mode)
		h.conversionsCount--
		if req.compatibleFirst {
			h.compatibleFirstCount--
		}
	case requestStatusWaiting:
		h.removeQueued(req)
		h.decConflict(req.mode)
	default:
		panic(errors.AssertionFailedf("unlock of request in state %d", req.status))
	}
	m.onLockModeChanged(h)
	m.cleanup(b, h)
	return true
}

// downgrade weakens a granted request to newMode without releasing it. The
// new mode becomes visible to newly arriving requests immediately and may
// unblock queued waiters.
func (m *Manager) downgrade(req *request, newMode lock.Mode) {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.status != requestStatusGranted {
		panic(errors.AssertionFailedf("downgrade of %s which is not granted", req.res))
	}
	if !lock.Covers(newMode, req.mode) {
		panic(errors.AssertionFailedf(
			"downgrade of %s from %s to non-weaker %s", req.res, req.mode, newMode))
	}
	h := m.headFor(b, req.res)
	h.decGranted(req.mode)
	h.incGranted(newMode)
	req.mode = newMode
	m.onLockModeChanged(h)
}

// cancelWait removes a timed-out request from the table, regardless of
// whether a grant raced with the cancellation, leaving no trace of it. The
// caller owns the request and discards it afterwards.
func (m *Manager) cancelWait(req *request) {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()

	h := m.headFor(b, req.res)
	switch req.status {
	case requestStatusWaiting:
		h.removeQueued(req)
		h.decConflict(req.mode)
		// Removing a blocker can unblock waiters behind it.
		m.onLockModeChanged(h)
	case requestStatusGranted:
		// The grant won the race with the timeout; undo it.
		h.removeGranted(req)
		h.decGranted(req.mode)
		if req.compatibleFirst {
			h.compatibleFirstCount--
		}
		m.onLockModeChanged(h)
	default:
		panic(errors.AssertionFailedf("cancel of request in state %d", req.status))
	}
	req.recursiveCount = 0
	m.cleanup(b, h)
}

// cancelConvert rolls a timed-out conversion back to prevMode. If the
// conversion was granted in a race with the timeout, the request is
// downgraded back.
func (m *Manager) cancelConvert(req *request, prevMode lock.Mode) {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()

	h := m.headFor(b, req.res)
	switch req.status {
	case requestStatusConverting:
		req.status = requestStatusGranted
		req.convertMode = lock.ModeNone
		h.conversionsCount--
	case requestStatusGranted:
		h.decGranted(req.mode)
		h.incGranted(prevMode)
		req.mode = prevMode
		m.onLockModeChanged(h)
	default:
		panic(errors.AssertionFailedf("conversion cancel of request in state %d", req.status))
	}
	req.recursiveCount--
}

// onLockModeChanged is the grant walk, run after every state change that can
// make a pending request compatible. Conversions are granted first; then the
// wait queue is walked front to back, granting compatible requests. The walk
// stops at the first incompatible request, preserving FIFO order, unless a
// compatible-first holder is running, in which case the incompatible request
// is skipped and compatible requests behind it may be granted.
func (m *Manager) onLockModeChanged(h *lockHead) {
	if h.conversionsCount > 0 {
		for _, r := range h.granted {
			if r.status != requestStatusConverting {
				continue
			}
			if lock.ConflictsWithMask(r.convertMode, h.grantedMaskExcluding(r)) {
				continue
			}
			h.decGranted(r.mode)
			h.incGranted(r.convertMode)
			r.mode = r.convertMode
			r.convertMode = lock.ModeNone
			r.status = requestStatusGranted
			h.conversionsCount--
			r.signal()
		}
	}

	for i := 0; i < len(h.queue); {
		r := h.queue[i]
		if lock.ConflictsWithMask(r.mode, h.grantedMask) {
			if h.compatibleFirstCount > 0 {
				i++
				continue
			}
			break
		}
		h.queue = append(h.queue[:i], h.queue[i+1:]...)
		h.decConflict(r.mode)
		r.status = requestStatusGranted
		h.granted = append(h.granted, r)
		h.incGranted(r.mode)
		if r.compatibleFirst {
			h.compatibleFirstCount++
		}
		r.signal()
	}
}

// modeHeld returns the mode req currently holds. A converting request still
// holds its pre-conversion mode.
func (m *Manager) modeHeld(req *request) lock.Mode {
	b := m.bucketFor(req.res)
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.status == requestStatusWaiting {
		return lock.ModeNone
	}
	return req.mode
}

// Dump logs the entire lock table, for diagnostics.
func (m *Manager) Dump(log logrus.FieldLogger) {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for res, h := range b.heads {
			granted := make([]string, 0, len(h.granted))
			for _, r := range h.granted {
				granted = append(granted, fmt.Sprintf("%d:%s", r.locker.ID(), r.mode))
			}
			waiting := make([]string, 0, len(h.queue))
			for _, r := range h.queue {
				waiting = append(waiting, fmt.Sprintf("%d:%s", r.locker.ID(), r.mode))
			}
			log.WithFields(logrus.Fields{
				"resource": res.String(),
				"granted":  granted,
				"waiting":  waiting,
			}).Info("lock table entry")
		}
		b.mu.Unlock()
	}
}
