// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelagodb/pelago/pkg/db/concurrency/lock"
	"github.com/pelagodb/pelago/pkg/db/storage"
	"github.com/pelagodb/pelago/pkg/util/timeutil"
)

// The scoped handle types pair every acquisition with a release on scope
// exit:
//
//	g := concurrency.NewGlobalWrite(op)
//	defer g.Release()
//
// Handles are stack-scoped, owned by the operation's thread, and must not be
// shared between goroutines. Release is idempotent.

// GlobalLock acquires the global lock in a given mode: admission ticket
// first, then the global resource, then (on the legacy engine) the flush
// lock. A handle built with NewGlobalLockEnqueueOnly queues the request
// without waiting; WaitForLockUntil picks it up later, which lets callers
// arrange wait queues deliberately.
type GlobalLock struct {
	op       *Operation
	mode     lock.Mode
	isLocked bool
	// enqueued is true while a request issued with enqueue-only sits in the
	// wait queue unwaited-for.
	enqueued bool
}

// NewGlobalLock acquires the global lock in mode, waiting until deadline.
// Inspect IsLocked for the outcome; a timed-out handle releases nothing.
func NewGlobalLock(op *Operation, mode lock.Mode, deadline time.Time) *GlobalLock {
	g := &GlobalLock{op: op, mode: mode}
	granted, err := op.Locker().LockGlobalBegin(mode, deadline)
	if err != nil {
		return g
	}
	if !granted {
		if err := op.Locker().LockGlobalComplete(deadline); err != nil {
			return g
		}
	}
	g.finishAcquire()
	return g
}

// NewGlobalLockEnqueueOnly issues the global lock request but does not wait
// for it. The deadline bounds only the admission ticket wait.
func NewGlobalLockEnqueueOnly(op *Operation, mode lock.Mode, deadline time.Time) *GlobalLock {
	g := &GlobalLock{op: op, mode: mode}
	granted, err := op.Locker().LockGlobalBegin(mode, deadline)
	if err != nil {
		return g
	}
	if granted {
		g.finishAcquire()
	} else {
		g.enqueued = true
	}
	return g
}

// NewGlobalRead acquires the global lock in S with no deadline.
func NewGlobalRead(op *Operation) *GlobalLock {
	return NewGlobalLock(op, lock.ModeS, timeutil.Max)
}

// NewGlobalWrite acquires the global lock in X with no deadline.
func NewGlobalWrite(op *Operation) *GlobalLock {
	return NewGlobalLock(op, lock.ModeX, timeutil.Max)
}

// WaitForLockUntil waits for an enqueue-only request until the deadline.
func (g *GlobalLock) WaitForLockUntil(deadline time.Time) {
	if !g.enqueued {
		return
	}
	g.enqueued = false
	if err := g.op.Locker().LockGlobalComplete(deadline); err != nil {
		return
	}
	g.finishAcquire()
}

func (g *GlobalLock) finishAcquire() {
	g.isLocked = true
	if g.mode == lock.ModeIX || g.mode == lock.ModeX {
		g.op.Tracker().SetGlobalExclusiveLockTaken()
	}
}

// IsLocked reports whether the handle holds the global lock.
func (g *GlobalLock) IsLocked() bool {
	return g.isLocked
}

// Release undoes the acquisition: the held lock, or a still-queued
// enqueue-only request. Safe to call on a timed-out or already released
// handle.
func (g *GlobalLock) Release() {
	switch {
	case g.isLocked:
		g.isLocked = false
		g.op.Locker().UnlockGlobal()
	case g.enqueued:
		g.enqueued = false
		g.op.Locker().CancelGlobalEnqueue()
	}
}

// DBLock locks a database, taking the global lock in the matching intent
// mode first. Requests against the "admin" database escalate IX and X to a
// full X: admin writes are rare and load-bearing enough that they serialize.
type DBLock struct {
	op       *Operation
	dbName   string
	res      lock.ResourceID
	mode     lock.Mode
	global   *GlobalLock
	isLocked bool
}

// dbLockMode applies the admin escalation rule.
func dbLockMode(dbName string, mode lock.Mode) lock.Mode {
	if dbName == "admin" && !lock.IsShared(mode) {
		return lock.ModeX
	}
	return mode
}

// NewDBLock locks dbName in mode, waiting until deadline. Inspect IsLocked
// for the outcome.
func NewDBLock(op *Operation, dbName string, mode lock.Mode, deadline time.Time) *DBLock {
	effMode := dbLockMode(dbName, mode)
	db := &DBLock{
		op:     op,
		dbName: dbName,
		res:    lock.DatabaseResourceID(dbName),
		mode:   effMode,
	}
	db.global = NewGlobalLock(op, lock.IntentOf(effMode), deadline)
	if !db.global.IsLocked() {
		return db
	}
	if err := op.Locker().Lock(db.res, effMode, deadline); err != nil {
		db.global.Release()
		return db
	}
	db.isLocked = true
	return db
}

// RelockWithMode releases the database lock and reacquires it in newMode,
// without giving up the global intent lock. Used by yield points that want
// to resume with a different strength. Illegal inside a write unit of work.
func (d *DBLock) RelockWithMode(newMode lock.Mode) {
	locker := d.op.Locker()
	if locker.InAWriteUnitOfWork() {
		panic(errors.AssertionFailedf("relocking %s inside a write unit of work", d.dbName))
	}
	if !d.isLocked {
		panic(errors.AssertionFailedf("relocking %s which is not held", d.dbName))
	}
	effMode := dbLockMode(d.dbName, newMode)
	locker.Unlock(d.res)
	if err := locker.Lock(d.res, effMode, timeutil.Max); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "unbounded relock failed"))
	}
	d.mode = effMode
}

// IsLocked reports whether the handle holds the database lock.
func (d *DBLock) IsLocked() bool {
	return d.isLocked
}

// Release unlocks the database and then the implicit global intent lock.
func (d *DBLock) Release() {
	if d.isLocked {
		d.isLocked = false
		d.op.Locker().Unlock(d.res)
	}
	if d.global != nil {
		d.global.Release()
		d.global = nil
	}
}

// CollectionLock locks a collection namespace below an already locked
// database. Without document-level locking the intent modes escalate to
// their terminal equivalents (IS to S, IX to X): the engine cannot isolate
// concurrent writers within a collection, so the collection is the unit of
// isolation.
type CollectionLock struct {
	locker   *Locker
	res      lock.ResourceID
	isLocked bool
}

// NewCollectionLock locks the namespace "db.coll" in mode, waiting until
// deadline. The parent database must already be locked in the matching
// intent mode.
func NewCollectionLock(
	locker *Locker, ns string, mode lock.Mode, deadline time.Time,
) *CollectionLock {
	if !locker.IsDBLockedForMode(nsToDatabase(ns), lock.IntentOf(mode)) {
		panic(errors.AssertionFailedf("collection lock on %s without a covering database lock", ns))
	}
	effMode := mode
	if !storage.SupportsDocLocking() {
		switch mode {
		case lock.ModeIS:
			effMode = lock.ModeS
		case lock.ModeIX:
			effMode = lock.ModeX
		}
	}
	cl := &CollectionLock{locker: locker, res: lock.CollectionResourceID(ns)}
	if err := locker.Lock(cl.res, effMode, deadline); err != nil {
		return cl
	}
	cl.isLocked = true
	return cl
}

// IsLocked reports whether the handle holds the collection lock.
func (c *CollectionLock) IsLocked() bool {
	return c.isLocked
}

// Release unlocks the collection.
func (c *CollectionLock) Release() {
	if c.isLocked {
		c.isLocked = false
		c.locker.Unlock(c.res)
	}
}

// nsToDatabase returns the database part of a "db.collection" namespace.
func nsToDatabase(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}

// ResourceMutex is a named resource usable as a cooperative mutex through
// SharedLock and ExclusiveLock handles. Unlike the hierarchy resources it
// requires no global or database lock above it and survives TempRelease.
type ResourceMutex struct {
	res   lock.ResourceID
	label string
}

// NewResourceMutex returns a mutex resource with the given debug label.
func NewResourceMutex(label string) ResourceMutex {
	return ResourceMutex{res: lock.MutexResourceID(label), label: label}
}

// Name returns the mutex's debug label.
func (m ResourceMutex) Name() string {
	return m.label
}

// resourceLock is the common machinery of SharedLock and ExclusiveLock.
type resourceLock struct {
	locker   *Locker
	res      lock.ResourceID
	isLocked bool
}

// Lock acquires the mutex resource in the given mode, waiting without
// bound.
func (r *resourceLock) Lock(mode lock.Mode) {
	if r.isLocked {
		panic(errors.AssertionFailedf("relocking %s which is already held", r.res))
	}
	if err := r.locker.Lock(r.res, mode, timeutil.Max); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "unbounded mutex acquisition failed"))
	}
	r.isLocked = true
}

// Unlock releases the mutex resource; the handle may Lock again afterwards.
func (r *resourceLock) Unlock() {
	if r.isLocked {
		r.isLocked = false
		r.locker.Unlock(r.res)
	}
}

// IsLocked reports whether the handle holds the mutex.
func (r *resourceLock) IsLocked() bool {
	return r.isLocked
}

// SharedLock holds a ResourceMutex in shared mode.
type SharedLock struct {
	resourceLock
}

// NewSharedLock acquires mtx shared, waiting without bound.
func NewSharedLock(locker *Locker, mtx ResourceMutex) *SharedLock {
	s := &SharedLock{resourceLock{locker: locker, res: mtx.res}}
	s.Lock(lock.ModeIS)
	return s
}

// ExclusiveLock holds a ResourceMutex exclusively.
type ExclusiveLock struct {
	resourceLock
}

// NewExclusiveLock acquires mtx exclusively, waiting without bound.
func NewExclusiveLock(locker *Locker, mtx ResourceMutex) *ExclusiveLock {
	e := &ExclusiveLock{resourceLock{locker: locker, res: mtx.res}}
	e.Lock(lock.ModeX)
	return e
}

// TempRelease yields the locker's locks for a cooperative pause and
// reacquires them on Restore. When the lock stack cannot be released safely
// (recursive global hold, no global lock) the pair is a no-op; either way
// construction and Restore must pair.
type TempRelease struct {
	locker   *Locker
	snapshot LockSnapshot
	released bool
}

// NewTempRelease saves and releases the locker's releasable locks.
func NewTempRelease(locker *Locker) *TempRelease {
	t := &TempRelease{locker: locker}
	t.released = locker.SaveLockStateAndUnlock(&t.snapshot)
	return t
}

// WasReleased reports whether construction actually released anything.
func (t *TempRelease) WasReleased() bool {
	return t.released
}

// Restore reacquires the released locks in their original order and modes,
// waiting without bound.
func (t *TempRelease) Restore() {
	if t.released {
		t.released = false
		t.locker.RestoreLockState(&t.snapshot)
	}
}
