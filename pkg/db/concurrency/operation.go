// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pelagodb/pelago/pkg/db/storage"
)

// Operation is the slice of the operation context the lock manager works
// with: it owns the Locker and the recovery unit and carries the
// per-operation bookkeeping the lock paths update. The full service context
// object graph lives above this package; the Locker and recovery unit hold
// only non-owning back references.
type Operation struct {
	id           uuid.UUID
	locker       *Locker
	recoveryUnit storage.RecoveryUnit

	tracker        GlobalLockAcquisitionTracker
	writeConflicts atomic.Int64
}

// NewOperation returns an operation with a fresh document-level Locker and a
// noop recovery unit.
func NewOperation() *Operation {
	op := &Operation{id: uuid.New()}
	op.SetRecoveryUnit(&storage.NoopRecoveryUnit{})
	op.SetLocker(NewLocker())
	return op
}

// ID returns the operation's identity.
func (op *Operation) ID() uuid.UUID {
	return op.id
}

// Locker returns the operation's lock state.
func (op *Operation) Locker() *Locker {
	return op.locker
}

// SetLocker replaces the operation's lock state. The previous Locker must
// not hold any locks. Tests install engine-specific Locker variants.
func (op *Operation) SetLocker(l *Locker) {
	op.locker = l
	l.SetRecoveryUnit(op.recoveryUnit)
}

// RecoveryUnit returns the storage transaction handle attached to the
// operation.
func (op *Operation) RecoveryUnit() storage.RecoveryUnit {
	return op.recoveryUnit
}

// SetRecoveryUnit replaces the storage transaction handle.
func (op *Operation) SetRecoveryUnit(ru storage.RecoveryUnit) {
	op.recoveryUnit = ru
	if op.locker != nil {
		op.locker.SetRecoveryUnit(ru)
	}
}

// Tracker returns the operation's global lock acquisition tracker.
func (op *Operation) Tracker() *GlobalLockAcquisitionTracker {
	return &op.tracker
}

// WriteConflicts returns the number of storage write conflicts this
// operation has retried.
func (op *Operation) WriteConflicts() int64 {
	return op.writeConflicts.Load()
}

// RecordWriteConflict bumps the operation's write conflict count.
func (op *Operation) RecordWriteConflict() {
	op.writeConflicts.Add(1)
}

// GlobalLockAcquisitionTracker records whether the operation ever took the
// global lock in an exclusive or intent-exclusive mode. The write path
// consults it at commit time. The flag is monotone: only successful IX/X
// acquisitions set it and nothing clears it.
type GlobalLockAcquisitionTracker struct {
	globalExclusiveLockTaken atomic.Bool
}

// GlobalExclusiveLockTaken returns whether an IX or X global lock was ever
// acquired by this operation.
func (t *GlobalLockAcquisitionTracker) GlobalExclusiveLockTaken() bool {
	return t.globalExclusiveLockTaken.Load()
}

// SetGlobalExclusiveLockTaken records a successful IX or X global
// acquisition.
func (t *GlobalLockAcquisitionTracker) SetGlobalExclusiveLockTaken() {
	t.globalExclusiveLockTaken.Store(true)
}
