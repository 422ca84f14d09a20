// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package storage holds the narrow storage-engine surface the concurrency
// layer depends on: the per-operation recovery unit and the process-wide
// engine capability flags.
package storage

// RecoveryUnit is the storage engine's handle to the transaction and
// snapshot attached to an operation. The lock manager abandons the snapshot
// when the last global lock is released outside a write unit of work.
type RecoveryUnit interface {
	// AbandonSnapshot releases the current storage snapshot, if any. The next
	// read through the unit establishes a new one.
	AbandonSnapshot()
}

// NoopRecoveryUnit is a RecoveryUnit for operations without storage state.
type NoopRecoveryUnit struct{}

var _ RecoveryUnit = (*NoopRecoveryUnit)(nil)

// AbandonSnapshot implements RecoveryUnit.
func (*NoopRecoveryUnit) AbandonSnapshot() {}
