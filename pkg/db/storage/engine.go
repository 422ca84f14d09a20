// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package storage

import "sync/atomic"

// supportsDocLocking records whether the active storage engine implements
// document-level concurrency. Set once during startup, before any operation
// runs; tests may override it with ForceSupportsDocLocking.
var supportsDocLocking atomic.Bool

// SupportsDocLocking returns whether the active storage engine supports
// document-level locking. Without it, collection locks escalate intent modes
// to their terminal equivalents.
func SupportsDocLocking() bool {
	return supportsDocLocking.Load()
}

// SetSupportsDocLocking records the engine capability during startup.
func SetSupportsDocLocking(v bool) {
	supportsDocLocking.Store(v)
}

// ForceSupportsDocLocking overrides the engine capability and returns a
// function restoring the previous value. Test use only.
func ForceSupportsDocLocking(v bool) func() {
	prev := supportsDocLocking.Swap(v)
	return func() { supportsDocLocking.Store(prev) }
}
