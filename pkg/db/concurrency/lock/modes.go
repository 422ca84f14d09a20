// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package lock defines the mode lattice and resource identifiers used by the
// multi-granularity lock manager. Intent modes (IS, IX) announce that finer
// grained locks will be taken underneath a coarser resource; S and X are the
// terminal shared and exclusive modes.
package lock

import "github.com/cockroachdb/errors"

// Mode is a lock mode. The zero value is ModeNone, which is never stored in
// the lock table and represents the absence of a lock.
type Mode uint8

const (
	// ModeNone is the absence of a lock.
	ModeNone Mode = iota
	// ModeIS is the intent-shared mode.
	ModeIS
	// ModeIX is the intent-exclusive mode.
	ModeIX
	// ModeS is the shared mode.
	ModeS
	// ModeX is the exclusive mode.
	ModeX

	// NumModes is the number of lock modes, for sizing per-mode tables.
	NumModes = iota
)

// modeMask returns the bit for mode m in a mode bitmask.
func modeMask(m Mode) uint32 {
	return 1 << m
}

// conflictsTable[m] is the bitmask of modes which conflict with m when held
// by a different locker.
var conflictsTable = [NumModes]uint32{
	ModeNone: 0,
	ModeIS:   modeMask(ModeX),
	ModeIX:   modeMask(ModeS) | modeMask(ModeX),
	ModeS:    modeMask(ModeIX) | modeMask(ModeX),
	ModeX:    modeMask(ModeIS) | modeMask(ModeIX) | modeMask(ModeS) | modeMask(ModeX),
}

// coveredMask[m] is the set of modes whose rights are implied by holding m.
// A mode m is covered by a held mode h iff coveredMask[m] is a subset of
// coveredMask[h].
var coveredMask = [NumModes]uint32{
	ModeNone: 0,
	ModeIS:   modeMask(ModeIS),
	ModeIX:   modeMask(ModeIS) | modeMask(ModeIX),
	ModeS:    modeMask(ModeIS) | modeMask(ModeS),
	ModeX:    modeMask(ModeIS) | modeMask(ModeIX) | modeMask(ModeS) | modeMask(ModeX),
}

// lubTable[a][b] is the least upper bound of a and b in the lattice
// None < IS < {IX, S} < X. IX and S join to X.
var lubTable = [NumModes][NumModes]Mode{
	ModeNone: {ModeNone, ModeIS, ModeIX, ModeS, ModeX},
	ModeIS:   {ModeIS, ModeIS, ModeIX, ModeS, ModeX},
	ModeIX:   {ModeIX, ModeIX, ModeIX, ModeX, ModeX},
	ModeS:    {ModeS, ModeS, ModeX, ModeS, ModeX},
	ModeX:    {ModeX, ModeX, ModeX, ModeX, ModeX},
}

// Compatible returns whether held and req may be granted simultaneously on
// the same resource to different lockers.
func Compatible(held, req Mode) bool {
	return conflictsTable[req]&modeMask(held) == 0
}

// ConflictsWithMask returns whether mode m conflicts with any mode in the
// given granted/pending mode bitmask.
func ConflictsWithMask(m Mode, mask uint32) bool {
	return conflictsTable[m]&mask != 0
}

// Covers returns whether holding mode held implies the rights of mode m.
// Every mode covers ModeNone.
func Covers(m, held Mode) bool {
	return coveredMask[m]&coveredMask[held] == coveredMask[m]
}

// LUB returns the least upper bound of a and b.
func LUB(a, b Mode) Mode {
	return lubTable[a][b]
}

// IsShared returns whether m is one of the shared modes (IS or S).
func IsShared(m Mode) bool {
	return m == ModeIS || m == ModeS
}

// IntentOf returns the intent-equivalent of m for the parent level of the
// hierarchy: IS for the shared modes, IX for the exclusive ones.
func IntentOf(m Mode) Mode {
	if IsShared(m) {
		return ModeIS
	}
	return ModeIX
}

var modeNames = [NumModes]string{"NONE", "IS", "IX", "S", "X"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m >= NumModes {
		panic(errors.AssertionFailedf("invalid lock mode %d", int(m)))
	}
	return modeNames[m]
}

// SafeValue implements redact.SafeValue.
func (m Mode) SafeValue() {}
