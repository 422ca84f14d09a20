// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompatibilityMatrix(t *testing.T) {
	// held x requested, in mode order IS, IX, S, X.
	expected := map[Mode]map[Mode]bool{
		ModeIS: {ModeIS: true, ModeIX: true, ModeS: true, ModeX: false},
		ModeIX: {ModeIS: true, ModeIX: true, ModeS: false, ModeX: false},
		ModeS:  {ModeIS: true, ModeIX: false, ModeS: true, ModeX: false},
		ModeX:  {ModeIS: false, ModeIX: false, ModeS: false, ModeX: false},
	}
	for held, row := range expected {
		for req, want := range row {
			require.Equal(t, want, Compatible(held, req), "held=%s req=%s", held, req)
			// The matrix is symmetric.
			require.Equal(t, want, Compatible(req, held), "held=%s req=%s", req, held)
		}
	}
	for _, m := range []Mode{ModeIS, ModeIX, ModeS, ModeX} {
		require.True(t, Compatible(ModeNone, m))
	}
}

func TestCovers(t *testing.T) {
	// X covers everything, intent modes cover IS, S covers IS.
	require.True(t, Covers(ModeIS, ModeX))
	require.True(t, Covers(ModeIX, ModeX))
	require.True(t, Covers(ModeS, ModeX))
	require.True(t, Covers(ModeX, ModeX))
	require.True(t, Covers(ModeIS, ModeS))
	require.True(t, Covers(ModeIS, ModeIX))

	// S and IX do not cover each other.
	require.False(t, Covers(ModeS, ModeIX))
	require.False(t, Covers(ModeIX, ModeS))
	require.False(t, Covers(ModeX, ModeS))
	require.False(t, Covers(ModeX, ModeIX))
	require.False(t, Covers(ModeS, ModeIS))

	// Every mode covers NONE.
	for _, m := range []Mode{ModeNone, ModeIS, ModeIX, ModeS, ModeX} {
		require.True(t, Covers(ModeNone, m))
	}
}

func TestLUB(t *testing.T) {
	require.Equal(t, ModeX, LUB(ModeIX, ModeS))
	require.Equal(t, ModeX, LUB(ModeS, ModeIX))
	require.Equal(t, ModeIX, LUB(ModeIS, ModeIX))
	require.Equal(t, ModeS, LUB(ModeIS, ModeS))
	require.Equal(t, ModeX, LUB(ModeX, ModeIS))
	for _, m := range []Mode{ModeNone, ModeIS, ModeIX, ModeS, ModeX} {
		require.Equal(t, m, LUB(m, m))
		require.Equal(t, m, LUB(ModeNone, m))
	}
}

func TestIntentOf(t *testing.T) {
	require.Equal(t, ModeIS, IntentOf(ModeIS))
	require.Equal(t, ModeIS, IntentOf(ModeS))
	require.Equal(t, ModeIX, IntentOf(ModeIX))
	require.Equal(t, ModeIX, IntentOf(ModeX))
}

func TestModeString(t *testing.T) {
	require.Equal(t, "NONE", ModeNone.String())
	require.Equal(t, "IS", ModeIS.String())
	require.Equal(t, "IX", ModeIX.String())
	require.Equal(t, "S", ModeS.String())
	require.Equal(t, "X", ModeX.String())
}
