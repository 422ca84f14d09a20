// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestWriteConflictRetryRunsOnce(t *testing.T) {
	op := NewOperation()
	calls := 0
	v, err := WriteConflictRetry(op, "test", "db.coll", func() (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, 1, calls)
	require.Equal(t, int64(0), op.WriteConflicts())
}

func TestWriteConflictRetryRetriesOnWriteConflict(t *testing.T) {
	op := NewOperation()
	v, err := WriteConflictRetry(op, "insert", "db.coll", func() (int, error) {
		if op.WriteConflicts() == 0 {
			return 0, NewWriteConflictError("insert", "db.coll")
		}
		return 100, nil
	})
	require.NoError(t, err)
	require.Equal(t, 100, v)
	require.Equal(t, int64(1), op.WriteConflicts())
}

func TestWriteConflictRetryPropagatesOtherErrors(t *testing.T) {
	op := NewOperation()
	boom := errors.New("operation failed")
	_, err := WriteConflictRetry(op, "test", "", func() (struct{}, error) {
		return struct{}{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(0), op.WriteConflicts())
}

func TestWriteConflictRetryPropagatesConflictInsideWriteUnitOfWork(t *testing.T) {
	op := NewOperation()
	g := NewGlobalWrite(op)
	defer g.Release()
	op.Locker().BeginWriteUnitOfWork()
	defer op.Locker().EndWriteUnitOfWork()

	calls := 0
	_, err := WriteConflictRetry(op, "test", "", func() (struct{}, error) {
		calls++
		return struct{}{}, NewWriteConflictError("test", "")
	})
	require.True(t, IsWriteConflict(err))
	require.Equal(t, 1, calls)
	require.Equal(t, int64(0), op.WriteConflicts())
}

func TestWriteConflictErrorMarker(t *testing.T) {
	err := NewWriteConflictError("update", "db.coll")
	require.True(t, IsWriteConflict(err))
	require.True(t, IsWriteConflict(errors.Wrap(err, "outer")))
	require.False(t, IsWriteConflict(errors.New("other")))
	require.Contains(t, err.Error(), "db.coll")
}
