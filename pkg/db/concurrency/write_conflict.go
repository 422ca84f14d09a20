// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelagodb/pelago/pkg/util/retry"
	"github.com/sirupsen/logrus"
)

// ErrWriteConflict is the marker for storage-level write conflicts, which
// are retryable outside a write unit of work. Match with errors.Is.
var ErrWriteConflict = errors.New("write conflict")

// NewWriteConflictError returns a retryable write conflict for the given
// operation name and namespace.
func NewWriteConflictError(opName, ns string) error {
	return errors.Mark(errors.Newf("write conflict during %s on %s", opName, ns), ErrWriteConflict)
}

// IsWriteConflict reports whether err is a storage write conflict.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// WriteConflictRetry runs fn, retrying with capped exponential backoff for
// as long as it fails with a write conflict. Inside a write unit of work the
// conflict is propagated instead: the enclosing transaction as a whole must
// be retried, not the single statement. Non-conflict errors always propagate
// immediately. The loop is unbounded; the caller bounds it through whatever
// deadline fn itself observes.
func WriteConflictRetry[T any](op *Operation, opName, ns string, fn func() (T, error)) (T, error) {
	if op.Locker().InAWriteUnitOfWork() {
		return fn()
	}
	r := retry.Start(retry.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	for r.Next() {
		v, err := fn()
		if err == nil || !IsWriteConflict(err) {
			return v, err
		}
		op.RecordWriteConflict()
		metrics.WriteConflictRetries.Inc()
		logrus.WithFields(logrus.Fields{
			"operation": opName,
			"namespace": ns,
			"attempt":   r.CurrentAttempt(),
		}).Debug("caught write conflict, retrying")
	}
	panic(errors.AssertionFailedf("unbounded write conflict retry loop ended"))
}
