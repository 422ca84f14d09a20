// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package timeutil provides time helpers shared across the server: a
// monotonic Now and a pooled Timer for wait loops.
package timeutil

import "time"

// Now returns the current time. It is a plain wrapper around time.Now, used
// by the lock paths, their tests and lockbench.
func Now() time.Time {
	return time.Now()
}

// Until returns the duration until t, which may be negative.
func Until(t time.Time) time.Duration {
	return t.Sub(Now())
}

// Max is a time point far beyond any real deadline, used as the "no deadline"
// sentinel in lock acquisition paths.
var Max = time.Unix(1<<62-1, 0)
