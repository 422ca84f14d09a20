// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package retry provides an exponential-backoff retry loop.
package retry

import (
	"math/rand"
	"time"
)

// Options configures a Retry loop.
type Options struct {
	// InitialBackoff is the sleep after the first failed attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the per-attempt sleep.
	MaxBackoff time.Duration
	// Multiplier is the backoff growth factor; defaults to 2.
	Multiplier float64
	// RandomizationFactor jitters each sleep by +/- the given fraction;
	// defaults to 0.15. Set to -1 for no jitter.
	RandomizationFactor float64
	// MaxRetries bounds the number of retries; 0 means retry forever.
	MaxRetries int
}

// Retry implements the public methods of a retry loop.
//
//	for r := retry.Start(opts); r.Next(); {
//	    if err := do(); err == nil {
//	        break
//	    }
//	}
type Retry struct {
	opts           Options
	currentAttempt int
	isReset        bool
}

// Start returns a new Retry initialized to its first attempt. The first call
// to Next returns immediately.
func Start(opts Options) Retry {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = 2
	}
	if opts.RandomizationFactor == 0 {
		opts.RandomizationFactor = 0.15
	}
	r := Retry{opts: opts}
	r.Reset()
	return r
}

// Reset rewinds the loop to its initial state: the next call to Next returns
// immediately and the attempt counter restarts.
func (r *Retry) Reset() {
	r.currentAttempt = 0
	r.isReset = true
}

// CurrentAttempt returns the zero-based number of the current attempt.
func (r *Retry) CurrentAttempt() int {
	return r.currentAttempt
}

// Next sleeps for the current backoff and reports whether another attempt
// should run. The first call after Start or Reset does not sleep.
func (r *Retry) Next() bool {
	if r.isReset {
		r.isReset = false
		return true
	}
	if r.opts.MaxRetries > 0 && r.currentAttempt >= r.opts.MaxRetries {
		return false
	}
	time.Sleep(r.retryIn())
	r.currentAttempt++
	return true
}

func (r *Retry) retryIn() time.Duration {
	backoff := float64(r.opts.InitialBackoff)
	for i := 0; i < r.currentAttempt; i++ {
		backoff *= r.opts.Multiplier
		if backoff >= float64(r.opts.MaxBackoff) {
			backoff = float64(r.opts.MaxBackoff)
			break
		}
	}
	if f := r.opts.RandomizationFactor; f > 0 {
		delta := f * backoff
		backoff = backoff - delta + rand.Float64()*2*delta
	}
	return time.Duration(backoff)
}
