// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// lockbench drives a mixed locking workload against the lock manager, for
// stress testing and contention experiments. It reproduces the shapes the
// server produces in production: global read/write churn, database and
// collection intent locking, admission throttling and cooperative yields.
package main

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/pelagodb/pelago/pkg/db/concurrency"
	"github.com/pelagodb/pelago/pkg/db/concurrency/lock"
	"github.com/pelagodb/pelago/pkg/db/storage"
	"github.com/pelagodb/pelago/pkg/util/ticketholder"
	"github.com/pelagodb/pelago/pkg/util/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagWorkers    int
	flagIters      int
	flagTickets    int
	flagDocLocking bool
	flagListen     string
	flagVerbose    bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "lockbench",
		Short: "stress the hierarchical lock manager",
		RunE:  run,
	}
	cmd.Flags().IntVar(&flagWorkers, "workers", 8, "concurrent operations")
	cmd.Flags().IntVar(&flagIters, "iters", 5000, "iterations per worker")
	cmd.Flags().IntVar(&flagTickets, "tickets", 0, "admission tickets per class (0 disables throttling)")
	cmd.Flags().BoolVar(&flagDocLocking, "doc-locking", true, "emulate a document-level locking engine")
	cmd.Flags().StringVar(&flagListen, "listen", "", "serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.StandardLogger()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	storage.SetSupportsDocLocking(flagDocLocking)

	// The bench gets its own registry rather than the process default, so
	// repeated runs in one process never double-register.
	reg := prometheus.NewRegistry()
	concurrency.SetMetrics(concurrency.NewMetrics(reg))

	if flagListen != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(flagListen, nil); err != nil {
				log.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	var readTickets, writeTickets *ticketholder.TicketHolder
	if flagTickets > 0 {
		readTickets = ticketholder.New(flagTickets)
		writeTickets = ticketholder.New(flagTickets)
	}

	ops := make([]*concurrency.Operation, flagWorkers)
	for i := range ops {
		ops[i] = concurrency.NewOperation()
		if !flagDocLocking {
			ops[i].SetLocker(concurrency.NewLegacyLocker())
		}
		ops[i].Locker().SetGlobalThrottling(readTickets, writeTickets)
	}

	start := timeutil.Now()
	var g errgroup.Group
	for w := 0; w < flagWorkers; w++ {
		op, seed := ops[w], int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < flagIters; i++ {
				step(op, rng, i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if flagVerbose {
		// The table should have drained; anything left is a leak.
		concurrency.DefaultManager().Dump(log)
	}

	elapsed := timeutil.Now().Sub(start)
	total := flagWorkers * flagIters
	log.WithFields(logrus.Fields{
		"workers": flagWorkers,
		"iters":   total,
		"elapsed": elapsed,
		"per_op":  elapsed / time.Duration(total),
	}).Info("workload complete")
	fmt.Fprintf(cmd.OutOrStdout(), "%d iterations in %s (%s/op)\n",
		total, elapsed, elapsed/time.Duration(total))
	return nil
}

// step runs one iteration of the mixed workload: mostly intent locking on a
// handful of databases, with occasional global locks, yields and timeouts in
// the mix.
func step(op *concurrency.Operation, rng *rand.Rand, i int) {
	dbName := fmt.Sprintf("db%d", rng.Intn(4))
	switch i % 7 {
	case 0:
		g := concurrency.NewGlobalWrite(op)
		defer g.Release()
		if rng.Intn(16) == 0 {
			tr := concurrency.NewTempRelease(op.Locker())
			tr.Restore()
		}
	case 1:
		g := concurrency.NewGlobalRead(op)
		defer g.Release()
	case 2:
		g := concurrency.NewGlobalLock(op, lock.ModeIS,
			timeutil.Now().Add(time.Duration(rng.Intn(2))*time.Millisecond))
		defer g.Release()
	case 3:
		db := concurrency.NewDBLock(op, dbName, lock.ModeIX, timeutil.Max)
		if db.IsLocked() {
			cl := concurrency.NewCollectionLock(op.Locker(), dbName+".bench", lock.ModeIX, timeutil.Max)
			cl.Release()
		}
		db.Release()
	case 4:
		db := concurrency.NewDBLock(op, dbName, lock.ModeIS, timeutil.Max)
		if db.IsLocked() {
			cl := concurrency.NewCollectionLock(op.Locker(), dbName+".bench", lock.ModeIS, timeutil.Max)
			cl.Release()
		}
		db.Release()
	case 5:
		db := concurrency.NewDBLock(op, dbName, lock.ModeX,
			timeutil.Now().Add(time.Duration(rng.Intn(3))*time.Millisecond))
		db.Release()
	case 6:
		db := concurrency.NewDBLock(op, "admin", lock.ModeS, timeutil.Max)
		db.Release()
	}
}
