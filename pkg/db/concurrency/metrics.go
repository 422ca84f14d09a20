// Copyright 2025 The Pelago Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package concurrency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the lock manager's prometheus collectors. Counters and the
// queue gauge are updated outside the lock-head mutexes; acquisition paths
// stay free of I/O and contention on the metrics registry.
type Metrics struct {
	// Acquisitions counts successful lock acquisitions by granted mode.
	Acquisitions *prometheus.CounterVec
	// Timeouts counts lock acquisitions abandoned at their deadline.
	Timeouts prometheus.Counter
	// TicketTimeouts counts admission ticket acquisitions abandoned at their
	// deadline.
	TicketTimeouts prometheus.Counter
	// TicketQueueLength is the number of operations currently waiting for an
	// admission ticket.
	TicketQueueLength prometheus.Gauge
	// WriteConflictRetries counts operations retried after a storage write
	// conflict.
	WriteConflictRetries prometheus.Counter
}

// NewMetrics builds the lock manager collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Acquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pelago",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Successful lock acquisitions by granted mode.",
		}, []string{"mode"}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pelago",
			Subsystem: "lock",
			Name:      "wait_timeouts_total",
			Help:      "Lock acquisitions abandoned at their deadline.",
		}),
		TicketTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pelago",
			Subsystem: "lock",
			Name:      "ticket_timeouts_total",
			Help:      "Admission ticket acquisitions abandoned at their deadline.",
		}),
		TicketQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pelago",
			Subsystem: "lock",
			Name:      "ticket_queue_length",
			Help:      "Operations currently waiting for an admission ticket.",
		}),
		WriteConflictRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pelago",
			Subsystem: "txn",
			Name:      "write_conflict_retries_total",
			Help:      "Operations retried after a storage write conflict.",
		}),
	}
}

// metrics is the active collector set, registered with the default registerer
// unless replaced via SetMetrics.
var metrics = NewMetrics(prometheus.DefaultRegisterer)

// SetMetrics installs a collector set built against a caller-supplied
// registerer. Call during process startup, before any operation runs.
func SetMetrics(m *Metrics) {
	metrics = m
}
