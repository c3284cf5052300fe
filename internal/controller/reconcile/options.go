// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Defaults for the reconciliation loop.
const (
	// DefaultResyncInterval is the cadence of full passes when the source
	// revision has not changed.
	DefaultResyncInterval = 30 * time.Second

	// DefaultWorkers is the number of retry workers draining failed units.
	DefaultWorkers = 2
)

// Option is a functional option for configuring the Reconciler.
type Option func(*Reconciler)

// WithSelfHeal sets the loop-wide drift handling default. When true,
// out-of-band changes are overwritten on the next apply; when false they are
// reported as drift and left in place. A per-unit annotation overrides this.
func WithSelfHeal(selfHeal bool) Option {
	return func(r *Reconciler) {
		r.selfHeal = selfHeal
	}
}

// WithResyncInterval sets the full-pass cadence.
func WithResyncInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.resyncInterval = d
	}
}

// WithWorkers sets the number of retry workers.
func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		r.workers = n
	}
}

// WithTracer sets the OpenTelemetry tracer used for reconcile spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = t
	}
}
