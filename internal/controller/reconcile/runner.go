// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/util/wait"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/pkg/conditions"
	"github.com/telekom/mesh-operator/pkg/metrics"
)

// degradedSource labels the desired-state source in the degraded gauge.
const degradedSource = "desired_source"

// stalledThreshold is the retry count after which a unit is marked Stalled.
const stalledThreshold = 5

// Run drives full passes at the resync interval and retry workers draining
// the failure queue, until the context is canceled. A pass in flight finishes
// its current unit before stopping.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconciliation loop starting",
		"resyncInterval", r.resyncInterval.String(),
		"workers", r.workers,
	)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.retryWorker(ctx)
		}()
	}

	wait.UntilWithContext(ctx, r.pass, r.resyncInterval)

	r.queue.ShutDown()
	wg.Wait()
	r.log.Info("reconciliation loop stopped")
	return nil
}

// pass loads the current source revision and reconciles it. Source loss
// degrades to serving the last converged state instead of failing the loop.
func (r *Reconciler) pass(ctx context.Context) {
	revision, err := r.source.Revision(ctx)
	if err != nil {
		metrics.Degraded.WithLabelValues(degradedSource).Set(1)
		r.log.Error(err, "desired-state source unavailable, serving last converged state",
			"lastConverged", r.LastConvergedRevision(),
		)
		return
	}
	metrics.Degraded.WithLabelValues(degradedSource).Set(0)

	units, err := r.source.Load(ctx, revision)
	if err != nil {
		// A superseded revision or transient read error; the next tick
		// picks up the new head.
		r.log.V(1).Info("skipping pass", "revision", revision, "reason", err.Error())
		return
	}

	result := r.Reconcile(ctx, revision, units)
	if !result.Converged() {
		r.log.Info("pass finished with failures",
			"revision", revision,
			"actions", len(result.Actions),
			"failed", len(result.Errors),
		)
		return
	}
	if len(result.Actions) > 0 || len(result.Drifted) > 0 {
		r.log.Info("pass converged",
			"revision", revision,
			"actions", len(result.Actions),
			"drifted", len(result.Drifted),
		)
	}
}

// retryWorker drains failed units from the rate-limited queue until shutdown.
func (r *Reconciler) retryWorker(ctx context.Context) {
	for {
		key, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		r.retryOne(ctx, key)
		r.queue.Done(key)
	}
}

// retryOne re-applies a previously failed unit. Retries are serialized with
// full passes; the unit's desired spec is whatever the latest pass declared.
func (r *Reconciler) retryOne(ctx context.Context, key meshv1alpha1.UnitKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.desired[key]
	if !ok {
		// Declaration disappeared between failure and retry.
		r.queue.Forget(key)
		return
	}

	op, _, err := r.applyUnit(ctx, &u)
	if err == nil {
		r.queue.Forget(key)
		metrics.ReconcileTotal.WithLabelValues(op, metrics.ResultSuccess).Inc()
		r.log.Info("retry converged", "unit", key.String())
		return
	}

	metrics.ReconcileTotal.WithLabelValues(metrics.ActionUpdate, metrics.ResultRetry).Inc()
	metrics.ReconcileErrors.WithLabelValues(errorType(err)).Inc()
	if r.queue.NumRequeues(key) >= stalledThreshold {
		r.markStalled(key, err)
	}
	r.log.Error(err, "retry failed, backing off",
		"unit", key.String(),
		"requeues", r.queue.NumRequeues(key),
	)
	r.queue.AddRateLimited(key)
}

// markStalled surfaces persistent apply failure on the unit's conditions.
// Best effort; a conflict just means the next attempt will mark it.
func (r *Reconciler) markStalled(key meshv1alpha1.UnitKey, cause error) {
	observed, err := r.store.GetObserved(key)
	if err != nil {
		return
	}
	conditions.MarkTrue(observed, meshv1alpha1.StalledCondition, 0,
		meshv1alpha1.StalledReasonApplyError, meshv1alpha1.StalledMessageApplyError, cause.Error())
	conditions.MarkFalse(observed, meshv1alpha1.ReadyCondition, 0,
		meshv1alpha1.ReadyReasonFailed, meshv1alpha1.ReadyMessageFailed, cause.Error())
	_, _ = r.store.UpsertObserved(observed)
}
