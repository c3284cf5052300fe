// Package reconcile drives the desired state from the declaration source into
// the local store. Each pass admits, diffs and applies every declared unit,
// prunes orphans, and publishes the converged configuration to its consumers.
// A unit that fails to apply never blocks the rest of the batch; it is retried
// with backoff by dedicated workers.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/workqueue"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/admission"
	"github.com/telekom/mesh-operator/internal/gateway"
	"github.com/telekom/mesh-operator/internal/policy"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/pkg/conditions"
	"github.com/telekom/mesh-operator/pkg/metrics"
	"github.com/telekom/mesh-operator/pkg/tracing"
)

// casAttempts bounds the read-modify-write retries on a version conflict
// before the unit is handed to the retry queue.
const casAttempts = 3

// ConvergenceError marks a unit whose apply failed. The unit's previous
// observed state stays untouched.
type ConvergenceError struct {
	Key meshv1alpha1.UnitKey
	Err error
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("unit %s failed to converge: %v", e.Key, e.Err)
}

func (e *ConvergenceError) Unwrap() error {
	return e.Err
}

// PolicyViolationError marks a unit denied by the admission controller. The
// denied revision never reaches the store.
type PolicyViolationError struct {
	Key        meshv1alpha1.UnitKey
	Constraint string
	Reason     string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("unit %s rejected by admission: %s", e.Key, e.Reason)
}

// Action is one store mutation performed during a pass.
type Action struct {
	Key meshv1alpha1.UnitKey
	Op  string
}

// Result is the outcome of one reconcile pass.
type Result struct {
	// Revision is the source revision the pass ran against.
	Revision string

	// Actions lists the store mutations performed, in application order.
	// A repeated pass over unchanged desired state performs none.
	Actions []Action

	// Drifted lists units whose live state diverged out-of-band and were
	// handled in report-only mode.
	Drifted []meshv1alpha1.UnitKey

	// Errors maps failed units to their failure. Other units of the same
	// pass are unaffected.
	Errors map[meshv1alpha1.UnitKey]error

	// SnapshotError reports a failed constraint snapshot build, for example
	// a constraint referencing a deleted template. The previously published
	// snapshot stays active.
	SnapshotError error
}

// Converged reports whether every unit of the pass applied cleanly.
func (r *Result) Converged() bool {
	return len(r.Errors) == 0 && r.SnapshotError == nil
}

// Sinks are the consumers the loop publishes converged configuration to.
// Nil sinks are skipped.
type Sinks struct {
	Policies    *policy.Holder
	Constraints *admission.Holder
	Secrets     BindingSink
	Routes      *gateway.Holder
}

// BindingSink receives the declared external-secret binding set.
type BindingSink interface {
	SetBindings(declared []meshv1alpha1.ExternalSecret)
}

// Reconciler converges the store to the desired-state source.
type Reconciler struct {
	store    *store.Store
	source   store.DesiredSource
	admitter *admission.Admitter
	sinks    Sinks
	log      logr.Logger
	tracer   trace.Tracer

	selfHeal       bool
	resyncInterval time.Duration
	workers        int

	queue workqueue.TypedRateLimitingInterface[meshv1alpha1.UnitKey]

	// mu serializes passes and retry applies. lastRevision and desired are
	// only touched under it.
	mu           sync.Mutex
	lastRevision string
	desired      map[meshv1alpha1.UnitKey]meshv1alpha1.DesiredUnit
}

// New returns a Reconciler converging the store to the given source.
func New(st *store.Store, source store.DesiredSource, admitter *admission.Admitter, sinks Sinks, log logr.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:          st,
		source:         source,
		admitter:       admitter,
		sinks:          sinks,
		log:            log,
		tracer:         noop.NewTracerProvider().Tracer(tracing.TracerName),
		selfHeal:       true,
		resyncInterval: DefaultResyncInterval,
		workers:        DefaultWorkers,
		desired:        map[meshv1alpha1.UnitKey]meshv1alpha1.DesiredUnit{},
		queue: workqueue.NewTypedRateLimitingQueue(
			workqueue.DefaultTypedControllerRateLimiter[meshv1alpha1.UnitKey](),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LastConvergedRevision returns the source revision of the last pass in which
// every unit applied cleanly.
func (r *Reconciler) LastConvergedRevision() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRevision
}

// Reconcile runs one full pass over the given desired units: admit, apply,
// prune, publish. Per-unit failures are isolated; failed units are enqueued
// for retry and everything else proceeds. Applying the same revision twice
// performs zero actions the second time.
func (r *Reconciler) Reconcile(ctx context.Context, revision string, units []meshv1alpha1.DesiredUnit) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "reconcile.Pass")
	defer span.End()
	span.SetAttributes(tracing.AttrRevision.String(revision))

	result := &Result{
		Revision: revision,
		Errors:   map[meshv1alpha1.UnitKey]error{},
	}

	declared := map[meshv1alpha1.UnitKey]meshv1alpha1.DesiredUnit{}
	for _, u := range units {
		key := u.Key()
		if _, dup := declared[key]; dup {
			result.Errors[key] = &store.ValidationError{Key: key, Detail: "declared more than once"}
			metrics.ReconcileErrors.WithLabelValues(metrics.ErrorTypeValidation).Inc()
			continue
		}
		declared[key] = u
	}

	for _, u := range units {
		key := u.Key()
		if result.Errors[key] != nil {
			continue
		}
		// A canceled pass stops cleanly between units: each unit is either
		// fully applied or untouched.
		if ctx.Err() != nil {
			result.Errors[key] = ctx.Err()
			continue
		}

		if err := store.ValidateUnit(&u); err != nil {
			r.recordFailure(result, key, err)
			continue
		}

		if decision := r.admitter.Admit(ctx, &u); !decision.Allowed {
			r.recordFailure(result, key, &PolicyViolationError{
				Key:        key,
				Constraint: decision.Constraint,
				Reason:     decision.Reason,
			})
			continue
		}

		op, drifted, err := r.applyUnit(ctx, &u)
		if err != nil {
			r.recordFailure(result, key, err)
			r.queue.AddRateLimited(key)
			continue
		}
		r.queue.Forget(key)
		metrics.ReconcileTotal.WithLabelValues(op, metrics.ResultSuccess).Inc()
		if op != metrics.ActionNone {
			result.Actions = append(result.Actions, Action{Key: key, Op: op})
			r.log.V(1).Info("unit applied", "event", meshv1alpha1.EventReasonApply,
				"unit", key.String(), "op", op)
		}
		if drifted {
			result.Drifted = append(result.Drifted, key)
		}
	}

	r.prune(declared, result)
	r.updateManagedGauge()
	r.publish(revision, units, result)

	r.desired = declared
	if result.Converged() {
		r.lastRevision = revision
	}

	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	return result
}

func (r *Reconciler) recordFailure(result *Result, key meshv1alpha1.UnitKey, err error) {
	result.Errors[key] = err
	metrics.ReconcileTotal.WithLabelValues(metrics.ActionUpdate, metrics.ResultError).Inc()
	metrics.ReconcileErrors.WithLabelValues(errorType(err)).Inc()
	r.log.Error(err, "unit failed, continuing with remaining batch", "unit", key.String())
}

func errorType(err error) string {
	var verr *store.ValidationError
	var perr *PolicyViolationError
	switch {
	case errors.As(err, &verr), errors.As(err, &perr):
		return metrics.ErrorTypeValidation
	case errors.Is(err, store.ErrConflict):
		return metrics.ErrorTypeConflict
	default:
		var cerr *ConvergenceError
		if errors.As(err, &cerr) {
			return metrics.ErrorTypeConvergence
		}
		return metrics.ErrorTypeInternal
	}
}

// applyUnit converges one unit via a three-way diff between last-applied,
// desired, and live state, with compare-and-swap on the store write.
func (r *Reconciler) applyUnit(ctx context.Context, u *meshv1alpha1.DesiredUnit) (string, bool, error) {
	key := u.Key()
	hash := store.HashSpec(u.Spec)

	_, span := r.tracer.Start(ctx, "reconcile.Apply")
	defer span.End()
	span.SetAttributes(
		tracing.AttrUnitKind.String(u.Kind),
		tracing.AttrUnitName.String(u.Name),
		tracing.AttrNamespace.String(u.Namespace),
	)

	for attempt := 0; attempt < casAttempts; attempt++ {
		observed, err := r.store.GetObserved(key)
		if errors.Is(err, store.ErrNotFound) {
			created := &meshv1alpha1.ObservedUnit{
				Key:             key,
				Live:            u.Spec,
				LastApplied:     u.Spec,
				LastAppliedHash: hash,
				Revision:        u.Revision,
			}
			created.Status.LastSyncTime = metav1.Now()
			conditions.MarkTrue(created, meshv1alpha1.ReadyCondition, 0,
				meshv1alpha1.ReadyReasonConverged, meshv1alpha1.ReadyMessageConverged, u.Revision)
			if _, err := r.store.UpsertObserved(created); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return "", false, &ConvergenceError{Key: key, Err: err}
			}
			span.SetAttributes(tracing.AttrAction.String(metrics.ActionCreate))
			return metrics.ActionCreate, false, nil
		}
		if err != nil {
			return "", false, &ConvergenceError{Key: key, Err: err}
		}

		tw, err := diffThreeWay(observed.LastApplied, u.Spec, observed.Live)
		if err != nil {
			return "", false, &ConvergenceError{Key: key, Err: err}
		}

		if !tw.changed && !tw.drifted {
			if observed.Revision == u.Revision && observed.LastAppliedHash == hash {
				span.SetAttributes(tracing.AttrAction.String(metrics.ActionNone))
				return metrics.ActionNone, false, nil
			}
			// Content unchanged across revisions; record the new revision
			// without touching the payload.
			observed.Revision = u.Revision
			observed.LastAppliedHash = hash
			conditions.MarkTrue(observed, meshv1alpha1.ReadyCondition, 0,
				meshv1alpha1.ReadyReasonConverged, meshv1alpha1.ReadyMessageConverged, u.Revision)
			if _, err := r.store.UpsertObserved(observed); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return "", false, &ConvergenceError{Key: key, Err: err}
			}
			span.SetAttributes(tracing.AttrAction.String(metrics.ActionNone))
			return metrics.ActionNone, false, nil
		}

		op := metrics.ActionNone
		selfHeal := r.driftPolicy(u) == meshv1alpha1.DriftPolicySelfHeal
		reported := false

		switch {
		case tw.drifted && !selfHeal:
			// Report-only: keep the out-of-band additions, replay the
			// desired change set on top, and surface the divergence.
			observed.Live = tw.merged
			conditions.MarkTrue(observed, meshv1alpha1.DriftCondition, 0,
				meshv1alpha1.DriftReason, meshv1alpha1.DriftMessage, tw.driftDetail)
			metrics.DriftDetected.WithLabelValues(meshv1alpha1.DriftPolicyReport).Inc()
			r.log.Info("drift detected, reporting without overwrite",
				"event", meshv1alpha1.EventReasonDrift,
				"unit", key.String(), "detail", tw.driftDetail)
			reported = true
			if tw.changed {
				op = metrics.ActionUpdate
			}
		case tw.drifted && selfHeal:
			observed.Live = u.Spec
			conditions.Delete(observed, meshv1alpha1.DriftCondition)
			metrics.DriftDetected.WithLabelValues(meshv1alpha1.DriftPolicySelfHeal).Inc()
			r.log.Info("drift detected, overwriting with desired state",
				"event", meshv1alpha1.EventReasonDrift,
				"unit", key.String(), "detail", tw.driftDetail)
			op = metrics.ActionUpdate
		default:
			observed.Live = tw.merged
			conditions.Delete(observed, meshv1alpha1.DriftCondition)
			op = metrics.ActionUpdate
		}

		observed.LastApplied = u.Spec
		observed.LastAppliedHash = hash
		observed.Revision = u.Revision
		observed.Status.LastSyncTime = metav1.Now()
		conditions.MarkTrue(observed, meshv1alpha1.ReadyCondition, 0,
			meshv1alpha1.ReadyReasonConverged, meshv1alpha1.ReadyMessageConverged, u.Revision)

		if _, err := r.store.UpsertObserved(observed); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return "", false, &ConvergenceError{Key: key, Err: err}
		}
		span.SetAttributes(tracing.AttrAction.String(op))
		return op, reported, nil
	}
	return "", false, &ConvergenceError{
		Key: key,
		Err: fmt.Errorf("gave up after %d attempts: %w", casAttempts, store.ErrConflict),
	}
}

// driftPolicy resolves the drift handling for one unit: per-unit annotation
// first, loop-wide default otherwise.
func (r *Reconciler) driftPolicy(u *meshv1alpha1.DesiredUnit) string {
	switch u.Annotations[meshv1alpha1.AnnotationKeyDriftPolicy] {
	case meshv1alpha1.DriftPolicySelfHeal:
		return meshv1alpha1.DriftPolicySelfHeal
	case meshv1alpha1.DriftPolicyReport:
		return meshv1alpha1.DriftPolicyReport
	}
	if r.selfHeal {
		return meshv1alpha1.DriftPolicySelfHeal
	}
	return meshv1alpha1.DriftPolicyReport
}

// prune deletes observed units whose declaration disappeared. A unit that
// merely failed to apply stays: only undeclared units are orphans.
func (r *Reconciler) prune(declared map[meshv1alpha1.UnitKey]meshv1alpha1.DesiredUnit, result *Result) {
	for _, observed := range r.store.ListObserved() {
		if _, ok := declared[observed.Key]; ok {
			continue
		}
		if err := r.store.DeleteObserved(observed.Key); err != nil {
			r.recordFailure(result, observed.Key, &ConvergenceError{Key: observed.Key, Err: err})
			continue
		}
		metrics.ReconcileTotal.WithLabelValues(metrics.ActionDelete, metrics.ResultSuccess).Inc()
		result.Actions = append(result.Actions, Action{Key: observed.Key, Op: metrics.ActionDelete})
		r.log.Info("pruned orphaned unit", "event", meshv1alpha1.EventReasonPrune,
			"unit", observed.Key.String())
	}
}

func (r *Reconciler) updateManagedGauge() {
	counts := map[string]int{
		meshv1alpha1.KindWorkload:            0,
		meshv1alpha1.KindAuthorizationPolicy: 0,
		meshv1alpha1.KindConstraintTemplate:  0,
		meshv1alpha1.KindConstraint:          0,
		meshv1alpha1.KindExternalSecret:      0,
		meshv1alpha1.KindRouteRule:           0,
	}
	for _, observed := range r.store.ListObserved() {
		counts[observed.Key.Kind]++
	}
	for kind, n := range counts {
		metrics.UnitsManaged.WithLabelValues(kind).Set(float64(n))
	}
}

// publish hands the converged configuration to its consumers. Units that
// failed this pass are excluded; their previously published configuration
// stays in effect until they converge.
func (r *Reconciler) publish(revision string, units []meshv1alpha1.DesiredUnit, result *Result) {
	var (
		policies    []meshv1alpha1.AuthorizationPolicy
		templates   []meshv1alpha1.ConstraintTemplate
		constraints []meshv1alpha1.Constraint
		bindings    []meshv1alpha1.ExternalSecret
		routes      []meshv1alpha1.RouteRule
	)

	for _, u := range units {
		key := u.Key()
		if result.Errors[key] != nil {
			continue
		}
		var err error
		switch u.Kind {
		case meshv1alpha1.KindAuthorizationPolicy:
			var spec meshv1alpha1.AuthorizationPolicySpec
			if err = decodeSpec(&u, &spec); err == nil {
				policies = append(policies, meshv1alpha1.AuthorizationPolicy{
					Name: u.Name, Namespace: u.Namespace, Spec: spec,
				})
			}
		case meshv1alpha1.KindConstraintTemplate:
			var spec meshv1alpha1.ConstraintTemplateSpec
			if err = decodeSpec(&u, &spec); err == nil {
				templates = append(templates, meshv1alpha1.ConstraintTemplate{Name: u.Name, Spec: spec})
			}
		case meshv1alpha1.KindConstraint:
			var spec meshv1alpha1.ConstraintSpec
			if err = decodeSpec(&u, &spec); err == nil {
				constraints = append(constraints, meshv1alpha1.Constraint{Name: u.Name, Spec: spec})
			}
		case meshv1alpha1.KindExternalSecret:
			var spec meshv1alpha1.ExternalSecretSpec
			if err = decodeSpec(&u, &spec); err == nil {
				bindings = append(bindings, meshv1alpha1.ExternalSecret{
					Name: u.Name, Namespace: u.Namespace, Spec: spec,
				})
			}
		case meshv1alpha1.KindRouteRule:
			var spec meshv1alpha1.RouteRuleSpec
			if err = decodeSpec(&u, &spec); err == nil {
				routes = append(routes, meshv1alpha1.RouteRule{Name: u.Name, Spec: spec})
			}
		}
		if err != nil {
			r.recordFailure(result, key, &ConvergenceError{Key: key, Err: err})
		}
	}

	if r.sinks.Policies != nil {
		snapshot := policy.BuildSnapshot(revision, policies)
		r.sinks.Policies.Publish(snapshot)
		metrics.ActivePolicyRules.Set(float64(snapshot.RuleCount()))
	}
	if r.sinks.Constraints != nil {
		snapshot, err := admission.BuildSnapshot(revision, templates, constraints)
		if err != nil {
			result.SnapshotError = err
			metrics.ReconcileErrors.WithLabelValues(metrics.ErrorTypeConvergence).Inc()
			r.log.Error(err, "constraint snapshot rejected, previous snapshot stays active",
				"revision", revision)
		} else {
			r.sinks.Constraints.Publish(snapshot)
		}
	}
	if r.sinks.Secrets != nil {
		r.sinks.Secrets.SetBindings(bindings)
	}
	if r.sinks.Routes != nil {
		r.sinks.Routes.Publish(gateway.BuildTable(revision, routes))
	}
}

// decodeSpec decodes an opaque unit payload into its typed spec.
func decodeSpec(u *meshv1alpha1.DesiredUnit, out interface{}) error {
	raw, err := json.Marshal(u.Spec)
	if err != nil {
		return fmt.Errorf("encoding %s spec: %w", u.Key(), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s spec: %w", u.Key(), err)
	}
	return nil
}
