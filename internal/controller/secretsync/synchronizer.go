// Package secretsync keeps local secrets eventually consistent with an
// external secret store. Each binding is polled on its own interval; a fetch
// failure never removes the last-known-good local secret, and removal of a
// binding cascade-deletes the secret it materialized.
package secretsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/store"
	"github.com/telekom/mesh-operator/pkg/conditions"
	"github.com/telekom/mesh-operator/pkg/metrics"
	"github.com/telekom/mesh-operator/pkg/tracing"
)

// scanInterval is the resolution at which due bindings are checked. Actual
// sync cadence is the per-binding refresh interval.
const scanInterval = time.Second

// degradedStore labels the Degraded gauge while the external store is
// unreachable.
const degradedStore = "secret_store"

// TransientFetchError marks a failed fetch from the external store. It is
// retried and never fatal; the local secret stays untouched.
type TransientFetchError struct {
	Ref meshv1alpha1.RemoteRef
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s/%s: %v", e.Ref.Store, e.Ref.Key, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// TokenSource supplies short-lived credentials for the external store fetch.
// Implementations delegate to a workload-identity mechanism; no long-lived
// static credential is stored locally.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Fetcher reads secret values from the external store.
type Fetcher interface {
	// Fetch returns the current value for the reference. Failures are
	// reported as is; the synchronizer classifies them as transient.
	Fetch(ctx context.Context, ref meshv1alpha1.RemoteRef) ([]byte, error)
}

// Outcome classifies one sync attempt.
type Outcome string

const (
	// OutcomeSynced means the local secret was materialized or updated.
	OutcomeSynced Outcome = "Synced"
	// OutcomeUnchanged means the external value hash matched the last sync.
	OutcomeUnchanged Outcome = "Unchanged"
	// OutcomeFailed means the fetch failed; last-known-good is retained.
	OutcomeFailed Outcome = "Failed"
)

// Result is the outcome of one sync attempt.
type Result struct {
	Outcome Outcome
	Hash    string
	Err     error
}

// bindingState tracks one binding's sync lifecycle. The mutex serializes
// syncs per binding: at most one fetch/update is in flight at any time.
type bindingState struct {
	mu      sync.Mutex
	binding meshv1alpha1.ExternalSecret
	backoff *backoff.ExponentialBackOff

	// nextMu guards next separately from mu so the due scan never blocks
	// behind an in-flight fetch.
	nextMu sync.Mutex
	next   time.Time
}

func (b *bindingState) nextAttempt() time.Time {
	b.nextMu.Lock()
	defer b.nextMu.Unlock()
	return b.next
}

func (b *bindingState) scheduleNext(t time.Time) {
	b.nextMu.Lock()
	defer b.nextMu.Unlock()
	b.next = t
}

// Synchronizer drives all bindings. Bindings may sync in parallel with each
// other but never with themselves.
type Synchronizer struct {
	store   *store.Store
	fetcher Fetcher
	clock   clock.PassiveClock
	log     logr.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	bindings map[string]*bindingState
}

// New returns a Synchronizer materializing into the given store.
func New(st *store.Store, fetcher Fetcher, c clock.PassiveClock, log logr.Logger, tracer trace.Tracer) *Synchronizer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Synchronizer{
		store:    st,
		fetcher:  fetcher,
		clock:    c,
		log:      log,
		tracer:   tracer,
		bindings: map[string]*bindingState{},
	}
}

// SetBindings replaces the declared binding set. New bindings become due
// immediately; bindings no longer declared cascade-delete their materialized
// local secret.
func (s *Synchronizer) SetBindings(declared []meshv1alpha1.ExternalSecret) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, b := range declared {
		seen[b.Name] = true
		if existing, ok := s.bindings[b.Name]; ok {
			existing.mu.Lock()
			existing.binding.Spec = b.Spec
			existing.mu.Unlock()
			continue
		}
		s.bindings[b.Name] = &bindingState{
			binding: b,
			backoff: newBackoff(),
			next:    s.clock.Now(),
		}
	}

	for name, state := range s.bindings {
		if seen[name] {
			continue
		}
		s.store.DeleteSecret(state.binding.Spec.TargetSecretName)
		delete(s.bindings, name)
		s.log.Info("binding removed, cascade-deleted local secret",
			"binding", name,
			"secret", state.binding.Spec.TargetSecretName,
		)
	}
}

// Status returns a copy of the named binding with its current status.
func (s *Synchronizer) Status(name string) (*meshv1alpha1.ExternalSecret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.bindings[name]
	if !ok {
		return nil, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	cp := state.binding
	cp.Status.Conditions = append([]metav1.Condition(nil), state.binding.Status.Conditions...)
	return &cp, true
}

// Run polls bindings until the context is canceled. In-flight syncs observe
// cancellation through the fetch context.
func (s *Synchronizer) Run(ctx context.Context) {
	s.log.Info("secret synchronizer starting", "scanInterval", scanInterval.String())
	wait.UntilWithContext(ctx, s.syncDue, scanInterval)
	s.log.Info("secret synchronizer stopped")
}

// syncDue dispatches a sync for every binding whose next attempt is due.
func (s *Synchronizer) syncDue(ctx context.Context) {
	s.mu.RLock()
	due := make([]*bindingState, 0, len(s.bindings))
	now := s.clock.Now()
	for _, state := range s.bindings {
		if !now.Before(state.nextAttempt()) {
			due = append(due, state)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, state := range due {
		wg.Add(1)
		go func(state *bindingState) {
			defer wg.Done()
			s.syncOne(ctx, state)
		}(state)
	}
	wg.Wait()
}

// Sync runs one attempt for the named binding, serialized against any
// concurrent attempt for the same binding.
func (s *Synchronizer) Sync(ctx context.Context, name string) (Result, error) {
	s.mu.RLock()
	state, ok := s.bindings[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("binding %s: %w", name, store.ErrNotFound)
	}
	return s.syncOne(ctx, state), nil
}

func (s *Synchronizer) syncOne(ctx context.Context, state *bindingState) Result {
	// At-most-one in-flight sync per binding.
	state.mu.Lock()
	defer state.mu.Unlock()

	binding := state.binding
	ctx, span := s.tracer.Start(ctx, "secretsync.Sync")
	defer span.End()
	span.SetAttributes(
		tracing.AttrBinding.String(binding.Name),
		tracing.AttrTarget.String(binding.Spec.TargetSecretName),
	)

	value, err := s.fetcher.Fetch(ctx, binding.Spec.RemoteRef)
	if err != nil {
		ferr := &TransientFetchError{Ref: binding.Spec.RemoteRef, Err: err}
		// Retain last-known-good; retry after backoff on a later tick.
		next := s.clock.Now().Add(state.backoff.NextBackOff())
		state.scheduleNext(next)
		conditions.MarkFalse(&state.binding, meshv1alpha1.SyncedCondition, 0,
			meshv1alpha1.SyncedReasonFetchFailed, meshv1alpha1.SyncedMessageFetchFailed, ferr.Error())
		conditions.MarkTrue(&state.binding, meshv1alpha1.DegradedCondition, 0,
			meshv1alpha1.DegradedReasonSourceLost, meshv1alpha1.DegradedMessageSourceLost, ferr.Error())
		metrics.SecretSyncTotal.WithLabelValues(metrics.SyncOutcomeFailed).Inc()
		metrics.Degraded.WithLabelValues(degradedStore).Set(1)
		span.SetAttributes(tracing.AttrReason.String(ferr.Error()))
		s.log.Error(ferr, "secret sync failed, retaining last-known-good",
			"event", meshv1alpha1.EventReasonSecretSyncFailed,
			"binding", binding.Name,
			"nextAttempt", next.Format(time.RFC3339),
		)
		return Result{Outcome: OutcomeFailed, Err: ferr}
	}

	state.backoff.Reset()
	state.scheduleNext(s.clock.Now().Add(refreshInterval(&binding)))
	conditions.Delete(&state.binding, meshv1alpha1.DegradedCondition)
	metrics.Degraded.WithLabelValues(degradedStore).Set(0)

	hash := store.HashBytes(value)
	if hash == state.binding.Status.SyncedHash {
		metrics.SecretSyncTotal.WithLabelValues(metrics.SyncOutcomeUnchanged).Inc()
		return Result{Outcome: OutcomeUnchanged, Hash: hash}
	}

	s.store.UpsertSecret(binding.Spec.TargetSecretName, value)
	state.binding.Status.SyncedHash = hash
	state.binding.Status.LastSyncTime = metav1.NewTime(s.clock.Now())
	conditions.MarkTrue(&state.binding, meshv1alpha1.SyncedCondition, 0,
		meshv1alpha1.SyncedReasonFetched, meshv1alpha1.SyncedMessageFetched, hash)
	metrics.SecretSyncTotal.WithLabelValues(metrics.SyncOutcomeSynced).Inc()
	s.log.Info("secret synced",
		"event", meshv1alpha1.EventReasonSecretSynced,
		"binding", binding.Name,
		"secret", binding.Spec.TargetSecretName,
		"hash", hash,
	)
	return Result{Outcome: OutcomeSynced, Hash: hash}
}

func refreshInterval(b *meshv1alpha1.ExternalSecret) time.Duration {
	if b.Spec.RefreshInterval.Duration > 0 {
		return b.Spec.RefreshInterval.Duration
	}
	return meshv1alpha1.DefaultRefreshInterval
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 5 * time.Minute
	return bo
}
