package v1alpha1

import "github.com/telekom/mesh-operator/pkg/conditions"

// MeshConditionType represents mesh-related condition types.
type MeshConditionType = conditions.ConditionType

// MeshConditionReason represents mesh-related condition reasons.
type MeshConditionReason = conditions.ConditionReason

// MeshConditionMessage represents mesh-related condition messages.
type MeshConditionMessage = conditions.ConditionMessage

// kstatus-compliant condition types.
// See: https://github.com/kubernetes-sigs/cli-utils/blob/master/pkg/kstatus/README.md
const (
	// ReadyCondition indicates whether the unit is fully reconciled.
	// When True, the observed state matches the desired state.
	ReadyCondition MeshConditionType = "Ready"

	// ReconcilingCondition follows the "abnormal-true" pattern - present and
	// True while an apply is in progress, absent once convergence completes.
	ReconcilingCondition MeshConditionType = "Reconciling"

	// StalledCondition follows the "abnormal-true" pattern - present and True
	// when apply attempts keep failing and the unit is backing off.
	StalledCondition MeshConditionType = "Stalled"
)

// Ready condition reasons and messages.
const (
	// ReadyReasonConverged indicates the unit converged to the source revision.
	ReadyReasonConverged MeshConditionReason = "Converged"
	// ReadyReasonApplying indicates the unit is being applied.
	ReadyReasonApplying MeshConditionReason = "Applying"
	// ReadyReasonFailed indicates the apply failed.
	ReadyReasonFailed MeshConditionReason = "Failed"

	// ReadyMessageConverged is the message when the unit is converged.
	ReadyMessageConverged MeshConditionMessage = "Unit converged to revision %s"
	// ReadyMessageFailed is the message format when an apply failed.
	ReadyMessageFailed MeshConditionMessage = "Apply failed: %s"
)

// Stalled condition reasons and messages.
const (
	// StalledReasonApplyError indicates repeated apply errors.
	StalledReasonApplyError MeshConditionReason = "ApplyError"
	// StalledMessageApplyError is the message format for repeated apply errors.
	StalledMessageApplyError MeshConditionMessage = "Apply retries exhausted: %s"
)

// Drift detection related condition constants.
const (
	// DriftCondition indicates out-of-band changes were detected against the
	// last-applied state. Present only in report-only drift handling; in
	// self-heal mode drift is overwritten instead.
	DriftCondition MeshConditionType = "DriftDetected"
	// DriftReason is the reason for the drift condition.
	DriftReason MeshConditionReason = "OutOfBandChange"
	// DriftMessage is the message format for the drift condition.
	DriftMessage MeshConditionMessage = "Live state diverged from last applied state: %s"
)

// Secret sync related condition constants.
const (
	// SyncedCondition indicates the binding's local secret matches the
	// external source of truth.
	SyncedCondition MeshConditionType = "Synced"
	// SyncedReasonFetched is the reason after a successful fetch.
	SyncedReasonFetched MeshConditionReason = "Fetched"
	// SyncedReasonFetchFailed is the reason after a transient fetch failure.
	SyncedReasonFetchFailed MeshConditionReason = "FetchFailed"
	// SyncedMessageFetched is the message format after a successful sync.
	SyncedMessageFetched MeshConditionMessage = "Synced value with hash %s"
	// SyncedMessageFetchFailed is the message format after a fetch failure.
	// The last-known-good secret is retained.
	SyncedMessageFetchFailed MeshConditionMessage = "Fetch failed, serving last-known-good: %s"
)

// Degraded mode related condition constants.
const (
	// DegradedCondition indicates total loss of the desired-state source or
	// the external secret store. Serving continues from the last snapshot.
	DegradedCondition MeshConditionType = "Degraded"
	// DegradedReasonSourceLost is the reason when a backing source is lost.
	DegradedReasonSourceLost MeshConditionReason = "SourceUnavailable"
	// DegradedMessageSourceLost is the message format when a source is lost.
	DegradedMessageSourceLost MeshConditionMessage = "Backing source unavailable, serving stale state: %s"
)
