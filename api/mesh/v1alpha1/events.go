package v1alpha1

// Event reason constants for structured events emitted on the observability
// surface. PascalCase per the Kubernetes event conventions.
// See: https://github.com/kubernetes/community/blob/master/contributors/devel/sig-instrumentation/events.md
const (
	// EventReasonApply indicates a unit was created or updated.
	EventReasonApply = "Apply"

	// EventReasonPrune indicates an orphaned observed unit was deleted.
	EventReasonPrune = "Prune"

	// EventReasonDrift indicates out-of-band changes were detected.
	EventReasonDrift = "DriftDetected"

	// EventReasonAdmissionDeny indicates a candidate spec was rejected.
	EventReasonAdmissionDeny = "AdmissionDenied"

	// EventReasonAuthorizationDeny indicates an inter-service call was denied.
	EventReasonAuthorizationDeny = "AuthorizationDenied"

	// EventReasonIdentityInvalid indicates a caller identity failed
	// verification before policy evaluation.
	EventReasonIdentityInvalid = "IdentityInvalid"

	// EventReasonSecretSynced indicates a local secret was materialized or
	// updated from the external store.
	EventReasonSecretSynced = "SecretSynced"

	// EventReasonSecretSyncFailed indicates a transient fetch failure.
	EventReasonSecretSyncFailed = "SecretSyncFailed"

	// EventReasonRouteRejected indicates no route matched an ingress request.
	EventReasonRouteRejected = "RouteRejected"
)
