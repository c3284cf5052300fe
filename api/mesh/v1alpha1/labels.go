package v1alpha1

// Annotation keys understood by the reconciler.
const (
	// AnnotationKeyDriftPolicy overrides the loop-wide drift handling for a
	// single unit. Values: DriftPolicySelfHeal or DriftPolicyReport.
	AnnotationKeyDriftPolicy = "mesh.t-caas.telekom.com/drift-policy"
)

// Drift policy annotation values.
const (
	// DriftPolicySelfHeal overwrites out-of-band changes on the next apply.
	DriftPolicySelfHeal = "self-heal"

	// DriftPolicyReport reports out-of-band changes as drift without
	// overwriting them.
	DriftPolicyReport = "report"
)
