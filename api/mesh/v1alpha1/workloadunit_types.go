package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Unit kinds understood by the reconciler. The spec payload of a unit is an
// opaque document; the kind only selects which constraints and policies apply.
const (
	// KindWorkload declares a deployable workload.
	KindWorkload = "Workload"
	// KindAuthorizationPolicy declares inter-service authorization rules.
	KindAuthorizationPolicy = "AuthorizationPolicy"
	// KindConstraintTemplate declares a reusable admission rule shape.
	KindConstraintTemplate = "ConstraintTemplate"
	// KindConstraint binds a ConstraintTemplate to a scope and parameters.
	KindConstraint = "Constraint"
	// KindExternalSecret declares an external secret binding.
	KindExternalSecret = "ExternalSecret"
	// KindRouteRule declares an ingress routing rule.
	KindRouteRule = "RouteRule"
)

// DesiredUnit is a named, versioned declaration read from the desired-state
// source. It is immutable once read at a given source revision; a newer
// revision supersedes it, nothing mutates it in place.
type DesiredUnit struct {
	// Kind selects the unit type. One of the Kind* constants.
	Kind string `json:"kind" yaml:"kind"`

	// Name identifies the unit within its namespace and kind.
	Name string `json:"name" yaml:"name"`

	// Namespace scopes the unit. Cluster-scoped kinds leave it empty.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Revision is the source revision this unit was read from.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`

	// Annotations carry per-unit reconciler options, such as the drift
	// handling override (AnnotationKeyDriftPolicy).
	Annotations map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`

	// Spec is the declared payload. Opaque to the reconciler, inspected by
	// the admission controller.
	Spec map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`
}

// Key returns the identity of a unit: kind, namespace and name. Two units
// with equal keys are revisions of the same declaration.
func (u *DesiredUnit) Key() UnitKey {
	return UnitKey{Kind: u.Kind, Namespace: u.Namespace, Name: u.Name}
}

// UnitKey identifies a declaration independent of its revision.
type UnitKey struct {
	Kind      string
	Namespace string
	Name      string
}

func (k UnitKey) String() string {
	if k.Namespace == "" {
		return k.Kind + "/" + k.Name
	}
	return k.Kind + "/" + k.Namespace + "/" + k.Name
}

// ObservedUnit is the currently running representation of a DesiredUnit.
// Owned and mutated exclusively by the reconciliation loop; every observed
// unit must trace to exactly one live DesiredUnit or it is pruned.
type ObservedUnit struct {
	Key UnitKey `json:"key"`

	// Live is the applied payload as it currently exists, including any
	// out-of-band edits made outside the reconciler's control.
	Live map[string]interface{} `json:"live,omitempty"`

	// LastApplied is the payload as the reconciler last wrote it. Basis of
	// the three-way diff against Live and the incoming desired spec.
	LastApplied map[string]interface{} `json:"lastApplied,omitempty"`

	// LastAppliedHash is the content hash of the desired spec at the time of
	// the last successful apply. Equal hashes mean no apply is needed.
	LastAppliedHash string `json:"lastAppliedHash,omitempty"`

	// Revision is the source revision last converged to for this unit.
	Revision string `json:"revision,omitempty"`

	// ResourceVersion is the store's optimistic concurrency token. Writes
	// carry the version they read; mismatches are rejected.
	ResourceVersion int64 `json:"resourceVersion,omitempty"`

	Status ObservedUnitStatus `json:"status,omitempty"`
}

// ObservedUnitStatus defines the observed state of a reconciled unit.
type ObservedUnitStatus struct {
	// Replicas reports the running replica count for Workload units.
	Replicas int `json:"replicas,omitempty"`

	// LastSyncTime is the time of the last successful apply.
	LastSyncTime metav1.Time `json:"lastSyncTime,omitempty"`

	// Conditions describe the unit's reconciliation state. All conditions
	// evaluating to true signifies successful reconciliation.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// GetConditions returns the conditions of the observed unit.
func (o *ObservedUnit) GetConditions() []metav1.Condition {
	return o.Status.Conditions
}

// SetConditions sets the conditions of the observed unit.
func (o *ObservedUnit) SetConditions(conditions []metav1.Condition) {
	o.Status.Conditions = conditions
}
