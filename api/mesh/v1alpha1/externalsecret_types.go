package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DefaultRefreshInterval is the per-binding sync interval used when the
// declaration does not set one.
const DefaultRefreshInterval = 60 * time.Second

// RemoteRef references a key in an external secret store.
type RemoteRef struct {
	// Store names the external store the key lives in.
	Store string `json:"store" yaml:"store"`

	// Key addresses the secret value within the store.
	Key string `json:"key" yaml:"key"`

	// Version optionally pins a store-side version. Empty means latest.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

// ExternalSecretSpec defines the desired state of an external secret binding.
type ExternalSecretSpec struct {
	// RemoteRef locates the source of truth in the external store.
	RemoteRef RemoteRef `json:"remoteRef" yaml:"remoteRef"`

	// TargetSecretName is the local secret the value is materialized into.
	// Removal of the declaration cascade-deletes this secret.
	TargetSecretName string `json:"targetSecretName" yaml:"targetSecretName"`

	// RefreshInterval is the polling cadence for this binding.
	RefreshInterval metav1.Duration `json:"refreshInterval,omitempty" yaml:"refreshInterval,omitempty"`
}

// ExternalSecretStatus defines the observed sync state of a binding.
// Mutated on every successful sync, retained across transient failures.
type ExternalSecretStatus struct {
	// SyncedHash is the content hash of the last successfully synced value.
	SyncedHash string `json:"syncedHash,omitempty"`

	// LastSyncTime is the time of the last successful sync.
	LastSyncTime metav1.Time `json:"lastSyncTime,omitempty"`

	// Conditions describe the binding's sync state.
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// ExternalSecret is the declarative schema for continuous secret
// reconciliation from an external store into the local secret store.
type ExternalSecret struct {
	Name      string               `json:"name" yaml:"name"`
	Namespace string               `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Spec      ExternalSecretSpec   `json:"spec" yaml:"spec"`
	Status    ExternalSecretStatus `json:"status,omitempty" yaml:"-"`
}

// GetConditions returns the conditions of the external secret.
func (es *ExternalSecret) GetConditions() []metav1.Condition {
	return es.Status.Conditions
}

// SetConditions sets the conditions of the external secret.
func (es *ExternalSecret) SetConditions(conditions []metav1.Condition) {
	es.Status.Conditions = conditions
}
