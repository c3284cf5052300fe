package v1alpha1

// MatchAny is the wildcard matcher accepted by principal, path and port
// fields of an authorization rule.
const MatchAny = "*"

// AuthorizationRule grants access from a set of principals to one target
// service. Rules are a union of grants: adding a rule can only widen access,
// never revoke what another rule granted.
type AuthorizationRule struct {
	// Principals are SPIFFE ID patterns of allowed callers. A pattern is
	// either an exact ID, a "*" wildcard, or a prefix ending in "/*".
	Principals []string `json:"principals" yaml:"principals"`

	// Paths restricts the rule to request paths. Empty means any path.
	// Entries are exact paths or prefix patterns ending in "/*".
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Ports restricts the rule to target ports. Empty means any port.
	Ports []int `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// AuthorizationPolicySpec defines the rules scoped to one target service.
// Absent any matching rule the engine denies the call (default-deny).
type AuthorizationPolicySpec struct {
	// TargetService is the namespace-qualified service the rules protect,
	// in "namespace/name" form.
	TargetService string `json:"targetService" yaml:"targetService"`

	// Rules are evaluated by specificity; declaration order breaks ties.
	Rules []AuthorizationRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// AuthorizationPolicy is the declarative schema for inter-service access.
type AuthorizationPolicy struct {
	Name      string                  `json:"name" yaml:"name"`
	Namespace string                  `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Spec      AuthorizationPolicySpec `json:"spec" yaml:"spec"`
}
