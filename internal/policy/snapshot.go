package policy

import (
	"strings"
	"sync/atomic"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// Snapshot is an immutable view of the authorization rule set. Every
// evaluation binds to exactly one snapshot, so a concurrent rule update never
// causes a single evaluation to see a mix of old and new rules.
type Snapshot struct {
	// Revision is the source revision the snapshot was built from.
	Revision string

	// rules maps target service ("namespace/name") to its scoped rules in
	// declaration order.
	rules map[string][]scopedRule
	count int
}

// scopedRule is one AuthorizationRule with its declaration position retained
// for tie-breaking.
type scopedRule struct {
	rule   meshv1alpha1.AuthorizationRule
	policy string
	order  int
}

// BuildSnapshot compiles policies into an immutable snapshot. Rules keep
// declaration order across policies; the resulting rule set is a union of
// grants, never an override.
func BuildSnapshot(revision string, policies []meshv1alpha1.AuthorizationPolicy) *Snapshot {
	s := &Snapshot{
		Revision: revision,
		rules:    map[string][]scopedRule{},
	}
	order := 0
	for _, p := range policies {
		for _, r := range p.Spec.Rules {
			s.rules[p.Spec.TargetService] = append(s.rules[p.Spec.TargetService], scopedRule{
				rule:   r,
				policy: p.Name,
				order:  order,
			})
			order++
		}
	}
	s.count = order
	return s
}

// RuleCount returns the number of rules in the snapshot.
func (s *Snapshot) RuleCount() int {
	return s.count
}

// rulesFor returns the rules scoped to the target service.
func (s *Snapshot) rulesFor(target string) []scopedRule {
	return s.rules[target]
}

// Holder publishes the active snapshot. Swap is atomic; readers never block
// writers and vice versa.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder returns a Holder primed with an empty snapshot, which denies
// everything until the first policy set is published.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(BuildSnapshot("", nil))
	return h
}

// Load returns the active snapshot.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Publish atomically replaces the active snapshot.
func (h *Holder) Publish(s *Snapshot) {
	h.current.Store(s)
}

// matchPattern reports whether the value matches the pattern, and how
// specifically. Patterns are exact strings, the "*" wildcard, or a prefix
// ending in "/*".
func matchPattern(pattern, value string) (matched bool, exact bool) {
	switch {
	case pattern == value:
		return true, true
	case pattern == meshv1alpha1.MatchAny:
		return true, false
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*")), false
	default:
		return false, false
	}
}
