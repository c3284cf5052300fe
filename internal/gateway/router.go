// Package gateway is the single network entry point for external traffic.
// It maps host+path to internal services by specificity, forces HTTP to TLS
// before any payload is forwarded, and refuses to terminate TLS with an
// expired certificate.
package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// Outcome classifies a routing decision.
type Outcome string

const (
	// OutcomeForward forwards the request to the matched target.
	OutcomeForward Outcome = "Forward"
	// OutcomeRedirect answers plain-HTTP requests with a redirect to TLS.
	OutcomeRedirect Outcome = "Redirect"
	// OutcomeNotFound rejects requests no route matches. Client-visible
	// not-found, not a server error.
	OutcomeNotFound Outcome = "NotFound"
)

// RouteDecision is the result of matching one request against the table.
type RouteDecision struct {
	Outcome Outcome

	// Target is the matched service endpoint for forwarded requests.
	Target meshv1alpha1.RouteTarget

	// Rule names the matched route rule.
	Rule string
}

// Table is an immutable, specificity-ordered route table. Each request is
// matched against exactly one table; concurrent updates publish a new one.
type Table struct {
	// Revision is the source revision the table was built from.
	Revision string

	routes []compiledRoute
}

type compiledRoute struct {
	rule  meshv1alpha1.RouteRule
	score int
	order int
}

// BuildTable compiles route rules into a table ordered by specificity, most
// specific first; declaration order breaks ties (first match wins).
func BuildTable(revision string, rules []meshv1alpha1.RouteRule) *Table {
	t := &Table{Revision: revision}
	for i, r := range rules {
		t.routes = append(t.routes, compiledRoute{
			rule:  r,
			score: routeScore(&r.Spec),
			order: i,
		})
	}
	sort.SliceStable(t.routes, func(i, j int) bool {
		if t.routes[i].score != t.routes[j].score {
			return t.routes[i].score > t.routes[j].score
		}
		return t.routes[i].order < t.routes[j].order
	})
	return t
}

// TableFromUnits builds a table from raw desired units, keeping only route
// rules. Used by the gateway process, which reads the manifest source
// directly instead of going through the reconciler.
func TableFromUnits(revision string, units []meshv1alpha1.DesiredUnit) (*Table, error) {
	var rules []meshv1alpha1.RouteRule
	for _, u := range units {
		if u.Kind != meshv1alpha1.KindRouteRule {
			continue
		}
		raw, err := json.Marshal(u.Spec)
		if err != nil {
			return nil, fmt.Errorf("encoding route rule %s: %w", u.Name, err)
		}
		var spec meshv1alpha1.RouteRuleSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("decoding route rule %s: %w", u.Name, err)
		}
		rules = append(rules, meshv1alpha1.RouteRule{Name: u.Name, Spec: spec})
	}
	return BuildTable(revision, rules), nil
}

// Route matches a request. A non-TLS scheme always redirects, regardless of
// whether a route would match; the request body is never forwarded.
func (t *Table) Route(host, path string, tls bool) RouteDecision {
	if !tls {
		return RouteDecision{Outcome: OutcomeRedirect}
	}
	for _, cr := range t.routes {
		if matchHost(cr.rule.Spec.Host, host) && matchPath(cr.rule.Spec.Path, path) {
			return RouteDecision{
				Outcome: OutcomeForward,
				Target:  cr.rule.Spec.Target,
				Rule:    cr.rule.Name,
			}
		}
	}
	return RouteDecision{Outcome: OutcomeNotFound}
}

// routeScore ranks rules for precedence. Exact host and exact path each beat
// their wildcard forms; longer path prefixes beat shorter ones.
func routeScore(spec *meshv1alpha1.RouteRuleSpec) int {
	score := 0
	if spec.Host != meshv1alpha1.MatchAny {
		score += 1000
	}
	switch {
	case spec.Path == meshv1alpha1.MatchAny:
	case strings.HasSuffix(spec.Path, "/*"):
		score += 100 + len(spec.Path)
	default:
		score += 500 + len(spec.Path)
	}
	return score
}

func matchHost(pattern, host string) bool {
	if pattern == meshv1alpha1.MatchAny {
		return true
	}
	// Strip a port from the request authority before comparing.
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.EqualFold(pattern, host)
}

func matchPath(pattern, path string) bool {
	switch {
	case pattern == meshv1alpha1.MatchAny:
		return true
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == path
	}
}

// Holder publishes the active route table.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewHolder returns a Holder primed with an empty table.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(BuildTable("", nil))
	return h
}

// Load returns the active table.
func (h *Holder) Load() *Table {
	return h.current.Load()
}

// Publish atomically replaces the active table.
func (h *Holder) Publish(t *Table) {
	h.current.Store(t)
}
