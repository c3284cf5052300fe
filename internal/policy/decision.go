// Package policy evaluates authorization policies for inbound connections
// between workloads. The engine is a synchronous, request-scoped, side-effect
// free evaluator: default-deny, specificity precedence, additive grants.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/pkg/identity"
	"github.com/telekom/mesh-operator/pkg/metrics"
	"github.com/telekom/mesh-operator/pkg/tracing"
)

// DefaultTimeout bounds a single evaluation on the request path.
const DefaultTimeout = 500 * time.Millisecond

// Outcome classifies an authorization decision.
type Outcome string

const (
	// OutcomeAllowed permits the call.
	OutcomeAllowed Outcome = "Allowed"
	// OutcomeDenied rejects the call by policy (no matching grant).
	OutcomeDenied Outcome = "Denied"
	// OutcomeIdentityInvalid rejects the call before policy evaluation
	// because the caller identity is expired or unverifiable.
	OutcomeIdentityInvalid Outcome = "IdentityInvalid"
)

// Decision is the result of one authorization evaluation.
type Decision struct {
	Outcome Outcome

	// Reason is a specific, actionable explanation of the decision.
	Reason string

	// Policy names the policy whose rule granted access, for allowed calls.
	Policy string
}

// Allowed reports whether the call may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// Engine is the policy decision engine. Evaluations read one immutable
// snapshot and mutate nothing.
type Engine struct {
	snapshots *Holder
	verifier  *identity.Verifier
	timeout   time.Duration
	log       logr.Logger
	tracer    trace.Tracer
}

// NewEngine returns an Engine reading snapshots from the given holder.
func NewEngine(snapshots *Holder, verifier *identity.Verifier, log logr.Logger, tracer trace.Tracer) *Engine {
	return &Engine{
		snapshots: snapshots,
		verifier:  verifier,
		timeout:   DefaultTimeout,
		log:       log,
		tracer:    tracer,
	}
}

// WithTimeout overrides the evaluation timeout.
func (e *Engine) WithTimeout(d time.Duration) *Engine {
	e.timeout = d
	return e
}

// Authorize evaluates one inbound call from the source identity to the target
// service. Identity failure is reported distinctly from policy denial and is
// checked as a precondition, independent of rule evaluation.
func (e *Engine) Authorize(ctx context.Context, src *identity.Identity, target, path string, port int) Decision {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "policy.Authorize")
	defer span.End()
	span.SetAttributes(
		tracing.AttrTarget.String(target),
		tracing.AttrPath.String(path),
		tracing.AttrPort.Int(port),
	)

	decision := e.evaluate(ctx, src, target, path, port)

	span.SetAttributes(
		tracing.AttrDecision.String(string(decision.Outcome)),
		tracing.AttrReason.String(decision.Reason),
	)
	event := ""
	switch decision.Outcome {
	case OutcomeAllowed:
		metrics.AuthorizeDecisions.WithLabelValues(metrics.DecisionAllowed).Inc()
	case OutcomeIdentityInvalid:
		metrics.AuthorizeDecisions.WithLabelValues(metrics.DecisionIdentityInvalid).Inc()
		event = meshv1alpha1.EventReasonIdentityInvalid
	default:
		metrics.AuthorizeDecisions.WithLabelValues(metrics.DecisionDenied).Inc()
		event = meshv1alpha1.EventReasonAuthorizationDeny
	}
	if event != "" {
		e.log.V(1).Info("authorization denied",
			"event", event,
			"target", target,
			"path", path,
			"port", port,
			"reason", decision.Reason,
		)
	} else {
		e.log.V(1).Info("authorization decision",
			"target", target,
			"path", path,
			"port", port,
			"outcome", decision.Outcome,
			"policy", decision.Policy,
		)
	}
	return decision
}

func (e *Engine) evaluate(ctx context.Context, src *identity.Identity, target, path string, port int) Decision {
	// Identity precheck runs before any rule is considered.
	if err := e.verifier.Verify(src); err != nil {
		return Decision{Outcome: OutcomeIdentityInvalid, Reason: err.Error()}
	}
	principal := src.Subject()

	snapshot := e.snapshots.Load()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		tracing.AttrPrincipal.String(principal),
		tracing.AttrRuleCount.Int(snapshot.RuleCount()),
	)

	best := -1
	bestScore := -1
	rules := snapshot.rulesFor(target)
	for i, sr := range rules {
		// The evaluator sits on a critical path; exceeding the deadline is
		// treated as Deny (fail-closed).
		if ctx.Err() != nil {
			return Decision{Outcome: OutcomeDenied, Reason: "policy evaluation timed out"}
		}
		score, ok := scoreRule(&sr.rule, principal, path, port)
		if !ok {
			continue
		}
		// Ties break by declaration order, first wins.
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best < 0 {
		return Decision{
			Outcome: OutcomeDenied,
			Reason:  fmt.Sprintf("no rule grants %s access to %s (default-deny)", principal, target),
		}
	}
	return Decision{
		Outcome: OutcomeAllowed,
		Policy:  rules[best].policy,
		Reason:  fmt.Sprintf("granted by policy %s", rules[best].policy),
	}
}

// scoreRule reports whether the rule matches and its specificity. Each
// dimension scores exact=2, wildcard=1, absent=0; the sum orders candidates.
func scoreRule(r *meshv1alpha1.AuthorizationRule, principal, path string, port int) (int, bool) {
	principalScore, ok := scorePatterns(r.Principals, principal)
	if !ok {
		return 0, false
	}

	pathScore := 0
	if len(r.Paths) > 0 {
		pathScore, ok = scorePatterns(r.Paths, path)
		if !ok {
			return 0, false
		}
	}

	portScore := 0
	if len(r.Ports) > 0 {
		found := false
		for _, p := range r.Ports {
			if p == port {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
		portScore = 2
	}

	return principalScore + pathScore + portScore, true
}

// scorePatterns returns the best match score among the patterns: exact=2,
// wildcard=1. Empty pattern lists never reach here for optional dimensions.
func scorePatterns(patterns []string, value string) (int, bool) {
	best := -1
	for _, p := range patterns {
		matched, exact := matchPattern(p, value)
		if !matched {
			continue
		}
		score := 1
		if exact {
			score = 2
		}
		if score > best {
			best = score
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
