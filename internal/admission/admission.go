// Package admission gates desired-unit submissions before they are accepted
// into the desired-state store. Constraints are CEL predicates bound to
// templates; evaluation is a pure function of the candidate and the active
// constraint snapshot, so repeated evaluation never drifts.
package admission

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/pkg/metrics"
	"github.com/telekom/mesh-operator/pkg/tracing"
)

// DefaultTimeout bounds a single admission evaluation. The admitter sits on
// the mutation path; exceeding the deadline is treated as Deny (fail-closed).
const DefaultTimeout = 500 * time.Millisecond

// Decision is an admission verdict.
type Decision struct {
	Allowed bool

	// Constraint names the violated constraint for denials.
	Constraint string

	// Reason is a human-readable explanation referencing the violated
	// constraint, empty for allowed candidates.
	Reason string
}

// Allow is the verdict for candidates without violations.
var Allow = Decision{Allowed: true}

// Admitter evaluates candidates against the active constraint snapshot.
type Admitter struct {
	snapshots *Holder
	timeout   time.Duration
	log       logr.Logger
	tracer    trace.Tracer
}

// NewAdmitter returns an Admitter reading snapshots from the given holder.
func NewAdmitter(snapshots *Holder, log logr.Logger, tracer trace.Tracer) *Admitter {
	return &Admitter{
		snapshots: snapshots,
		timeout:   DefaultTimeout,
		log:       log,
		tracer:    tracer,
	}
}

// WithTimeout overrides the evaluation timeout.
func (a *Admitter) WithTimeout(d time.Duration) *Admitter {
	a.timeout = d
	return a
}

// Admit evaluates the candidate against every constraint whose scope matches
// its namespace and kind. The first violation denies the candidate with a
// reason naming the violated constraint; no violations allow it.
func (a *Admitter) Admit(ctx context.Context, candidate *meshv1alpha1.DesiredUnit) Decision {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "admission.Admit")
	defer span.End()
	span.SetAttributes(
		tracing.AttrUnitKind.String(candidate.Kind),
		tracing.AttrUnitName.String(candidate.Name),
		tracing.AttrNamespace.String(candidate.Namespace),
	)

	decision := a.evaluate(ctx, candidate)

	if decision.Allowed {
		metrics.AdmissionDecisions.WithLabelValues(metrics.DecisionAllowed).Inc()
	} else {
		metrics.AdmissionDecisions.WithLabelValues(metrics.DecisionDenied).Inc()
		span.SetAttributes(tracing.AttrConstraint.String(decision.Constraint))
		a.log.Info("admission denied",
			"event", meshv1alpha1.EventReasonAdmissionDeny,
			"unit", candidate.Key().String(),
			"constraint", decision.Constraint,
			"reason", decision.Reason,
		)
	}
	span.SetAttributes(tracing.AttrDecision.String(decisionLabel(decision)))
	metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	return decision
}

func (a *Admitter) evaluate(ctx context.Context, candidate *meshv1alpha1.DesiredUnit) Decision {
	snapshot := a.snapshots.Load()

	for i := range snapshot.constraints {
		c := &snapshot.constraints[i]
		if ctx.Err() != nil {
			return Decision{
				Allowed:    false,
				Constraint: c.Name,
				Reason:     fmt.Sprintf("admission evaluation timed out before constraint %q completed", c.Name),
			}
		}
		if !scopeMatches(&c.Spec.Match, candidate) {
			continue
		}
		tmpl := snapshot.templates[c.Spec.TemplateRef]
		violated, detail := evalConstraint(tmpl, c, candidate)
		if violated {
			reason := fmt.Sprintf("constraint %q violated", c.Name)
			if detail != "" {
				reason = fmt.Sprintf("constraint %q violated: %s", c.Name, detail)
			}
			return Decision{Allowed: false, Constraint: c.Name, Reason: reason}
		}
	}
	return Allow
}

// evalConstraint runs the template's predicate for one candidate. Evaluation
// errors caused by absent candidate fields are not violations unless the
// template declares absence itself a violation (fail-open per-field,
// fail-closed per-violation).
func evalConstraint(tmpl *compiledTemplate, c *meshv1alpha1.Constraint, candidate *meshv1alpha1.DesiredUnit) (bool, string) {
	object := candidate.Spec
	if object == nil {
		object = map[string]interface{}{}
	}
	params := c.Spec.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	out, _, err := tmpl.program.Eval(map[string]interface{}{
		"object": object,
		"params": params,
	})
	if err != nil {
		if tmpl.absenceViolates {
			return true, fmt.Sprintf("%s (field required by template %q is absent)", tmpl.message, tmpl.name)
		}
		return false, ""
	}

	violated, ok := out.Value().(bool)
	if !ok {
		// Guarded at compile time; an unexpected type is a violation rather
		// than a silent allow.
		return true, fmt.Sprintf("template %q returned non-boolean verdict", tmpl.name)
	}
	if violated {
		return true, tmpl.message
	}
	return false, ""
}

// scopeMatches reports whether the constraint's scope covers the candidate.
// Empty namespace/kind lists match everything.
func scopeMatches(m *meshv1alpha1.ConstraintMatch, candidate *meshv1alpha1.DesiredUnit) bool {
	if len(m.Kinds) > 0 && !slices.Contains(m.Kinds, candidate.Kind) {
		return false
	}
	if len(m.Namespaces) > 0 && !containsNamespace(m.Namespaces, candidate.Namespace) {
		return false
	}
	return true
}

func containsNamespace(namespaces []string, ns string) bool {
	for _, n := range namespaces {
		if n == ns || n == meshv1alpha1.MatchAny {
			return true
		}
		// Prefix scopes like "team-*" cover namespace families.
		if strings.HasSuffix(n, "*") && strings.HasPrefix(ns, strings.TrimSuffix(n, "*")) {
			return true
		}
	}
	return false
}

func decisionLabel(d Decision) string {
	if d.Allowed {
		return metrics.DecisionAllowed
	}
	return metrics.DecisionDenied
}
