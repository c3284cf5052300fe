package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace is the Prometheus metrics namespace for mesh-operator
	Namespace = "mesh_operator"
)

// Registry is the operator-wide metrics registry, served by the controller
// and gateway commands.
var Registry = prometheus.NewRegistry()

var (
	// ReconcileTotal counts the total number of per-unit reconcile actions
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_total",
			Help:      "Total number of per-unit reconcile actions by result",
		},
		[]string{"action", "result"},
	)

	// ReconcileDuration measures the duration of full reconcile passes in seconds
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of full reconcile passes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ReconcileErrors counts the total number of per-unit apply failures
	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconcile_errors_total",
			Help:      "Total number of per-unit apply failures by error type",
		},
		[]string{"error_type"},
	)

	// UnitsManaged tracks the number of observed units per kind
	UnitsManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "units_managed",
			Help:      "Number of observed units currently managed per kind",
		},
		[]string{"kind"},
	)

	// DriftDetected counts out-of-band changes detected per drift policy
	DriftDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "drift_detected_total",
			Help:      "Total number of detected out-of-band changes by handling policy",
		},
		[]string{"policy"},
	)

	// AdmissionDecisions counts admission verdicts
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "admission_decisions_total",
			Help:      "Total number of admission verdicts by decision",
		},
		[]string{"decision"},
	)

	// AdmissionDuration measures the duration of admission evaluations in seconds
	AdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "admission_duration_seconds",
			Help:      "Duration of admission evaluations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AuthorizeDecisions counts authorization verdicts
	AuthorizeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "authorize_decisions_total",
			Help:      "Total number of authorization verdicts by decision",
		},
		[]string{"decision"},
	)

	// ActivePolicyRules tracks the rule count of the active policy snapshot
	ActivePolicyRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_policy_rules",
			Help:      "Number of authorization rules in the active snapshot",
		},
	)

	// SecretSyncTotal counts secret sync attempts per outcome
	SecretSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "secret_sync_total",
			Help:      "Total number of secret sync attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RouteDecisions counts gateway routing outcomes
	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "route_decisions_total",
			Help:      "Total number of gateway routing outcomes",
		},
		[]string{"outcome"},
	)

	// Degraded reports whether a backing source is currently unavailable
	Degraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "degraded",
			Help:      "1 when the named backing source is unavailable and stale state is served",
		},
		[]string{"source"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		ReconcileTotal,
		ReconcileDuration,
		ReconcileErrors,
		UnitsManaged,
		DriftDetected,
		AdmissionDecisions,
		AdmissionDuration,
		AuthorizeDecisions,
		ActivePolicyRules,
		SecretSyncTotal,
		RouteDecisions,
		Degraded,
	)
}

// Reconcile action constants for labeling per-unit actions
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionNone   = "none"
)

// Result constants for labeling outcomes
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultRetry   = "retry"
)

// ErrorType constants for categorizing apply failures
const (
	ErrorTypeValidation  = "validation"
	ErrorTypeConflict    = "conflict"
	ErrorTypeConvergence = "convergence"
	ErrorTypeInternal    = "internal"
)

// Decision constants for admission and authorization verdicts
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionError   = "error"

	// DecisionIdentityInvalid marks authorization denials caused by identity
	// verification failure, reported distinctly from policy denials.
	DecisionIdentityInvalid = "identity_invalid"
)

// Secret sync outcome constants
const (
	SyncOutcomeSynced    = "synced"
	SyncOutcomeUnchanged = "unchanged"
	SyncOutcomeFailed    = "failed"
)

// Route outcome constants
const (
	RouteOutcomeForwarded = "forwarded"
	RouteOutcomeRedirect  = "tls_redirect"
	RouteOutcomeNotFound  = "not_found"
	RouteOutcomeCertError = "cert_error"
)
