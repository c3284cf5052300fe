// Package metrics defines and registers Prometheus metrics for the
// mesh-operator, covering reconciliation counts/durations, admission and
// authorization decisions, secret sync outcomes, and gateway routing.
package metrics
