// Package conditions provides typed helpers for getting, setting, and querying
// metav1.Condition slices on mesh-operator status objects, including
// convenience constructors for True/False/Unknown conditions.
package conditions
