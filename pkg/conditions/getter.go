package conditions

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Getter is an interface for status objects that expose conditions. Unlike a
// Kubernetes client.Object there is no metadata requirement; any store entity
// with a condition slice qualifies.
type Getter interface {
	GetConditions() []metav1.Condition
}

// Get returns the condition with the given type, or nil if absent.
func Get(from Getter, t ConditionType) *metav1.Condition {
	for _, condition := range from.GetConditions() {
		if ConditionType(condition.Type) == t {
			return &condition
		}
	}
	return nil
}

// Has reports whether a condition with the given type is present.
func Has(from Getter, t ConditionType) bool {
	return Get(from, t) != nil
}

// IsTrue reports whether the condition with the given type has status True.
func IsTrue(from Getter, t ConditionType) bool {
	if c := Get(from, t); c != nil {
		return c.Status == metav1.ConditionTrue
	}
	return false
}

// IsFalse reports whether the condition with the given type has status False.
func IsFalse(from Getter, t ConditionType) bool {
	if c := Get(from, t); c != nil {
		return c.Status == metav1.ConditionFalse
	}
	return false
}

// IsUnknown reports whether the condition with the given type has status
// Unknown. An absent condition is Unknown.
func IsUnknown(from Getter, t ConditionType) bool {
	if c := Get(from, t); c != nil {
		return c.Status == metav1.ConditionUnknown
	}
	return true
}

// GetReason returns the reason of the condition with the given type, or "".
func GetReason(from Getter, t ConditionType) string {
	if c := Get(from, t); c != nil {
		return c.Reason
	}
	return ""
}

// GetMessage returns the message of the condition with the given type, or "".
func GetMessage(from Getter, t ConditionType) string {
	if c := Get(from, t); c != nil {
		return c.Message
	}
	return ""
}

// GetObservedGeneration returns the observed generation of the condition with
// the given type, or 0.
func GetObservedGeneration(from Getter, t ConditionType) int64 {
	if c := Get(from, t); c != nil {
		return c.ObservedGeneration
	}
	return 0
}
