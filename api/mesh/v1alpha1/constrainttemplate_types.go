package v1alpha1

// ConstraintTemplateSpec defines a reusable admission rule shape. The
// expression is compiled once per template and shared by every constraint
// bound to it.
type ConstraintTemplateSpec struct {
	// Expression is a CEL predicate over the variables "object" (the
	// candidate spec) and "params" (the binding constraint's parameters).
	// Evaluating to true means the candidate violates the constraint.
	Expression string `json:"expression" yaml:"expression"`

	// Message is the human-readable violation message format. The violated
	// constraint's name is always appended to the admission denial.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// AbsenceViolates inverts the default field-absence handling. By default
	// a constraint whose target field is absent from the candidate is not
	// violated; templates that treat absence itself as a violation set this.
	AbsenceViolates bool `json:"absenceViolates,omitempty" yaml:"absenceViolates,omitempty"`
}

// ConstraintTemplate is the declarative schema for admission rule shapes.
// A template referenced by at least one constraint cannot be deleted.
type ConstraintTemplate struct {
	Name string                 `json:"name" yaml:"name"`
	Spec ConstraintTemplateSpec `json:"spec" yaml:"spec"`
}

// ConstraintMatch scopes a constraint to candidate namespaces and kinds.
// Empty lists match everything.
type ConstraintMatch struct {
	Namespaces []string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
	Kinds      []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

// ConstraintSpec binds a template to a scope and parameters.
type ConstraintSpec struct {
	// TemplateRef names the ConstraintTemplate this constraint instantiates.
	TemplateRef string `json:"templateRef" yaml:"templateRef"`

	// Match selects which candidates this constraint applies to.
	Match ConstraintMatch `json:"match,omitempty" yaml:"match,omitempty"`

	// Params are exposed to the template expression as "params".
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Constraint is the declarative schema for one admission constraint. Many
// constraints may reference a single template.
type Constraint struct {
	Name string         `json:"name" yaml:"name"`
	Spec ConstraintSpec `json:"spec" yaml:"spec"`
}
