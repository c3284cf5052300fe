package admission

import (
	"fmt"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
)

// compiledTemplate is a ConstraintTemplate compiled to a shared CEL program.
// Compilation happens once per template per snapshot; every constraint bound
// to the template reuses the program with its own params.
type compiledTemplate struct {
	name            string
	message         string
	absenceViolates bool
	program         cel.Program
}

// Snapshot is an immutable view of the active constraint set with all
// templates pre-compiled. Each admission evaluation binds to one snapshot.
type Snapshot struct {
	// Revision is the source revision the snapshot was built from.
	Revision string

	templates   map[string]*compiledTemplate
	constraints []meshv1alpha1.Constraint
}

// newEnv builds the CEL environment shared by all templates. Candidate specs
// and constraint parameters are exposed as dynamic maps.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("object", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// BuildSnapshot compiles templates and binds constraints into an immutable
// snapshot. A constraint referencing a missing template fails the build,
// which is also what rejects deleting a template still in use: the successor
// snapshot cannot be built, so the active one stays published.
func BuildSnapshot(revision string, templates []meshv1alpha1.ConstraintTemplate, constraints []meshv1alpha1.Constraint) (*Snapshot, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	s := &Snapshot{
		Revision:  revision,
		templates: make(map[string]*compiledTemplate, len(templates)),
	}

	for _, t := range templates {
		if _, exists := s.templates[t.Name]; exists {
			return nil, fmt.Errorf("duplicate constraint template %q", t.Name)
		}
		ast, issues := env.Compile(t.Spec.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compiling template %q: %w", t.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("template %q: expression must evaluate to bool, got %s", t.Name, ast.OutputType())
		}
		program, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("planning template %q: %w", t.Name, err)
		}
		s.templates[t.Name] = &compiledTemplate{
			name:            t.Name,
			message:         t.Spec.Message,
			absenceViolates: t.Spec.AbsenceViolates,
			program:         program,
		}
	}

	for _, c := range constraints {
		if _, ok := s.templates[c.Spec.TemplateRef]; !ok {
			return nil, fmt.Errorf("constraint %q references missing template %q", c.Name, c.Spec.TemplateRef)
		}
		s.constraints = append(s.constraints, c)
	}

	return s, nil
}

// ConstraintCount returns the number of bound constraints in the snapshot.
func (s *Snapshot) ConstraintCount() int {
	return len(s.constraints)
}

// Holder publishes the active constraint snapshot.
type Holder struct {
	current atomic.Pointer[Snapshot]
}

// NewHolder returns a Holder primed with an empty snapshot, which admits
// everything until the first constraint set is published.
func NewHolder() *Holder {
	h := &Holder{}
	empty, _ := BuildSnapshot("", nil, nil)
	h.current.Store(empty)
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
