package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/upwreason/pkg/convert"
	"github.com/orneryd/upwreason/pkg/pattern"
)

// =============================================================================
// DisjointClasses
// =============================================================================

// DisjointClasses forbids a node from carrying both labels.
type DisjointClasses struct {
	A, B string
}

func (d DisjointClasses) Kind() Kind { return KindDisjointClasses }

func (d DisjointClasses) validate() error {
	if d.A == "" || d.B == "" {
		return errors.New("both labels are required")
	}
	if d.A == d.B {
		return errors.New("a label cannot be disjoint with itself")
	}
	return nil
}

func (d DisjointClasses) violations(ctx context.Context, env *env) ([]Violation, error) {
	nodes, err := env.store.GetNodesByLabel(d.A)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.HasLabel(d.B) {
			out = append(out, Violation{
				SubjectID:   subjectID(n),
				Description: fmt.Sprintf("Node is both %s and %s", d.A, d.B),
				Details:     map[string]any{"labels": n.Labels},
			})
		}
	}
	return out, nil
}

// =============================================================================
// PropertyDomain
// =============================================================================

// PropertyDomain allows Property only on nodes labelled Domain.
type PropertyDomain struct {
	Property string
	Domain   string
}

func (d PropertyDomain) Kind() Kind { return KindPropertyDomain }

func (d PropertyDomain) validate() error {
	if d.Property == "" || d.Domain == "" {
		return errors.New("property and domain are required")
	}
	return nil
}

func (d PropertyDomain) violations(ctx context.Context, env *env) ([]Violation, error) {
	nodes, err := env.store.AllNodes()
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.Properties[d.Property] == nil || n.HasLabel(d.Domain) {
			continue
		}
		out = append(out, Violation{
			SubjectID:   subjectID(n),
			Description: fmt.Sprintf("%s set on a node that is not %s", d.Property, d.Domain),
			Details:     map[string]any{"labels": n.Labels, d.Property: n.Properties[d.Property]},
		})
	}
	return out, nil
}

// =============================================================================
// InverseProperty
// =============================================================================

// InverseProperty requires every (a)-[Type]->(b) between FromLabel and
// ToLabel nodes to be matched by (b)-[Inverse]->(a), and the other way
// round.
type InverseProperty struct {
	Type      string
	Inverse   string
	FromLabel string
	ToLabel   string
}

func (d InverseProperty) Kind() Kind { return KindInverseProperty }

func (d InverseProperty) probes() [2][]pattern.Step {
	return [2][]pattern.Step{
		{
			pattern.Scan{Var: "a", Label: d.FromLabel},
			pattern.Traverse{From: "a", Type: d.Type, To: "b", ToLabel: d.ToLabel},
			pattern.NotExists{From: "b", Type: d.Inverse, To: "a"},
		},
		{
			pattern.Scan{Var: "b", Label: d.ToLabel},
			pattern.Traverse{From: "b", Type: d.Inverse, To: "a", ToLabel: d.FromLabel},
			pattern.NotExists{From: "a", Type: d.Type, To: "b"},
		},
	}
}

func (d InverseProperty) validate() error {
	if d.Type == "" || d.Inverse == "" {
		return errors.New("type and inverse are required")
	}
	for _, steps := range d.probes() {
		if err := pattern.Validate(steps); err != nil {
			return err
		}
	}
	return nil
}

func (d InverseProperty) violations(ctx context.Context, env *env) ([]Violation, error) {
	var out []Violation
	missing := [2]string{d.Inverse, d.Type}
	subject := [2]string{"a", "b"}
	for i, steps := range d.probes() {
		bindings, err := env.matcher.Match(ctx, steps)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings {
			out = append(out, Violation{
				SubjectID:   subjectID(b.Node(subject[i])),
				Description: fmt.Sprintf("Missing %s inverse relationship", missing[i]),
				Details: map[string]any{
					"from":    subjectID(b.Node("a")),
					"to":      subjectID(b.Node("b")),
					"missing": missing[i],
				},
			})
		}
	}
	return out, nil
}

// =============================================================================
// TransitiveProperty
// =============================================================================

// TransitiveProperty reports every a-[Type]->b-[Type]->c between Label
// nodes that lacks the implied a-[Type]->c. Violations are suggestions:
// the feed_closure rule materializes exactly these edges.
type TransitiveProperty struct {
	Type  string
	Label string
}

func (d TransitiveProperty) Kind() Kind { return KindTransitiveProperty }

func (d TransitiveProperty) steps() []pattern.Step {
	return []pattern.Step{
		pattern.Scan{Var: "a", Label: d.Label},
		pattern.Traverse{From: "a", Type: d.Type, To: "b", ToLabel: d.Label},
		pattern.Traverse{From: "b", Type: d.Type, To: "c", ToLabel: d.Label},
		pattern.Different{A: "a", B: "c"},
		pattern.NotExists{From: "a", Type: d.Type, To: "c"},
	}
}

func (d TransitiveProperty) validate() error {
	if d.Type == "" {
		return errors.New("type is required")
	}
	return pattern.Validate(d.steps())
}

func (d TransitiveProperty) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.steps())
	if err != nil {
		return nil, err
	}
	out := make([]Violation, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node("a")),
			Description: fmt.Sprintf("Missing transitive %s relationship", d.Type),
			Details: map[string]any{
				"from": subjectID(b.Node("a")),
				"via":  subjectID(b.Node("b")),
				"to":   subjectID(b.Node("c")),
			},
		})
	}
	return out, nil
}

// =============================================================================
// FunctionalProperty
// =============================================================================

// FunctionalProperty allows at most one value of Property on Label nodes.
// A list with more than one element counts as several values. With
// RequireValue an absent property is a violation too.
type FunctionalProperty struct {
	Label        string
	Property     string
	RequireValue bool
}

func (d FunctionalProperty) Kind() Kind { return KindFunctionalProperty }

func (d FunctionalProperty) validate() error {
	if d.Label == "" || d.Property == "" {
		return errors.New("label and property are required")
	}
	return nil
}

func (d FunctionalProperty) violations(ctx context.Context, env *env) ([]Violation, error) {
	nodes, err := env.store.GetNodesByLabel(d.Label)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := n.Properties[d.Property]
		if v == nil {
			if d.RequireValue {
				out = append(out, Violation{
					SubjectID:   subjectID(n),
					Description: fmt.Sprintf("Missing %s property", d.Property),
				})
			}
			continue
		}
		if list, ok := convert.ToSlice(v); ok && len(list) > 1 {
			out = append(out, Violation{
				SubjectID:   subjectID(n),
				Description: fmt.Sprintf("%s has %d values", d.Property, len(list)),
				Details:     map[string]any{d.Property: v},
			})
		}
	}
	return out, nil
}

// =============================================================================
// RequiredNeighbors
// =============================================================================

// Requirement is one kind of neighbor a node must have. Conditions with an
// empty Var apply to the neighbor.
type Requirement struct {
	Name          string
	Type          string
	Direction     pattern.Direction
	NeighborLabel string
	Where         []pattern.Cond
}

// RequiredNeighbors requires every Label node that satisfies Where to have
// at least one neighbor for each Requirement. Conditions with an empty Var
// apply to the subject node.
type RequiredNeighbors struct {
	Label        string
	Where        []pattern.Cond
	Requirements []Requirement
}

func (d RequiredNeighbors) Kind() Kind { return KindRequiredNeighbors }

func (d RequiredNeighbors) steps() []pattern.Step {
	steps := []pattern.Step{pattern.Scan{Var: "x", Label: d.Label}}
	if len(d.Where) > 0 {
		steps = append(steps, pattern.Where(bindConds(d.Where, "x")))
	}
	for i, req := range d.Requirements {
		steps = append(steps, pattern.Aggregate{
			Var:           "x",
			Type:          req.Type,
			Direction:     req.Direction,
			NeighborLabel: req.NeighborLabel,
			As:            "n",
			Where:         bindConds(req.Where, "n"),
			Func:          pattern.Count,
			Into:          requirementVar(i),
		})
	}
	return steps
}

func requirementVar(i int) string { return fmt.Sprintf("req%d", i) }

func (d RequiredNeighbors) validate() error {
	if d.Label == "" {
		return errors.New("label is required")
	}
	if len(d.Requirements) == 0 {
		return errors.New("at least one requirement is needed")
	}
	for i, req := range d.Requirements {
		if req.Name == "" {
			return fmt.Errorf("requirement %d has no name", i)
		}
	}
	return pattern.Validate(d.steps())
}

func (d RequiredNeighbors) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.steps())
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, b := range bindings {
		var missing []string
		counts := make(map[string]any, len(d.Requirements))
		for i, req := range d.Requirements {
			n, _ := convert.ToFloat64(b.Values[requirementVar(i)])
			counts[req.Name] = int(n)
			if n == 0 {
				missing = append(missing, req.Name)
			}
		}
		if len(missing) == 0 {
			continue
		}
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node("x")),
			Description: "Missing " + strings.Join(missing, " and "),
			Details:     counts,
		})
	}
	return out, nil
}

// =============================================================================
// Acyclic
// =============================================================================

// Endpoint selects nodes by label and conditions. Conditions with an empty
// Var apply to the endpoint itself.
type Endpoint struct {
	Label string
	Where []pattern.Cond
}

// Acyclic forbids a From node and a To node from reaching each other over
// Type edges, which would put them on a cycle.
type Acyclic struct {
	Type  string
	From  Endpoint
	To    Endpoint
	Issue string
}

func (d Acyclic) Kind() Kind { return KindAcyclic }

func (d Acyclic) steps() []pattern.Step {
	steps := []pattern.Step{pattern.Scan{Var: "a", Label: d.From.Label}}
	if len(d.From.Where) > 0 {
		steps = append(steps, pattern.Where(bindConds(d.From.Where, "a")))
	}
	steps = append(steps, pattern.Scan{Var: "b", Label: d.To.Label})
	if len(d.To.Where) > 0 {
		steps = append(steps, pattern.Where(bindConds(d.To.Where, "b")))
	}
	return append(steps,
		pattern.Different{A: "a", B: "b"},
		pattern.Reachable{From: "a", To: "b", Type: d.Type},
		pattern.Reachable{From: "b", To: "a", Type: d.Type},
	)
}

func (d Acyclic) validate() error {
	if d.Type == "" {
		return errors.New("type is required")
	}
	return pattern.Validate(d.steps())
}

func (d Acyclic) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.steps())
	if err != nil {
		return nil, err
	}
	issue := d.Issue
	if issue == "" {
		issue = fmt.Sprintf("%s cycle", d.Type)
	}
	out := make([]Violation, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node("a")),
			Description: issue,
			Details: map[string]any{
				"from": subjectID(b.Node("a")),
				"to":   subjectID(b.Node("b")),
			},
		})
	}
	return out, nil
}

// =============================================================================
// PatternViolation
// =============================================================================

// PatternViolation reports every binding of Steps as a violation of the
// node bound to Subject.
type PatternViolation struct {
	Steps   []pattern.Step
	Subject string
	Issue   string
	Details []Detail
}

func (d PatternViolation) Kind() Kind { return KindPatternViolation }

func (d PatternViolation) validate() error {
	if len(d.Steps) == 0 {
		return errors.New("steps are required")
	}
	if d.Issue == "" {
		return errors.New("issue is required")
	}
	scope := pattern.NewScope()
	if err := scope.Validate(d.Steps); err != nil {
		return err
	}
	return checkScope(scope, d.Subject, d.Details)
}

func (d PatternViolation) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.Steps)
	if err != nil {
		return nil, err
	}
	out := make([]Violation, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node(d.Subject)),
			Description: d.Issue,
			Details:     details(d.Details, b),
		})
	}
	return out, nil
}

func checkScope(scope pattern.Scope, subject string, cols []Detail) error {
	if !scope[subject] {
		return fmt.Errorf("subject %q is not bound", subject)
	}
	for _, c := range cols {
		if c.Name == "" {
			return errors.New("detail with empty name")
		}
		if !scope[c.Ref.Var] {
			return fmt.Errorf("detail %s: unknown variable %q", c.Name, c.Ref.Var)
		}
	}
	return nil
}
