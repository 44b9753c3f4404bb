package validation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/orneryd/upwreason/pkg/convert"
	"github.com/orneryd/upwreason/pkg/pattern"
)

// RequiredProperty requires every Label node to carry each of Properties.
type RequiredProperty struct {
	Label      string
	Properties []string
}

func (d RequiredProperty) Kind() Kind { return KindRequiredProperty }

func (d RequiredProperty) validate() error {
	if d.Label == "" || len(d.Properties) == 0 {
		return errors.New("label and properties are required")
	}
	return nil
}

func (d RequiredProperty) violations(ctx context.Context, env *env) ([]Violation, error) {
	nodes, err := env.store.GetNodesByLabel(d.Label)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var missing []string
		for _, p := range d.Properties {
			if v, ok := n.Properties[p]; !ok || v == nil || v == "" {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			out = append(out, Violation{
				SubjectID:   subjectID(n),
				Description: "Missing required properties: " + strings.Join(missing, ", "),
				Details:     map[string]any{"missing": missing},
			})
		}
	}
	return out, nil
}

// Bound returns a pointer to v, for ValueRange limits.
func Bound(v float64) *float64 { return &v }

// ValueRange checks a numeric property of the nodes Target binds to Var.
// Bindings without a numeric value are skipped; RequiredProperty covers
// absence.
type ValueRange struct {
	Target   []pattern.Step
	Var      string
	Property string
	Min, Max *float64
	Unit     string
	Subject  string
	Details  []Detail
}

func (d ValueRange) Kind() Kind { return KindValueRange }

func (d ValueRange) validate() error {
	if d.Min == nil && d.Max == nil {
		return errors.New("min or max is required")
	}
	if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
		return fmt.Errorf("min %v is above max %v", *d.Min, *d.Max)
	}
	if d.Property == "" {
		return errors.New("property is required")
	}
	scope := pattern.NewScope()
	if err := scope.Validate(d.Target); err != nil {
		return err
	}
	if !scope[d.Var] {
		return fmt.Errorf("variable %q is not bound by the target", d.Var)
	}
	return checkScope(scope, d.subject(), d.Details)
}

func (d ValueRange) subject() string {
	if d.Subject == "" {
		return d.Var
	}
	return d.Subject
}

func (d ValueRange) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.Target)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, b := range bindings {
		raw, _ := b.Lookup(pattern.Ref{Var: d.Var, Property: d.Property})
		v, ok := convert.ToFloat64(raw)
		if !ok {
			continue
		}
		var issue string
		switch {
		case d.Min != nil && v < *d.Min:
			issue = fmt.Sprintf("%s %v%s below minimum %v%s", d.Property, v, d.Unit, *d.Min, d.Unit)
		case d.Max != nil && v > *d.Max:
			issue = fmt.Sprintf("%s %v%s above maximum %v%s", d.Property, v, d.Unit, *d.Max, d.Unit)
		default:
			continue
		}
		det := details(d.Details, b)
		if det == nil {
			det = map[string]any{}
		}
		det[d.Property] = raw
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node(d.subject())),
			Description: issue,
			Details:     det,
		})
	}
	return out, nil
}

// Cardinality bounds the number of Type neighbors of each Label node.
// A zero Max is unbounded.
type Cardinality struct {
	Label         string
	Type          string
	Direction     pattern.Direction
	NeighborLabel string
	Min, Max      int
}

func (d Cardinality) Kind() Kind { return KindCardinality }

func (d Cardinality) steps() []pattern.Step {
	return []pattern.Step{
		pattern.Scan{Var: "x", Label: d.Label},
		pattern.Aggregate{
			Var:           "x",
			Type:          d.Type,
			Direction:     d.Direction,
			NeighborLabel: d.NeighborLabel,
			As:            "y",
			Func:          pattern.Count,
			Into:          "n",
		},
	}
}

func (d Cardinality) validate() error {
	if d.Type == "" {
		return errors.New("type is required")
	}
	if d.Min < 0 || d.Max < 0 || (d.Max > 0 && d.Min > d.Max) {
		return fmt.Errorf("bad bounds %d..%d", d.Min, d.Max)
	}
	if d.Min == 0 && d.Max == 0 {
		return errors.New("min or max is required")
	}
	return pattern.Validate(d.steps())
}

func (d Cardinality) violations(ctx context.Context, env *env) ([]Violation, error) {
	bindings, err := env.matcher.Match(ctx, d.steps())
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, b := range bindings {
		f, _ := convert.ToFloat64(b.Values["n"])
		n := int(f)
		var issue string
		switch {
		case n < d.Min:
			issue = fmt.Sprintf("Has %d %s relationships, expected at least %d", n, d.Type, d.Min)
		case d.Max > 0 && n > d.Max:
			issue = fmt.Sprintf("Has %d %s relationships, expected at most %d", n, d.Type, d.Max)
		default:
			continue
		}
		out = append(out, Violation{
			SubjectID:   subjectID(b.Node("x")),
			Description: issue,
			Details:     map[string]any{"count": n},
		})
	}
	return out, nil
}

// Uniqueness forbids two Label nodes from sharing a value of Property.
// One violation is reported per duplicated value.
type Uniqueness struct {
	Label    string
	Property string
}

func (d Uniqueness) Kind() Kind { return KindUniqueness }

func (d Uniqueness) validate() error {
	if d.Label == "" || d.Property == "" {
		return errors.New("label and property are required")
	}
	return nil
}

func (d Uniqueness) violations(ctx context.Context, env *env) ([]Violation, error) {
	nodes, err := env.store.GetNodesByLabel(d.Label)
	if err != nil {
		return nil, err
	}
	var order []string
	holders := make(map[string][]string)
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := n.Properties[d.Property]
		if v == nil {
			continue
		}
		key := convert.ToString(v)
		if _, seen := holders[key]; !seen {
			order = append(order, key)
		}
		holders[key] = append(holders[key], string(n.ID))
	}

	var out []Violation
	for _, key := range order {
		ids := holders[key]
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		out = append(out, Violation{
			SubjectID:   key,
			Description: fmt.Sprintf("Duplicate %s '%s' on %d nodes", d.Property, key, len(ids)),
			Details:     map[string]any{"nodeIds": ids},
		})
	}
	return out, nil
}

// Pattern requires a string property of Label nodes to match Regex.
// Nodes without the property are skipped.
type Pattern struct {
	Label    string
	Property string
	Regex    string

	re *regexp.Regexp
}

func (d *Pattern) Kind() Kind { return KindPattern }

func (d *Pattern) validate() error {
	if d.Label == "" || d.Property == "" || d.Regex == "" {
		return errors.New("label, property and regex are required")
	}
	re, err := regexp.Compile(d.Regex)
	if err != nil {
		return fmt.Errorf("bad regular expression: %w", err)
	}
	d.re = re
	return nil
}

func (d *Pattern) violations(ctx context.Context, env *env) ([]Violation, error) {
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
			continue
		}
		s := convert.ToString(v)
		if d.re.MatchString(s) {
			continue
		}
		out = append(out, Violation{
			SubjectID:   subjectID(n),
			Description: fmt.Sprintf("%s '%s' does not match %s", d.Property, s, d.Regex),
			Details:     map[string]any{d.Property: v, "pattern": d.Regex},
		})
	}
	return out, nil
}
