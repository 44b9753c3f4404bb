// Package validation checks the plant graph against axioms and constraints.
//
// Axioms are ontology-level truths (disjoint classes, inverse and transitive
// relationships, required sensors). Constraints are data-integrity rules
// (required properties, value ranges, cardinality, uniqueness, id formats).
// Both are Checks: a named Definition that lists the violations it finds.
// Checks never write to the store.
//
// Example:
//
//	config := validation.DefaultConfig()
//	config.Concurrency = 8
//	v, err := validation.New(store, config)
//	if err != nil {
//		return err
//	}
//	res, _ := v.CheckAxiom(ctx, "AX003")
//	for _, viol := range res.Violations {
//		fmt.Println(viol.SubjectID, viol.Description)
//	}
package validation

import (
	"context"
	"time"

	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

// Severity ranks how serious a violation is.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Kind names a definition type.
type Kind string

// Axiom kinds.
const (
	KindDisjointClasses    Kind = "DisjointClasses"
	KindPropertyDomain     Kind = "PropertyDomain"
	KindInverseProperty    Kind = "InverseProperty"
	KindTransitiveProperty Kind = "TransitiveProperty"
	KindFunctionalProperty Kind = "FunctionalProperty"
	KindRequiredNeighbors  Kind = "RequiredNeighbors"
	KindAcyclic            Kind = "Acyclic"
	KindPatternViolation   Kind = "PatternViolation"
)

// Constraint kinds.
const (
	KindRequiredProperty Kind = "RequiredProperty"
	KindValueRange       Kind = "ValueRange"
	KindCardinality      Kind = "Cardinality"
	KindUniqueness       Kind = "Uniqueness"
	KindPattern          Kind = "Pattern"
)

// Check is one named axiom or constraint.
//
// Limit caps the violations kept in a result; ViolationCount always reports
// the full number. Zero keeps all.
type Check struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Limit       int
	Definition  Definition
}

// Definition is the logic of a check. The set of definitions is closed:
// every Definition is one of the kinds in this package.
type Definition interface {
	Kind() Kind
	validate() error
	violations(ctx context.Context, env *env) ([]Violation, error)
}

// env is what a definition runs against. Each check run gets its own.
type env struct {
	store   storage.Engine
	matcher *pattern.Matcher
	now     time.Time
}

// CheckInfo is the listing form of a Check.
type CheckInfo struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Info returns the listing form of c.
func (c *Check) Info() CheckInfo {
	return CheckInfo{
		ID:          c.ID,
		Kind:        c.Definition.Kind(),
		Name:        c.Name,
		Description: c.Description,
		Severity:    c.Severity,
	}
}

// Violation is one place the graph breaks a check.
type Violation struct {
	SubjectID   string         `json:"nodeId"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// CheckResult is the outcome of one check. Error is set, and Passed is
// false, when the check could not run.
type CheckResult struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Kind           Kind        `json:"type"`
	Severity       Severity    `json:"severity"`
	Passed         bool        `json:"passed"`
	ViolationCount int         `json:"violationCount"`
	Violations     []Violation `json:"violations"`
	CheckedAt      time.Time   `json:"checkedAt"`
	Error          string      `json:"error,omitempty"`
}

// AggregateResult is the outcome of running every check of one catalog.
// Results keep catalog order.
type AggregateResult struct {
	Total           int           `json:"total"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
	TotalViolations int           `json:"totalViolations"`
	Results         []CheckResult `json:"results"`
	CheckedAt       time.Time     `json:"checkedAt"`
}

// Detail names one value reported with each violation.
type Detail struct {
	Name string
	Ref  pattern.Ref
}

// D is shorthand for a Detail over var.property.
func D(name, v, property string) Detail {
	return Detail{Name: name, Ref: pattern.Ref{Var: v, Property: property}}
}

func details(cols []Detail, b pattern.Binding) map[string]any {
	if len(cols) == 0 {
		return nil
	}
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		v, _ := b.Lookup(c.Ref)
		out[c.Name] = v
	}
	return out
}

// subjectID picks the business id a plant node is known by.
func subjectID(n *storage.Node) string {
	if n == nil {
		return ""
	}
	for _, key := range []string{"equipmentId", "sensorId", "areaId", "name"} {
		if v, ok := n.Properties[key].(string); ok && v != "" {
			return v
		}
	}
	return string(n.ID)
}

// bindConds fills in Var on conditions that leave it empty.
func bindConds(conds []pattern.Cond, v string) []pattern.Cond {
	out := make([]pattern.Cond, len(conds))
	for i, c := range conds {
		if c.Var == "" {
			c.Var = v
		}
		out[i] = c
	}
	return out
}
