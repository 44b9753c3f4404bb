package inference

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/pattern"
)

// legacyPrefix is accepted on rule ids for compatibility with clients that
// address rules as "rule_<id>".
const legacyPrefix = "rule_"

// Catalog is an ordered, immutable set of validated rules.
type Catalog struct {
	rules []*Rule
	byID  map[string]*Rule
}

// NewCatalog validates rules and registers them in order. Any malformed
// rule fails the whole catalog with an *apperror.ValidationError; a
// catalog is never built from a partial rule set.
//
// Rules that leave Dedup empty get the derived exact-edge and endpoint check. The
// caller's Rule values are not modified.
func NewCatalog(rules ...*Rule) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Rule, len(rules))}
	for i, r := range rules {
		if r == nil {
			return nil, apperror.NewValidationError("rule", fmt.Sprintf("#%d", i), "", "nil rule")
		}
		if r.ID == "" {
			return nil, apperror.NewValidationError("rule", fmt.Sprintf("#%d", i), "id", "empty id")
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, apperror.NewValidationError("rule", r.ID, "id", "duplicate id")
		}
		checked, err := validateRule(r)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, checked)
		c.byID[r.ID] = checked
	}
	return c, nil
}

// Without returns a catalog minus the given ids. An id that is not in the
// catalog is a ValidationError, so a typo in configuration fails startup
// instead of silently running the rule.
func (c *Catalog) Without(ids ...string) (*Catalog, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		r, err := c.Get(id)
		if err != nil {
			return nil, apperror.NewValidationError("rule", id, "disabled", "unknown rule id")
		}
		drop[r.ID] = true
	}

	out := &Catalog{byID: make(map[string]*Rule, len(c.rules))}
	for _, r := range c.rules {
		if drop[r.ID] {
			continue
		}
		out.rules = append(out.rules, r)
		out.byID[r.ID] = r
	}
	return out, nil
}

// List returns the rules in registration order.
func (c *Catalog) List() []*Rule {
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len returns the number of rules.
func (c *Catalog) Len() int {
	return len(c.rules)
}

// Get returns the rule with id, with or without the "rule_" prefix.
func (c *Catalog) Get(id string) (*Rule, error) {
	if r, ok := c.byID[id]; ok {
		return r, nil
	}
	if r, ok := c.byID[strings.TrimPrefix(id, legacyPrefix)]; ok {
		return r, nil
	}
	return nil, apperror.NewNotFound("rule", id)
}

func validateRule(r *Rule) (*Rule, error) {
	invalid := func(field, format string, args ...any) error {
		return apperror.NewValidationError("rule", r.ID, field, fmt.Sprintf(format, args...))
	}

	if r.Name == "" {
		return nil, invalid("name", "empty name")
	}
	if len(r.Match) == 0 {
		return nil, invalid("match", "no match steps")
	}
	if r.Limit < 0 {
		return nil, invalid("limit", "negative limit %d", r.Limit)
	}

	scope := pattern.NewScope()
	if err := scope.Validate(r.Match); err != nil {
		return nil, invalid("match", "%v", err)
	}
	for i, f := range r.Filters {
		if len(f.Steps) == 0 {
			return nil, invalid(fmt.Sprintf("filters[%d]", i), "no steps")
		}
		if err := scope.Validate(f.Steps); err != nil {
			return nil, invalid(fmt.Sprintf("filters[%d]", i), "%v", err)
		}
	}
	if err := checkColumns(scope.Clone(), r.Preview); err != nil {
		return nil, invalid("preview", "%v", err)
	}

	if len(r.Action.Nodes) == 0 && len(r.Action.Edges) == 0 {
		return nil, invalid("action", "action creates nothing")
	}
	actionScope := scope.Clone()
	for i, n := range r.Action.Nodes {
		if len(n.Labels) == 0 {
			return nil, invalid(fmt.Sprintf("action.nodes[%d]", i), "no labels")
		}
		if n.Var == "" || actionScope[n.Var] {
			return nil, invalid(fmt.Sprintf("action.nodes[%d]", i), "variable %q is empty or already bound", n.Var)
		}
		actionScope[n.Var] = true
	}
	for i, e := range r.Action.Edges {
		field := fmt.Sprintf("action.edges[%d]", i)
		if e.Type == "" {
			return nil, invalid(field, "empty edge type")
		}
		if !actionScope[e.From] {
			return nil, invalid(field, "unknown source variable %q", e.From)
		}
		if !actionScope[e.To] {
			return nil, invalid(field, "unknown target variable %q", e.To)
		}
	}
	if err := checkColumns(actionScope, r.Output); err != nil {
		return nil, invalid("output", "%v", err)
	}

	checked := *r
	if len(r.Dedup) == 0 {
		if r.Action.CreatesNodes() {
			return nil, invalid("dedup", "rule creates nodes and must declare an explicit dedup check")
		}
		checked.Dedup = derivedDedup(r.Action)
		if checked.DedupDescription == "" {
			checked.DedupDescription = "Skip candidates whose target edge already exists or is already a candidate"
		}
	}
	if err := scope.Validate(checked.Dedup); err != nil {
		return nil, invalid("dedup", "%v", err)
	}

	return &checked, nil
}

func checkColumns(scope pattern.Scope, cols []Column) error {
	for _, c := range cols {
		if c.Name == "" {
			return fmt.Errorf("column with empty name")
		}
		if !scope[c.Ref.Var] {
			return fmt.Errorf("column %s: unknown variable %q", c.Name, c.Ref.Var)
		}
	}
	return nil
}

// derivedDedup builds the default duplicate check for an edge-only action:
// drop the candidate when an edge it would create already exists, then keep
// one candidate per set of endpoints. Bindings that differ only in
// variables the action does not use, such as a shared process area, would
// otherwise create the same edge twice in one run.
func derivedDedup(a Action) []pattern.Step {
	steps := make([]pattern.Step, 0, len(a.Edges)+1)
	var endpoints pattern.Distinct
	seen := make(map[string]bool, 2*len(a.Edges))
	for _, e := range a.Edges {
		steps = append(steps, pattern.NotExists{From: e.From, Type: e.Type, To: e.To})
		for _, v := range []string{e.From, e.To} {
			if !seen[v] {
				seen[v] = true
				endpoints = append(endpoints, v)
			}
		}
	}
	return append(steps, endpoints)
}

// inferenceKey identifies the logical target of a candidate: the rule and
// the graph elements bound by its condition. It is stored on every created
// fact so a retraction or audit can tie facts back to their candidate.
func inferenceKey(ruleID string, b pattern.Binding) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ruleID))
	for _, id := range b.IDs() {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
