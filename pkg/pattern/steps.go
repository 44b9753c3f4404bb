package pattern

import (
	"fmt"
	"strings"
)

// Step is one stage of a pattern. The set of steps is closed: every Step is
// one of the types in this file.
type Step interface {
	// Describe renders the step in a Cypher-like form for traces and logs.
	Describe() string

	validate(s Scope) error
	apply(r *run, in []Binding) ([]Binding, error)
}

// Scan binds Var to every node carrying Label, once per input binding.
type Scan struct {
	Var   string
	Label string
}

// Traverse follows edges of Type from the node bound to From. When To is
// already bound the step is a join and keeps only bindings where the edge
// reaches that node; otherwise it binds To to each reachable node carrying
// ToLabel (any label when empty). EdgeVar optionally binds the edge. An
// empty Type follows every edge.
type Traverse struct {
	From      string
	Type      string
	Direction Direction
	To        string
	ToLabel   string
	EdgeVar   string
}

// Where keeps bindings satisfying every condition.
type Where []Cond

// AnyOf keeps bindings satisfying at least one branch. Each branch is a
// conjunction.
type AnyOf [][]Cond

// NotExists keeps bindings with no neighbor of From reached over Type that
// carries ToLabel and satisfies Where. As names the neighbor inside Where.
// When To is set the neighbor must also be the node bound to To.
type NotExists struct {
	From      string
	Type      string
	Direction Direction
	ToLabel   string
	To        string
	As        string
	Where     []Cond
}

// AggFunc is an aggregate function.
type AggFunc string

// Supported aggregate functions.
const (
	Count AggFunc = "count"
	Avg   AggFunc = "avg"
	Sum   AggFunc = "sum"
	Min   AggFunc = "min"
	Max   AggFunc = "max"
	First AggFunc = "first"
	Last  AggFunc = "last"
)

// Aggregate folds Property over the neighbors of Var and binds the result
// to the scalar variable Into.
//
// Neighbors are reached over Type in Direction, must carry NeighborLabel
// and satisfy Where (with the neighbor bound to As). First and Last order
// neighbors by OrderBy ascending. A binding is dropped when fewer than
// MinCount neighbors qualify, or when a non-count function has no numeric
// input.
type Aggregate struct {
	Var           string
	Type          string
	Direction     Direction
	NeighborLabel string
	As            string
	Where         []Cond
	Property      string
	OrderBy       string
	Func          AggFunc
	Into          string
	MinCount      int
}

// Compare keeps bindings where Left Op Right*Factor+Offset holds. A zero
// Factor means 1. Factor and Offset apply only to numeric values.
type Compare struct {
	Left   Ref
	Op     Op
	Right  Ref
	Factor float64
	Offset float64
}

// Different keeps bindings where A and B are different nodes.
type Different struct {
	A, B string
}

// Distinct keeps the first binding for each combination of Vars.
type Distinct []string

// OrderBy sorts bindings by a bound value. Missing values sort last.
type OrderBy struct {
	Var      string
	Property string
	Desc     bool
}

// Reachable keeps bindings where To can be reached from From over Type
// edges in MinHops..MaxHops steps. MinHops defaults to 1 and MaxHops to 8.
type Reachable struct {
	From      string
	To        string
	Type      string
	Direction Direction
	MinHops   int
	MaxHops   int
}

// Describe renders a full pattern, one step per line.
func Describe(steps []Step) string {
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		lines = append(lines, s.Describe())
	}
	return strings.Join(lines, "\n")
}

func (s Scan) Describe() string {
	return fmt.Sprintf("MATCH (%s:%s)", s.Var, s.Label)
}

func (s Traverse) Describe() string {
	return "MATCH " + edgePattern(s.From, s.Type, s.Direction, s.EdgeVar, s.To, s.ToLabel)
}

func (s Where) Describe() string {
	return "WHERE " + joinConds(s)
}

func (s AnyOf) Describe() string {
	branches := make([]string, 0, len(s))
	for _, b := range s {
		branches = append(branches, "("+joinConds(b)+")")
	}
	return "WHERE " + strings.Join(branches, " OR ")
}

func (s NotExists) Describe() string {
	inner := edgePattern(s.From, s.Type, s.Direction, "", firstNonEmpty(s.To, s.As), s.ToLabel)
	if len(s.Where) > 0 {
		inner += " WHERE " + joinConds(s.Where)
	}
	return "WHERE NOT EXISTS { " + inner + " }"
}

func (s Aggregate) Describe() string {
	arg := s.As + "." + s.Property
	if s.Func == Count {
		arg = s.As
	}
	out := "MATCH " + edgePattern(s.Var, s.Type, s.Direction, "", s.As, s.NeighborLabel)
	if len(s.Where) > 0 {
		out += " WHERE " + joinConds(s.Where)
	}
	out += fmt.Sprintf(" WITH %s(%s) AS %s", s.Func, arg, s.Into)
	if s.OrderBy != "" && (s.Func == First || s.Func == Last) {
		out += fmt.Sprintf(" ORDER BY %s.%s", s.As, s.OrderBy)
	}
	if s.MinCount > 0 {
		out += fmt.Sprintf(" HAVING count(%s) >= %d", s.As, s.MinCount)
	}
	return out
}

func (s Compare) Describe() string {
	right := s.Right.String()
	if s.Factor != 0 && s.Factor != 1 {
		right = fmt.Sprintf("%s * %g", right, s.Factor)
	}
	if s.Offset != 0 {
		right = fmt.Sprintf("%s + %g", right, s.Offset)
	}
	return fmt.Sprintf("WHERE %s %s %s", s.Left, s.Op, right)
}

func (s Different) Describe() string {
	return fmt.Sprintf("WHERE %s <> %s", s.A, s.B)
}

func (s Distinct) Describe() string {
	return "WITH DISTINCT " + strings.Join(s, ", ")
}

func (s OrderBy) Describe() string {
	out := "ORDER BY " + Ref{Var: s.Var, Property: s.Property}.String()
	if s.Desc {
		out += " DESC"
	}
	return out
}

func (s Reachable) Describe() string {
	lo, hi := s.hops()
	return fmt.Sprintf("MATCH (%s)%s[:%s*%d..%d]%s(%s)",
		s.From, leftArrow(s.Direction), s.Type, lo, hi, rightArrow(s.Direction), s.To)
}

func (s Reachable) hops() (int, int) {
	lo, hi := s.MinHops, s.MaxHops
	if lo <= 0 {
		lo = 1
	}
	if hi <= 0 {
		hi = 8
	}
	return lo, hi
}

func edgePattern(from, typ string, dir Direction, edgeVar, to, toLabel string) string {
	rel := edgeVar
	if typ != "" {
		rel += ":" + typ
	}
	target := to
	if toLabel != "" {
		target += ":" + toLabel
	}
	return fmt.Sprintf("(%s)%s[%s]%s(%s)", from, leftArrow(dir), rel, rightArrow(dir), target)
}

func leftArrow(d Direction) string {
	if d == Incoming {
		return "<-"
	}
	return "-"
}

func rightArrow(d Direction) string {
	if d == Outgoing {
		return "->"
	}
	return "-"
}

func joinConds(conds []Cond) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, " AND ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Inputs lists the values a pattern's predicates read: the left side of
// every Where and AnyOf condition, both sides of Compare and the result of
// Aggregate. Conditions scoped to a NotExists or Aggregate neighbor are not
// included. Duplicates are dropped; order follows the steps.
func Inputs(steps []Step) []Ref {
	var refs []Ref
	seen := make(map[Ref]bool)
	add := func(r Ref) {
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	for _, step := range steps {
		switch s := step.(type) {
		case Where:
			for _, c := range s {
				add(c.Ref())
			}
		case AnyOf:
			for _, branch := range s {
				for _, c := range branch {
					add(c.Ref())
				}
			}
		case Compare:
			add(s.Left)
			add(s.Right)
		case Aggregate:
			add(Ref{Var: s.Into})
		}
	}
	return refs
}
