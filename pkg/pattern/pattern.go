// Package pattern is the typed graph pattern language rule conditions and
// validator checks are written in.
//
// A pattern is an ordered list of Steps. The Matcher starts from a single
// empty Binding and feeds the bindings produced by each step into the next:
//
//	steps := []pattern.Step{
//		pattern.Scan{Var: "e", Label: "Equipment"},
//		pattern.Where{{Var: "e", Property: "healthScore", Op: pattern.Lt, Value: 60}},
//		pattern.NotExists{
//			From: "e", Type: "NEEDS_MAINTENANCE", ToLabel: "Maintenance", As: "m",
//			Where: []pattern.Cond{{Var: "m", Property: "status", Op: pattern.Eq, Value: "Pending"}},
//		},
//	}
//	bindings, err := (&pattern.Matcher{Source: engine}).Match(ctx, steps)
//
// Steps are plain values, so a rule catalog can be checked once at startup
// with Validate instead of failing at query time.
//
// Value semantics follow graph query conventions: a comparison against a
// missing property is false, never an error, and Ne on a missing property
// is false as well. Use Missing to select absent properties explicitly.
package pattern

import (
	"errors"
	"sort"
	"strings"

	"github.com/orneryd/upwreason/pkg/storage"
)

// ErrInvalidPattern is returned by Validate for malformed steps.
var ErrInvalidPattern = errors.New("invalid pattern")

// Source is the read side of a graph store. Every storage.Engine is a
// Source.
type Source interface {
	GetNode(id storage.NodeID) (*storage.Node, error)
	GetNodesByLabel(label string) ([]*storage.Node, error)
	GetOutgoingEdges(nodeID storage.NodeID) ([]*storage.Edge, error)
	GetIncomingEdges(nodeID storage.NodeID) ([]*storage.Edge, error)
}

// Direction selects which edges a traversal follows.
type Direction int

const (
	// Outgoing follows edges whose start node is the bound variable.
	Outgoing Direction = iota
	// Incoming follows edges whose end node is the bound variable.
	Incoming
	// Both follows edges in either direction.
	Both
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "<-"
	case Both:
		return "-"
	default:
		return "->"
	}
}

// Ref points at a bound value: a property of a node or edge variable, or a
// scalar variable bound by Aggregate when Property is empty.
type Ref struct {
	Var      string
	Property string
}

func (r Ref) String() string {
	if r.Property == "" {
		return r.Var
	}
	return r.Var + "." + r.Property
}

// Binding maps pattern variables to nodes, edges and scalar values.
// Bindings are treated as immutable once produced; steps extend a Clone.
type Binding struct {
	Nodes  map[string]*storage.Node
	Edges  map[string]*storage.Edge
	Values map[string]any
}

// NewBinding returns an empty binding.
func NewBinding() Binding {
	return Binding{
		Nodes:  map[string]*storage.Node{},
		Edges:  map[string]*storage.Edge{},
		Values: map[string]any{},
	}
}

// Clone returns a shallow copy. Nodes and edges are shared; the maps are
// not.
func (b Binding) Clone() Binding {
	c := Binding{
		Nodes:  make(map[string]*storage.Node, len(b.Nodes)+1),
		Edges:  make(map[string]*storage.Edge, len(b.Edges)),
		Values: make(map[string]any, len(b.Values)),
	}
	for k, v := range b.Nodes {
		c.Nodes[k] = v
	}
	for k, v := range b.Edges {
		c.Edges[k] = v
	}
	for k, v := range b.Values {
		c.Values[k] = v
	}
	return c
}

// Node returns the node bound to v, or nil.
func (b Binding) Node(v string) *storage.Node {
	return b.Nodes[v]
}

// Edge returns the edge bound to v, or nil.
func (b Binding) Edge(v string) *storage.Edge {
	return b.Edges[v]
}

// Lookup resolves a Ref. ok is false when the variable is unbound or the
// property is absent.
func (b Binding) Lookup(r Ref) (any, bool) {
	if n, ok := b.Nodes[r.Var]; ok {
		if r.Property == "" {
			return string(n.ID), true
		}
		v, ok := n.Properties[r.Property]
		return v, ok && v != nil
	}
	if e, ok := b.Edges[r.Var]; ok {
		if r.Property == "" {
			return string(e.ID), true
		}
		v, ok := e.Properties[r.Property]
		return v, ok && v != nil
	}
	if r.Property != "" {
		return nil, false
	}
	v, ok := b.Values[r.Var]
	return v, ok && v != nil
}

// Get is Lookup without the presence flag.
func (b Binding) Get(v, property string) any {
	val, _ := b.Lookup(Ref{Var: v, Property: property})
	return val
}

// IDs lists "var=id" for every bound node and edge, sorted. Two bindings
// over the same graph elements produce the same list.
func (b Binding) IDs() []string {
	ids := make([]string, 0, len(b.Nodes)+len(b.Edges))
	for v, n := range b.Nodes {
		ids = append(ids, v+"="+string(n.ID))
	}
	for v, e := range b.Edges {
		ids = append(ids, v+"="+string(e.ID))
	}
	sort.Strings(ids)
	return ids
}

// Key is IDs joined into one string.
func (b Binding) Key() string {
	return strings.Join(b.IDs(), ",")
}

// Vars returns the bound variable names in sorted order.
func (b Binding) Vars() []string {
	vars := make([]string, 0, len(b.Nodes)+len(b.Edges)+len(b.Values))
	for v := range b.Nodes {
		vars = append(vars, v)
	}
	for v := range b.Edges {
		vars = append(vars, v)
	}
	for v := range b.Values {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}
