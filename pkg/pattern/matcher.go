package pattern

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/upwreason/pkg/convert"
	"github.com/orneryd/upwreason/pkg/storage"
)

// Matcher runs patterns against a Source.
//
// Now anchors Within conditions; the zero value means time.Now() at the
// start of each call. A Matcher holds no per-call state and may be shared.
//
// The context is checked before every input binding of every step, so a
// deadline or cancellation stops a large match promptly and surfaces as
// ctx.Err().
type Matcher struct {
	Source Source
	Now    time.Time
}

// Match runs steps from a single empty binding.
func (m *Matcher) Match(ctx context.Context, steps []Step) ([]Binding, error) {
	return m.Extend(ctx, steps, []Binding{NewBinding()})
}

// Extend runs steps over existing bindings. The evaluator uses it to run a
// rule's filter and dedup stages over the output of its match stage.
func (m *Matcher) Extend(ctx context.Context, steps []Step, in []Binding) ([]Binding, error) {
	if m.Source == nil {
		return nil, errors.New("pattern: matcher has no source")
	}
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	r := &run{
		ctx:    ctx,
		src:    m.Source,
		now:    now,
		nodes:  make(map[storage.NodeID]*storage.Node),
		labels: make(map[string][]*storage.Node),
	}

	out := in
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := step.apply(r, out)
		if err != nil {
			return nil, err
		}
		out = next
		if len(out) == 0 {
			break
		}
	}
	return out, nil
}

// run is the state of one Extend call: the context, the clock and a node
// cache so repeated traversals do not re-read the store.
type run struct {
	ctx    context.Context
	src    Source
	now    time.Time
	nodes  map[storage.NodeID]*storage.Node
	labels map[string][]*storage.Node
}

// hop is an edge together with the node at its far end.
type hop struct {
	edge *storage.Edge
	node *storage.Node
}

func (r *run) node(id storage.NodeID) (*storage.Node, error) {
	if n, ok := r.nodes[id]; ok {
		return n, nil
	}
	n, err := r.src.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) {
		r.nodes[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading node %s: %w", id, err)
	}
	r.nodes[id] = n
	return n, nil
}

func (r *run) byLabel(label string) ([]*storage.Node, error) {
	if nodes, ok := r.labels[label]; ok {
		return nodes, nil
	}
	nodes, err := r.src.GetNodesByLabel(label)
	if err != nil {
		return nil, fmt.Errorf("scanning label %s: %w", label, err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	for _, n := range nodes {
		r.nodes[n.ID] = n
	}
	r.labels[label] = nodes
	return nodes, nil
}

// neighbors returns the hops from id over edges of typ (any when empty)
// whose far node carries label (any when empty), ordered by edge id.
func (r *run) neighbors(id storage.NodeID, typ string, dir Direction, label string) ([]hop, error) {
	var edges []*storage.Edge
	if dir == Outgoing || dir == Both {
		out, err := r.src.GetOutgoingEdges(id)
		if err != nil {
			return nil, fmt.Errorf("reading edges of %s: %w", id, err)
		}
		edges = append(edges, out...)
	}
	if dir == Incoming || dir == Both {
		in, err := r.src.GetIncomingEdges(id)
		if err != nil {
			return nil, fmt.Errorf("reading edges of %s: %w", id, err)
		}
		edges = append(edges, in...)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	hops := make([]hop, 0, len(edges))
	for _, e := range edges {
		if typ != "" && e.Type != typ {
			continue
		}
		far := e.EndNode
		if e.EndNode == id && (dir == Incoming || (dir == Both && e.StartNode != id)) {
			far = e.StartNode
		}
		n, err := r.node(far)
		if err != nil {
			return nil, err
		}
		if n == nil || (label != "" && !n.HasLabel(label)) {
			continue
		}
		hops = append(hops, hop{edge: e, node: n})
	}
	return hops, nil
}

func (r *run) each(in []Binding, fn func(b Binding) error) error {
	for _, b := range in {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) filter(in []Binding, keep func(b Binding) (bool, error)) ([]Binding, error) {
	out := make([]Binding, 0, len(in))
	err := r.each(in, func(b Binding) error {
		ok, err := keep(b)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

func (st Scan) apply(r *run, in []Binding) ([]Binding, error) {
	nodes, err := r.byLabel(st.Label)
	if err != nil {
		return nil, err
	}
	out := make([]Binding, 0, len(in)*len(nodes))
	err = r.each(in, func(b Binding) error {
		for _, n := range nodes {
			nb := b.Clone()
			nb.Nodes[st.Var] = n
			out = append(out, nb)
		}
		return nil
	})
	return out, err
}

func (st Traverse) apply(r *run, in []Binding) ([]Binding, error) {
	var out []Binding
	err := r.each(in, func(b Binding) error {
		from := b.Node(st.From)
		if from == nil {
			return nil
		}
		hops, err := r.neighbors(from.ID, st.Type, st.Direction, st.ToLabel)
		if err != nil {
			return err
		}
		joined := b.Node(st.To)
		for _, h := range hops {
			if joined != nil && h.node.ID != joined.ID {
				continue
			}
			nb := b.Clone()
			nb.Nodes[st.To] = h.node
			if st.EdgeVar != "" {
				nb.Edges[st.EdgeVar] = h.edge
			}
			out = append(out, nb)
		}
		return nil
	})
	return out, err
}

func (st Where) apply(r *run, in []Binding) ([]Binding, error) {
	return r.filter(in, func(b Binding) (bool, error) {
		return evalAll(st, b, r.now), nil
	})
}

func (st AnyOf) apply(r *run, in []Binding) ([]Binding, error) {
	return r.filter(in, func(b Binding) (bool, error) {
		for _, branch := range st {
			if evalAll(branch, b, r.now) {
				return true, nil
			}
		}
		return false, nil
	})
}

func (st NotExists) apply(r *run, in []Binding) ([]Binding, error) {
	return r.filter(in, func(b Binding) (bool, error) {
		from := b.Node(st.From)
		if from == nil {
			return false, nil
		}
		hops, err := r.neighbors(from.ID, st.Type, st.Direction, st.ToLabel)
		if err != nil {
			return false, err
		}
		target := b.Node(st.To)
		for _, h := range hops {
			if target != nil && h.node.ID != target.ID {
				continue
			}
			if len(st.Where) == 0 {
				return false, nil
			}
			probe := b.Clone()
			probe.Nodes[st.As] = h.node
			if evalAll(st.Where, probe, r.now) {
				return false, nil
			}
		}
		return true, nil
	})
}

func (st Aggregate) apply(r *run, in []Binding) ([]Binding, error) {
	var out []Binding
	err := r.each(in, func(b Binding) error {
		v := b.Node(st.Var)
		if v == nil {
			return nil
		}
		hops, err := r.neighbors(v.ID, st.Type, st.Direction, st.NeighborLabel)
		if err != nil {
			return err
		}

		var matched []*storage.Node
		for _, h := range hops {
			if len(st.Where) > 0 {
				probe := b.Clone()
				probe.Nodes[st.As] = h.node
				if !evalAll(st.Where, probe, r.now) {
					continue
				}
			}
			matched = append(matched, h.node)
		}
		if len(matched) < st.MinCount {
			return nil
		}

		result, ok := st.fold(matched)
		if !ok {
			return nil
		}
		nb := b.Clone()
		nb.Values[st.Into] = result
		out = append(out, nb)
		return nil
	})
	return out, err
}

func (st Aggregate) fold(nodes []*storage.Node) (any, bool) {
	if st.Func == Count {
		return len(nodes), true
	}

	if st.Func == First || st.Func == Last {
		ordered := make([]*storage.Node, 0, len(nodes))
		for _, n := range nodes {
			if n.Properties[st.Property] != nil {
				ordered = append(ordered, n)
			}
		}
		if len(ordered) == 0 {
			return nil, false
		}
		if st.OrderBy != "" {
			sort.SliceStable(ordered, func(i, j int) bool {
				cmp, ok := convert.Compare(ordered[i].Properties[st.OrderBy], ordered[j].Properties[st.OrderBy])
				return ok && cmp < 0
			})
		}
		pick := ordered[0]
		if st.Func == Last {
			pick = ordered[len(ordered)-1]
		}
		return pick.Properties[st.Property], true
	}

	var values []float64
	for _, n := range nodes {
		if f, ok := convert.ToFloat64(n.Properties[st.Property]); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil, false
	}

	acc := values[0]
	sum := 0.0
	for _, f := range values {
		sum += f
		switch st.Func {
		case Min:
			if f < acc {
				acc = f
			}
		case Max:
			if f > acc {
				acc = f
			}
		}
	}
	switch st.Func {
	case Avg:
		return sum / float64(len(values)), true
	case Sum:
		return sum, true
	}
	return acc, true
}

func (st Compare) apply(r *run, in []Binding) ([]Binding, error) {
	return r.filter(in, func(b Binding) (bool, error) {
		return st.holds(b), nil
	})
}

func (st Compare) holds(b Binding) bool {
	left, ok := b.Lookup(st.Left)
	if !ok {
		return false
	}
	right, ok := b.Lookup(st.Right)
	if !ok {
		return false
	}

	lf, lok := convert.ToFloat64(left)
	rf, rok := convert.ToFloat64(right)
	if lok && rok {
		factor := st.Factor
		if factor == 0 {
			factor = 1
		}
		left, right = lf, rf*factor+st.Offset
	}
	return compareOp(st.Op, left, right)
}

func (st Different) apply(r *run, in []Binding) ([]Binding, error) {
	return r.filter(in, func(b Binding) (bool, error) {
		a, c := b.Node(st.A), b.Node(st.B)
		return a != nil && c != nil && a.ID != c.ID, nil
	})
}

func (st Distinct) apply(r *run, in []Binding) ([]Binding, error) {
	seen := make(map[string]struct{}, len(in))
	return r.filter(in, func(b Binding) (bool, error) {
		key := ""
		for _, v := range st {
			val, _ := b.Lookup(Ref{Var: v})
			key += convert.ToString(val) + "\x00"
		}
		if _, dup := seen[key]; dup {
			return false, nil
		}
		seen[key] = struct{}{}
		return true, nil
	})
}

func (st OrderBy) apply(r *run, in []Binding) ([]Binding, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Binding, len(in))
	copy(out, in)
	ref := Ref{Var: st.Var, Property: st.Property}
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := out[i].Lookup(ref)
		c, cok := out[j].Lookup(ref)
		if !aok || !cok {
			return aok && !cok
		}
		cmp, ok := convert.Compare(a, c)
		if !ok {
			return false
		}
		if st.Desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return out, nil
}

func (st Reachable) apply(r *run, in []Binding) ([]Binding, error) {
	lo, hi := st.hops()
	return r.filter(in, func(b Binding) (bool, error) {
		from, to := b.Node(st.From), b.Node(st.To)
		if from == nil || to == nil {
			return false, nil
		}
		frontier := map[storage.NodeID]struct{}{from.ID: {}}
		for depth := 1; depth <= hi && len(frontier) > 0; depth++ {
			next := make(map[storage.NodeID]struct{})
			for id := range frontier {
				hops, err := r.neighbors(id, st.Type, st.Direction, "")
				if err != nil {
					return false, err
				}
				for _, h := range hops {
					next[h.node.ID] = struct{}{}
				}
			}
			if _, hit := next[to.ID]; hit && depth >= lo {
				return true, nil
			}
			frontier = next
		}
		return false, nil
	})
}
