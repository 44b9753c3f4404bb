package inference

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/convert"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/storage"
)

// DefaultFactLimit is the InferredFacts page size when none is given.
const DefaultFactLimit = 100

// LedgerStats counts tagged facts. The Inferred label itself is not
// counted in NodesByLabel.
type LedgerStats struct {
	NodesByLabel map[string]int64 `json:"nodesByType"`
	EdgesByType  map[string]int64 `json:"relationshipsByType"`
	TotalNodes   int64            `json:"totalInferredNodes"`
	TotalEdges   int64            `json:"totalInferredRelationships"`
}

// ClearResult reports one ClearInferred call. DetachedRelationships are
// authored edges that pointed at a removed inferred node.
type ClearResult struct {
	DeletedNodes          int64  `json:"deletedNodes"`
	DeletedRelationships  int64  `json:"deletedRelationships"`
	DetachedRelationships int64  `json:"detachedRelationships,omitempty"`
	Message               string `json:"message"`
}

// InferredNode is a tagged node as listed by InferredFacts.
type InferredNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	InferredAt time.Time      `json:"inferredAt"`
	InferredBy string         `json:"inferredBy,omitempty"`
}

// InferredRelationship is a tagged edge as listed by InferredFacts.
type InferredRelationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SourceID   string         `json:"sourceId"`
	SourceName string         `json:"sourceName"`
	TargetID   string         `json:"targetId"`
	TargetName string         `json:"targetName"`
	Properties map[string]any `json:"properties"`
	InferredAt time.Time      `json:"inferredAt"`
	InferredBy string         `json:"inferredBy,omitempty"`
}

// InferredFacts lists the newest tagged nodes and edges.
type InferredFacts struct {
	Nodes         []InferredNode         `json:"nodes"`
	Relationships []InferredRelationship `json:"relationships"`
}

// ledger is the read and clear side of tagged facts.
type ledger struct {
	store   storage.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (l *ledger) stats(ctx context.Context) (LedgerStats, error) {
	st := LedgerStats{
		NodesByLabel: make(map[string]int64),
		EdgesByType:  make(map[string]int64),
	}

	nodes, err := l.store.AllNodes()
	if err != nil {
		return st, fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if !storage.InferredTag.MatchNode(n) {
			continue
		}
		st.TotalNodes++
		for _, label := range n.Labels {
			if label != storage.LabelInferred {
				st.NodesByLabel[label]++
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return st, err
	}

	edges, err := l.store.AllEdges()
	if err != nil {
		return st, fmt.Errorf("list edges: %w", err)
	}
	for _, e := range edges {
		if storage.InferredTag.MatchEdge(e) {
			st.TotalEdges++
			st.EdgesByType[e.Type]++
		}
	}
	return st, nil
}

func (l *ledger) clear(ctx context.Context) (ClearResult, error) {
	ds, err := l.store.DeleteTagged(ctx, storage.InferredTag)
	l.metrics.AddCleared(ds.Nodes, ds.Edges)
	if err != nil {
		return ClearResult{
			DeletedNodes:          ds.Nodes,
			DeletedRelationships:  ds.Edges,
			DetachedRelationships: ds.DetachedEdges,
		}, fmt.Errorf("delete inferred facts: %w", err)
	}
	if ds.DetachedEdges > 0 {
		l.logger.Warn("authored relationships removed with inferred nodes",
			zap.Int64("detached", ds.DetachedEdges))
	}
	l.logger.Info("inferred facts cleared",
		zap.Int64("nodes", ds.Nodes),
		zap.Int64("relationships", ds.Edges),
		zap.Int64("detached", ds.DetachedEdges))

	return ClearResult{
		DeletedNodes:          ds.Nodes,
		DeletedRelationships:  ds.Edges,
		DetachedRelationships: ds.DetachedEdges,
		Message:               fmt.Sprintf("Cleared %d inferred nodes and %d inferred relationships", ds.Nodes, ds.Edges),
	}, nil
}

func (l *ledger) facts(ctx context.Context, limit int) (InferredFacts, error) {
	if limit <= 0 {
		limit = DefaultFactLimit
	}
	out := InferredFacts{Nodes: []InferredNode{}, Relationships: []InferredRelationship{}}

	nodes, err := l.store.AllNodes()
	if err != nil {
		return out, fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes {
		if !storage.InferredTag.MatchNode(n) {
			continue
		}
		at, _ := convert.ToTime(n.Properties[storage.PropInferredAt])
		out.Nodes = append(out.Nodes, InferredNode{
			ID:         string(n.ID),
			Labels:     n.Labels,
			Properties: n.Properties,
			InferredAt: at,
			InferredBy: convert.ToString(n.Properties[storage.PropInferredBy]),
		})
	}
	sort.SliceStable(out.Nodes, func(i, j int) bool {
		return out.Nodes[i].InferredAt.After(out.Nodes[j].InferredAt)
	})
	if len(out.Nodes) > limit {
		out.Nodes = out.Nodes[:limit]
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	edges, err := l.store.AllEdges()
	if err != nil {
		return out, fmt.Errorf("list edges: %w", err)
	}
	names := make(map[storage.NodeID]string)
	name := func(id storage.NodeID) string {
		if s, ok := names[id]; ok {
			return s
		}
		s := string(id)
		if n, err := l.store.GetNode(id); err == nil {
			s = displayName(n)
		}
		names[id] = s
		return s
	}
	for _, e := range edges {
		if !storage.InferredTag.MatchEdge(e) {
			continue
		}
		at, _ := convert.ToTime(e.Properties[storage.PropInferredAt])
		out.Relationships = append(out.Relationships, InferredRelationship{
			ID:         string(e.ID),
			Type:       e.Type,
			SourceID:   string(e.StartNode),
			SourceName: name(e.StartNode),
			TargetID:   string(e.EndNode),
			TargetName: name(e.EndNode),
			Properties: e.Properties,
			InferredAt: at,
			InferredBy: convert.ToString(e.Properties[storage.PropInferredBy]),
		})
	}
	sort.SliceStable(out.Relationships, func(i, j int) bool {
		return out.Relationships[i].InferredAt.After(out.Relationships[j].InferredAt)
	})
	if len(out.Relationships) > limit {
		out.Relationships = out.Relationships[:limit]
	}
	return out, nil
}
