package inference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

// FactRef points at one created node or edge.
type FactRef struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
	Name  string `json:"name,omitempty"`
}

// Fact kinds.
const (
	KindNode         = "NODE"
	KindRelationship = "RELATIONSHIP"
)

// InferredItem is everything one candidate produced.
type InferredItem struct {
	RuleID  string         `json:"ruleId"`
	Key     string         `json:"key"`
	Summary map[string]any `json:"summary"`
	Nodes   []FactRef      `json:"nodes,omitempty"`
	Edges   []FactRef      `json:"edges,omitempty"`

	binding pattern.Binding
}

// ApplyResult reports one Apply call.
//
// A candidate either produces an Item or a Failure, never both. Errors
// mirrors Failures as public messages.
type ApplyResult struct {
	RuleID          string                           `json:"ruleId"`
	RuleName        string                           `json:"ruleName"`
	AppliedCount    int                              `json:"count"`
	Items           []InferredItem                   `json:"inferred"`
	Failures        []*apperror.MaterializationError `json:"-"`
	Errors          []string                         `json:"errors,omitempty"`
	NoNewInferences bool                             `json:"noNewInferences"`
	Message         string                           `json:"message"`
}

// materializer writes the facts of accepted candidates.
type materializer struct {
	store   storage.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// apply materializes candidates in order. A failed candidate is rolled back
// as far as the store allows and recorded; the rest of the batch continues.
// Cancellation stops the batch and is recorded against the next candidate.
func (m *materializer) apply(ctx context.Context, rule *Rule, set CandidateSet, now time.Time) *ApplyResult {
	res := &ApplyResult{RuleID: rule.ID, RuleName: rule.Name}

	for _, c := range set.Candidates {
		if err := ctx.Err(); err != nil {
			m.fail(res, &apperror.MaterializationError{RuleID: rule.ID, CandidateKey: c.Key, Err: err})
			break
		}
		item, failure := m.materialize(rule, c, now)
		if failure != nil {
			m.fail(res, failure)
			continue
		}
		res.Items = append(res.Items, item)
	}

	res.AppliedCount = len(res.Items)
	switch {
	case len(set.Candidates) == 0:
		res.NoNewInferences = true
		res.Message = "No new inferences to make"
	case len(res.Failures) > 0:
		res.Message = fmt.Sprintf("Applied %d inferences, %d failed", res.AppliedCount, len(res.Failures))
	default:
		res.Message = fmt.Sprintf("Applied %d inferences", res.AppliedCount)
	}
	m.metrics.AddMaterialized(rule.ID, res.AppliedCount, len(res.Failures))
	return res
}

func (m *materializer) fail(res *ApplyResult, err *apperror.MaterializationError) {
	m.logger.Warn("materialization failed",
		zap.String("rule", err.RuleID),
		zap.String("candidate", err.CandidateKey),
		zap.String("item", err.Item),
		zap.Error(err.Err))
	res.Failures = append(res.Failures, err)
	res.Errors = append(res.Errors, err.Error())
}

// materialize creates the action's nodes, then its edges, for one
// candidate. Every created fact carries the inferred tag, the rule id and
// the candidate key.
func (m *materializer) materialize(rule *Rule, c Candidate, now time.Time) (InferredItem, *apperror.MaterializationError) {
	b := c.Binding.Clone()
	item := InferredItem{RuleID: rule.ID, Key: c.Key}

	var nodes []storage.NodeID
	var edges []storage.EdgeID
	rollback := func() {
		for i := len(edges) - 1; i >= 0; i-- {
			if err := m.store.DeleteEdge(edges[i]); err != nil {
				m.logger.Error("rollback: delete edge", zap.String("edge", string(edges[i])), zap.Error(err))
			}
		}
		for i := len(nodes) - 1; i >= 0; i-- {
			if err := m.store.DeleteNode(nodes[i]); err != nil {
				m.logger.Error("rollback: delete node", zap.String("node", string(nodes[i])), zap.Error(err))
			}
		}
	}
	failed := func(what string, err error) (InferredItem, *apperror.MaterializationError) {
		rollback()
		return InferredItem{}, &apperror.MaterializationError{
			RuleID:       rule.ID,
			CandidateKey: c.Key,
			Item:         what,
			Err:          err,
		}
	}

	for _, t := range rule.Action.Nodes {
		labels := make([]string, 0, len(t.Labels)+1)
		labels = append(labels, t.Labels...)
		labels = append(labels, storage.LabelInferred)

		node := &storage.Node{
			Labels:     labels,
			Properties: tagged(rule.ID, c.Key, now, t.Properties, b),
		}
		if err := m.store.CreateNode(node); err != nil {
			return failed("node "+t.Labels[0], err)
		}
		nodes = append(nodes, node.ID)
		b.Nodes[t.Var] = node
		item.Nodes = append(item.Nodes, FactRef{
			ID:    string(node.ID),
			Kind:  KindNode,
			Label: t.Labels[0],
			Name:  displayName(node),
		})
	}

	for _, t := range rule.Action.Edges {
		from, to := b.Node(t.From), b.Node(t.To)
		if from == nil || to == nil {
			return failed("edge "+t.Type, fmt.Errorf("endpoint %s or %s is not bound to a node", t.From, t.To))
		}
		edge := &storage.Edge{
			StartNode:     from.ID,
			EndNode:       to.ID,
			Type:          t.Type,
			Properties:    tagged(rule.ID, c.Key, now, t.Properties, b),
			Confidence:    t.Confidence,
			AutoGenerated: true,
		}
		if err := m.store.CreateEdge(edge); err != nil {
			return failed("edge "+t.Type, err)
		}
		edges = append(edges, edge.ID)
		item.Edges = append(item.Edges, FactRef{
			ID:    string(edge.ID),
			Kind:  KindRelationship,
			Label: t.Type,
			Name:  displayName(from) + " -> " + displayName(to),
		})
	}

	cols := rule.Output
	if len(cols) == 0 {
		cols = rule.Preview
	}
	item.Summary = summarize(cols, b)
	item.binding = c.Binding
	return item, nil
}

// tagged builds a fact's properties: the template's, then the inferred
// markers, which always win.
func tagged(ruleID, key string, now time.Time, fn PropertyFunc, b pattern.Binding) map[string]any {
	props := make(map[string]any)
	if fn != nil {
		for k, v := range fn(b, now) {
			props[k] = v
		}
	}
	props[storage.PropIsInferred] = true
	props[storage.PropInferredAt] = now
	props[storage.PropInferredBy] = ruleID
	props[storage.PropInferenceKey] = key
	return props
}
