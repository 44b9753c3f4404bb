package inference

import (
	"time"

	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

// Category groups rules for listing.
type Category string

// Rule categories.
const (
	CategoryMaintenance Category = "Maintenance"
	CategoryAnomaly     Category = "AnomalyDetection"
	CategoryPrediction  Category = "Prediction"
	CategoryStructure   Category = "Structure"
	CategoryAnalysis    Category = "Analysis"
)

// Rule is one condition→action inference rule.
//
// The condition runs in three stages, each recorded as a trace step:
//
//	Match    broad pattern that seeds candidate bindings
//	Filters  narrowing predicates, one trace step per Filter
//	Dedup    drops candidates whose target fact already exists
//
// Dedup runs on every evaluation, including Check, so a preview always
// reports what Apply would create. A rule whose Action only adds edges
// between bound variables may leave Dedup empty; the catalog then derives
// "the exact target edge already exists" plus one candidate per set of edge
// endpoints. A rule that creates nodes must spell out its Dedup.
//
// Limit caps the candidates after dedup; zero means no cap.
type Rule struct {
	ID          string
	Name        string
	Description string
	Category    Category

	// Human-readable condition and conclusion, shown by rule listings.
	Condition string
	Inference string
	Inputs    []string
	Outputs   []string

	MatchDescription string
	Match            []pattern.Step
	Filters          []Filter
	DedupDescription string
	Dedup            []pattern.Step
	Limit            int

	Action Action

	// Preview selects the candidate fields shown by Check and trace
	// samples. Output selects the fields reported for each materialized
	// candidate and may reference nodes the Action creates.
	Preview []Column
	Output  []Column
}

// Filter is one narrowing stage of a rule condition.
type Filter struct {
	Description string
	Steps       []pattern.Step
}

// Column names one field of a candidate summary.
type Column struct {
	Name string
	Ref  pattern.Ref
}

// Col is shorthand for a Column over var.property.
func Col(name, v, property string) Column {
	return Column{Name: name, Ref: pattern.Ref{Var: v, Property: property}}
}

// PropertyFunc builds properties for a created fact from a candidate
// binding. now is the materialization time shared by every fact of the
// candidate.
type PropertyFunc func(b pattern.Binding, now time.Time) map[string]any

// NodeTemplate describes a node to create. Var binds the created node so
// edge templates and Output columns can refer to it. The Inferred label is
// added automatically.
type NodeTemplate struct {
	Var        string
	Labels     []string
	Properties PropertyFunc
}

// EdgeTemplate describes an edge to create between two variables, each
// either bound by the condition or created by a NodeTemplate.
type EdgeTemplate struct {
	From       string
	To         string
	Type       string
	Confidence float64
	Properties PropertyFunc
}

// Action is the set of facts created per candidate. Nodes are created
// before edges.
type Action struct {
	Nodes []NodeTemplate
	Edges []EdgeTemplate
}

// CreatesNodes reports whether the action adds any node.
func (a Action) CreatesNodes() bool {
	return len(a.Nodes) > 0
}

// RuleInfo is the listing form of a Rule.
type RuleInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Condition   string   `json:"condition,omitempty"`
	Inference   string   `json:"inference,omitempty"`
	InputData   []string `json:"inputData,omitempty"`
	OutputData  []string `json:"outputData,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// Info returns the listing form of r.
func (r *Rule) Info() RuleInfo {
	return RuleInfo{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Condition:   r.Condition,
		Inference:   r.Inference,
		InputData:   r.Inputs,
		OutputData:  r.Outputs,
		Limit:       r.Limit,
	}
}

// Candidate is one binding that survived every stage of a rule condition.
// Key identifies the logical target: the same bound facts always give the
// same key.
type Candidate struct {
	Binding pattern.Binding `json:"-"`
	Key     string          `json:"key"`
	Summary map[string]any  `json:"summary"`
}

// summarize renders the columns of b, falling back to a display name per
// bound node when no columns are configured.
func summarize(cols []Column, b pattern.Binding) map[string]any {
	out := make(map[string]any, len(cols))
	if len(cols) == 0 {
		for v, n := range b.Nodes {
			out[v] = displayName(n)
		}
		for v, val := range b.Values {
			out[v] = val
		}
		return out
	}
	for _, c := range cols {
		if v, ok := b.Lookup(c.Ref); ok {
			out[c.Name] = v
		} else {
			out[c.Name] = nil
		}
	}
	return out
}

// displayName picks the most readable identifier a plant node carries.
func displayName(n *storage.Node) string {
	if n == nil {
		return ""
	}
	for _, key := range []string{"name", "equipmentId", "sensorId", "maintenanceId", "anomalyId", "predictionId", "areaId"} {
		if v, ok := n.Properties[key].(string); ok && v != "" {
			return v
		}
	}
	return string(n.ID)
}

// firstLabel returns the first label that is not the inferred marker.
func firstLabel(n *storage.Node) string {
	for _, l := range n.Labels {
		if l != storage.LabelInferred {
			return l
		}
	}
	return ""
}
