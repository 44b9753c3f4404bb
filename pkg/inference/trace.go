package inference

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/upwreason/pkg/pattern"
)

// TraceResult classifies a finished trace.
type TraceResult string

// Trace results.
const (
	ResultSuccess TraceResult = "SUCCESS"
	ResultNoMatch TraceResult = "NO_MATCH"
	ResultError   TraceResult = "ERROR"
)

// Evidence kinds.
const (
	EvidenceNode         = "NODE"
	EvidenceRelationship = "RELATIONSHIP"
	EvidenceProperty     = "PROPERTY"
)

// Evidence is one graph element or property value an inference relied on.
type Evidence struct {
	ID            string `json:"id"`
	Kind          string `json:"type"`
	SubjectID     string `json:"nodeId,omitempty"`
	Label         string `json:"label,omitempty"`
	PropertyName  string `json:"propertyName,omitempty"`
	PropertyValue any    `json:"propertyValue,omitempty"`
	Description   string `json:"description"`
}

// ReasoningTrace is the full record of one traced rule run.
type ReasoningTrace struct {
	ID              string         `json:"traceId"`
	RuleID          string         `json:"ruleId"`
	RuleName        string         `json:"ruleName"`
	RuleDescription string         `json:"ruleDescription"`
	StartedAt       time.Time      `json:"startTime"`
	CompletedAt     time.Time      `json:"endTime"`
	Result          TraceResult    `json:"result"`
	Steps           []TraceStep    `json:"steps"`
	Evidence        []Evidence     `json:"evidence"`
	InferredCount   int            `json:"inferredCount"`
	InferredItems   []InferredItem `json:"inferredFacts"`
	Errors          []string       `json:"errors,omitempty"`
	Summary         string         `json:"summary"`
}

// Duration is the wall time the trace covered.
func (t ReasoningTrace) Duration() time.Duration {
	return t.CompletedAt.Sub(t.StartedAt)
}

// traceRecorder accumulates a trace. It is used by one goroutine and
// sealed exactly once.
type traceRecorder struct {
	trace    ReasoningTrace
	seen     map[string]bool
	evidence int
}

func newTraceRecorder(rule *Rule, start time.Time) *traceRecorder {
	return &traceRecorder{
		trace: ReasoningTrace{
			ID:              "TRACE-" + uuid.NewString()[:8],
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			RuleDescription: rule.Description,
			StartedAt:       start,
		},
		seen: make(map[string]bool),
	}
}

func (r *traceRecorder) addSteps(steps []TraceStep) {
	r.trace.Steps = append(r.trace.Steps, steps...)
}

func (r *traceRecorder) addStep(stage Stage, description, detail string, count int, data []map[string]any) {
	r.trace.Steps = append(r.trace.Steps, TraceStep{
		StepNumber:  len(r.trace.Steps) + 1,
		Stage:       stage,
		Description: description,
		Detail:      detail,
		ResultCount: count,
		SampleData:  data,
		Timestamp:   time.Now(),
	})
}

func (r *traceRecorder) addEvidence(ev Evidence) {
	key := fmt.Sprintf("%s|%s|%s|%s", ev.Kind, ev.SubjectID, ev.Label, ev.PropertyName)
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.evidence++
	ev.ID = fmt.Sprintf("EV-%d", r.evidence)
	r.trace.Evidence = append(r.trace.Evidence, ev)
}

// collectEvidence records what one materialized candidate relied on: its
// bound nodes and edges, the property values its predicates read, and the
// relationships it created.
func (r *traceRecorder) collectEvidence(rule *Rule, item InferredItem) {
	b := item.binding
	for _, v := range b.Vars() {
		if n := b.Node(v); n != nil {
			r.addEvidence(Evidence{
				Kind:        EvidenceNode,
				SubjectID:   string(n.ID),
				Label:       firstLabel(n),
				Description: fmt.Sprintf("%s %s", firstLabel(n), displayName(n)),
			})
		}
		if e := b.Edge(v); e != nil {
			r.addEvidence(Evidence{
				Kind:        EvidenceRelationship,
				SubjectID:   string(e.ID),
				Label:       e.Type,
				Description: fmt.Sprintf("%s %s -> %s", e.Type, e.StartNode, e.EndNode),
			})
		}
	}

	for _, ref := range conditionInputs(rule) {
		val, ok := b.Lookup(ref)
		if !ok {
			continue
		}
		ev := Evidence{
			Kind:          EvidenceProperty,
			PropertyName:  ref.String(),
			PropertyValue: val,
		}
		if n := b.Node(ref.Var); n != nil {
			ev.SubjectID = string(n.ID)
			ev.Label = firstLabel(n)
			ev.PropertyName = ref.Property
			ev.Description = fmt.Sprintf("%s.%s = %v", displayName(n), ref.Property, val)
		} else {
			ev.Description = fmt.Sprintf("%s = %v", ref, val)
		}
		r.addEvidence(ev)
	}

	for _, e := range item.Edges {
		r.addEvidence(Evidence{
			Kind:        EvidenceRelationship,
			SubjectID:   e.ID,
			Label:       e.Label,
			Description: "Inferred " + e.Label + ": " + e.Name,
		})
	}
}

// seal finishes the trace and returns it by value with its slices copied,
// so later use of the recorder cannot change what the caller holds.
func (r *traceRecorder) seal(result TraceResult, inferred []InferredItem, errs []string) ReasoningTrace {
	t := r.trace
	t.CompletedAt = time.Now()
	t.Result = result
	t.InferredCount = len(inferred)
	t.InferredItems = append([]InferredItem(nil), inferred...)
	t.Errors = append([]string(nil), errs...)
	t.Steps = append([]TraceStep(nil), r.trace.Steps...)
	t.Evidence = append([]Evidence(nil), r.trace.Evidence...)

	switch result {
	case ResultNoMatch:
		t.Summary = "No matching data found"
	case ResultSuccess:
		t.Summary = fmt.Sprintf("Inferred %d new facts", t.InferredCount)
	default:
		t.Summary = fmt.Sprintf("Errors occurred during reasoning (%d inferred before failure)", t.InferredCount)
	}
	return t
}

// conditionInputs lists the values read by the match and filter stages.
func conditionInputs(rule *Rule) []pattern.Ref {
	steps := append([]pattern.Step(nil), rule.Match...)
	for _, f := range rule.Filters {
		steps = append(steps, f.Steps...)
	}
	return pattern.Inputs(steps)
}
