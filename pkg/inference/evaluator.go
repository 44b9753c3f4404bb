package inference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/pattern"
)

// Stage names a step of an evaluation or a trace.
type Stage string

// Trace stages. MATCH, FILTER and DEDUP come from evaluation; INFER and
// RESULT are added by the trace recorder.
const (
	StageMatch  Stage = "MATCH"
	StageFilter Stage = "FILTER"
	StageDedup  Stage = "DEDUP"
	StageInfer  Stage = "INFER"
	StageResult Stage = "RESULT"
)

// maxSamples bounds SampleData per trace step.
const maxSamples = 5

// TraceStep records one stage of an evaluation: what ran and how many
// bindings survived it.
type TraceStep struct {
	StepNumber  int              `json:"stepNumber"`
	Stage       Stage            `json:"type"`
	Description string           `json:"description"`
	Detail      string           `json:"descriptionDetail,omitempty"`
	Query       string           `json:"query,omitempty"`
	ResultCount int              `json:"dataCount"`
	SampleData  []map[string]any `json:"data,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// CandidateSet is the result of evaluating one rule.
type CandidateSet struct {
	RuleID      string      `json:"ruleId"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
	Candidates  []Candidate `json:"candidates"`
	// Truncated counts candidates dropped by the rule limit.
	Truncated int `json:"truncated,omitempty"`
}

// Len returns the number of candidates.
func (s CandidateSet) Len() int {
	return len(s.Candidates)
}

// Evaluator runs rule conditions against a store. It never writes.
type Evaluator struct {
	src     pattern.Source
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithQueryTimeout bounds each evaluation. Zero disables the bound.
func WithQueryTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) { e.timeout = d }
}

// WithClock sets the time source used for Within conditions.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(l *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEvaluatorMetrics sets the metrics sink.
func WithEvaluatorMetrics(m *metrics.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator returns an evaluator over src.
func NewEvaluator(src pattern.Source, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		src:    src,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the candidates rule would act on right now.
func (e *Evaluator) Evaluate(ctx context.Context, rule *Rule) (CandidateSet, error) {
	set, _, err := e.EvaluateWithTrace(ctx, rule)
	return set, err
}

// EvaluateWithTrace is Evaluate plus one TraceStep per stage.
//
// Stages run in order: MATCH, one FILTER per rule filter, then DEDUP with
// the rule limit applied to its output. Evaluation stops at the first
// stage that leaves no bindings; the returned steps end with that stage.
//
// Any failure, including the query timeout, is an *apperror.QueryError
// naming the stage, and the returned set is empty. The steps recorded
// before the failure are still returned.
func (e *Evaluator) EvaluateWithTrace(ctx context.Context, rule *Rule) (CandidateSet, []TraceStep, error) {
	start := time.Now()
	now := e.now()
	set := CandidateSet{RuleID: rule.ID, EvaluatedAt: now}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	m := &pattern.Matcher{Source: e.src, Now: now}
	var steps []TraceStep
	record := func(stage Stage, description, detail string, query []pattern.Step, bindings []pattern.Binding) {
		steps = append(steps, TraceStep{
			StepNumber:  len(steps) + 1,
			Stage:       stage,
			Description: description,
			Detail:      detail,
			Query:       pattern.Describe(query),
			ResultCount: len(bindings),
			SampleData:  samples(rule.Preview, bindings),
			Timestamp:   time.Now(),
		})
	}
	fail := func(stage string, err error) (CandidateSet, []TraceStep, error) {
		qe := apperror.NewQueryError(rule.ID, stage, err)
		e.logger.Warn("rule evaluation failed",
			zap.String("rule", rule.ID),
			zap.String("stage", stage),
			zap.Bool("timeout", qe.Timeout),
			zap.Error(err))
		e.metrics.ObserveEvaluation(rule.ID, metrics.OutcomeError, time.Since(start))
		return CandidateSet{RuleID: rule.ID, EvaluatedAt: now}, steps, qe
	}
	empty := func() (CandidateSet, []TraceStep, error) {
		e.metrics.ObserveEvaluation(rule.ID, metrics.OutcomeEmpty, time.Since(start))
		return set, steps, nil
	}

	bindings, err := m.Match(ctx, rule.Match)
	if err != nil {
		return fail(string(StageMatch), err)
	}
	record(StageMatch, firstNonEmpty(rule.MatchDescription, "Match candidates"), "", rule.Match, bindings)
	if len(bindings) == 0 {
		return empty()
	}

	for i, f := range rule.Filters {
		bindings, err = m.Extend(ctx, f.Steps, bindings)
		if err != nil {
			return fail(fmt.Sprintf("%s[%d]", StageFilter, i+1), err)
		}
		record(StageFilter, firstNonEmpty(f.Description, fmt.Sprintf("Filter %d", i+1)), "", f.Steps, bindings)
		if len(bindings) == 0 {
			return empty()
		}
	}

	bindings, err = m.Extend(ctx, rule.Dedup, bindings)
	if err != nil {
		return fail(string(StageDedup), err)
	}
	var detail string
	if rule.Limit > 0 && len(bindings) > rule.Limit {
		set.Truncated = len(bindings) - rule.Limit
		detail = fmt.Sprintf("%d new candidates, limited to %d", len(bindings), rule.Limit)
		bindings = bindings[:rule.Limit]
	}
	record(StageDedup, firstNonEmpty(rule.DedupDescription, "Skip facts that already exist"), detail, rule.Dedup, bindings)
	if len(bindings) == 0 {
		return empty()
	}

	set.Candidates = make([]Candidate, 0, len(bindings))
	for _, b := range bindings {
		set.Candidates = append(set.Candidates, Candidate{
			Binding: b,
			Key:     inferenceKey(rule.ID, b),
			Summary: summarize(rule.Preview, b),
		})
	}

	e.logger.Debug("rule evaluated",
		zap.String("rule", rule.ID),
		zap.Int("candidates", len(set.Candidates)),
		zap.Int("truncated", set.Truncated),
		zap.Duration("elapsed", time.Since(start)))
	e.metrics.ObserveEvaluation(rule.ID, metrics.OutcomeCandidates, time.Since(start))
	return set, steps, nil
}

func samples(cols []Column, bindings []pattern.Binding) []map[string]any {
	n := min(len(bindings), maxSamples)
	if n == 0 {
		return nil
	}
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = summarize(cols, bindings[i])
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
