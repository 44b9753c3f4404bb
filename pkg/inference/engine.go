// Package inference runs condition→action rules over the plant graph and
// records every fact it derives.
//
// A Rule is a typed pattern split into MATCH, FILTER and DEDUP stages plus
// an Action describing the nodes and edges to create per candidate. The
// Engine evaluates a rule (Check), materializes it (Apply), runs the whole
// catalog (RunAll) or does either with a full reasoning trace (Trace).
// Every created fact is tagged so the ledger can count it and clear it
// without touching authored data.
//
// Example Usage:
//
//	store := storage.NewMemoryEngine()
//	engine, err := inference.New(store, inference.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	// Preview what a rule would create
//	check, _ := engine.Check(ctx, "maintenance_needed")
//	fmt.Printf("%d candidates\n", check.Count)
//
//	// Create the facts
//	res, _ := engine.Apply(ctx, "maintenance_needed")
//	fmt.Println(res.Message) // "Applied 1 inferences"
//
//	// Running it again creates nothing
//	res, _ = engine.Apply(ctx, "maintenance_needed")
//	fmt.Println(res.NoNewInferences) // true
//
//	// Remove every inferred fact
//	cleared, _ := engine.ClearInferred(ctx)
//	fmt.Println(cleared.Message)
//
// Guarantees:
//
//  1. Idempotence: Apply never creates a fact the rule's dedup stage
//     would have rejected, so a second Apply with no graph change in
//     between creates nothing.
//  2. Preview fidelity: Check and Apply share one evaluation path, so the
//     candidates Check reports are the ones Apply materializes.
//  3. Tagging: every created node carries the Inferred label and
//     isInferred=true; every created edge is AutoGenerated with
//     isInferred=true.
//
// Concurrency: each rule has its own mutex, so Apply and Trace of the same
// rule never interleave while different rules may run in parallel.
// ClearInferred excludes every rule run. RunAll is sequential.
package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/storage"
)

// Config holds inference engine settings.
//
// Example:
//
//	config := inference.DefaultConfig()
//	config.QueryTimeout = 5 * time.Second
//	config.Disabled = []string{"sensor_correlation"}
//	engine, err := inference.New(store, config)
type Config struct {
	// Rules to register; nil means DefaultRules.
	Rules []*Rule
	// Disabled rule ids. An id not in Rules fails New.
	Disabled []string
	// QueryTimeout bounds each rule evaluation. Zero disables it.
	QueryTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default rule set with a 30s query timeout.
func DefaultConfig() *Config {
	return &Config{
		QueryTimeout: 30 * time.Second,
	}
}

// Engine is the inference facade. It is safe for concurrent use.
type Engine struct {
	catalog   *Catalog
	evaluator *Evaluator
	mat       *materializer
	ledger    *ledger
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// runMu is held shared by rule runs and exclusively by ClearInferred.
	runMu sync.RWMutex
	locks map[string]*sync.Mutex
}

// CheckResult is a rule preview.
type CheckResult struct {
	Rule       RuleInfo    `json:"rule"`
	Candidates []Candidate `json:"candidates"`
	Count      int         `json:"count"`
	Truncated  int         `json:"truncated,omitempty"`
}

// Rule run statuses reported by RunAll.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RuleRunSummary is one rule's line in a RunAll result.
type RuleRunSummary struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Status   string `json:"status"`
	Count    int    `json:"count"`
	Message  string `json:"message"`
}

// RunAllResult reports a RunAll call.
type RunAllResult struct {
	Timestamp     time.Time        `json:"timestamp"`
	Results       []RuleRunSummary `json:"results"`
	TotalInferred int              `json:"totalInferred"`
}

// New builds an engine over store. An invalid rule or an unknown disabled
// id is an *apperror.ValidationError.
func New(store storage.Engine, config *Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("inference: nil store")
	}
	if config == nil {
		config = DefaultConfig()
	}
	rules := config.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	catalog, err := NewCatalog(rules...)
	if err != nil {
		return nil, err
	}
	if len(config.Disabled) > 0 {
		if catalog, err = catalog.Without(config.Disabled...); err != nil {
			return nil, err
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		catalog: catalog,
		evaluator: NewEvaluator(store,
			WithQueryTimeout(config.QueryTimeout),
			WithClock(now),
			WithEvaluatorLogger(logger),
			WithEvaluatorMetrics(config.Metrics)),
		mat:     &materializer{store: store, logger: logger, metrics: config.Metrics},
		ledger:  &ledger{store: store, logger: logger, metrics: config.Metrics},
		logger:  logger,
		metrics: config.Metrics,
		now:     now,
		locks:   make(map[string]*sync.Mutex, catalog.Len()),
	}
	for _, r := range catalog.List() {
		e.locks[r.ID] = &sync.Mutex{}
	}
	return e, nil
}

// Catalog returns the registered rules.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// ListRules returns every rule's listing form in catalog order.
func (e *Engine) ListRules() []RuleInfo {
	rules := e.catalog.List()
	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Info())
	}
	return out
}

// Check returns what Apply would create for ruleID, without writing.
func (e *Engine) Check(ctx context.Context, ruleID string) (*CheckResult, error) {
	rule, err := e.catalog.Get(ruleID)
	if err != nil {
		return nil, err
	}
	set, err := e.evaluator.Evaluate(ctx, rule)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		Rule:       rule.Info(),
		Candidates: append([]Candidate{}, set.Candidates...),
		Count:      set.Len(),
		Truncated:  set.Truncated,
	}, nil
}

// Apply evaluates ruleID and materializes every candidate.
//
// The returned error is an *apperror.NotFoundError or *apperror.QueryError;
// per-candidate failures are reported in ApplyResult.Failures and do not
// fail the call.
func (e *Engine) Apply(ctx context.Context, ruleID string) (*ApplyResult, error) {
	rule, err := e.catalog.Get(ruleID)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(rule.ID)
	defer unlock()

	set, err := e.evaluator.Evaluate(ctx, rule)
	if err != nil {
		return nil, err
	}
	res := e.mat.apply(ctx, rule, set, e.now())
	e.logger.Info("rule applied",
		zap.String("rule", rule.ID),
		zap.Int("applied", res.AppliedCount),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// RunAll applies every rule in catalog order, one at a time. A failing rule
// is reported in its summary and does not stop the run.
func (e *Engine) RunAll(ctx context.Context) (*RunAllResult, error) {
	out := &RunAllResult{Timestamp: e.now(), Results: []RuleRunSummary{}}
	for _, rule := range e.catalog.List() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		summary := RuleRunSummary{RuleID: rule.ID, RuleName: rule.Name, Status: StatusSuccess}
		res, err := e.Apply(ctx, rule.ID)
		if err != nil {
			summary.Status = StatusError
			summary.Message = apperror.Public(err)
		} else {
			summary.Count = res.AppliedCount
			summary.Message = res.Message
			out.TotalInferred += res.AppliedCount
		}
		out.Results = append(out.Results, summary)
	}
	e.logger.Info("all rules run", zap.Int("rules", len(out.Results)), zap.Int("inferred", out.TotalInferred))
	return out, nil
}

// Trace applies ruleID and records every stage, the evidence each created
// fact relied on, and the outcome. Evaluation and materialization failures
// are captured in the trace with Result ERROR; only an unknown rule id is
// returned as an error.
func (e *Engine) Trace(ctx context.Context, ruleID string) (ReasoningTrace, error) {
	rule, err := e.catalog.Get(ruleID)
	if err != nil {
		return ReasoningTrace{}, err
	}
	unlock := e.lock(rule.ID)
	defer unlock()

	rec := newTraceRecorder(rule, time.Now())
	set, steps, err := e.evaluator.EvaluateWithTrace(ctx, rule)
	rec.addSteps(steps)
	if err != nil {
		rec.addStep(StageResult, "Evaluation failed", apperror.Public(err), 0, nil)
		return rec.seal(ResultError, nil, []string{err.Error()}), nil
	}
	if set.Len() == 0 {
		rec.addStep(StageResult, "No matching data", "", 0, nil)
		return rec.seal(ResultNoMatch, nil, nil), nil
	}

	res := e.mat.apply(ctx, rule, set, e.now())
	data := make([]map[string]any, 0, min(len(res.Items), maxSamples))
	for i, item := range res.Items {
		rec.collectEvidence(rule, item)
		if i < maxSamples {
			data = append(data, item.Summary)
		}
	}
	rec.addStep(StageInfer, rule.Inference, res.Message, res.AppliedCount, data)

	result := ResultSuccess
	if len(res.Failures) > 0 {
		result = ResultError
	}
	rec.addStep(StageResult, res.Message, "", res.AppliedCount, nil)
	return rec.seal(result, res.Items, res.Errors), nil
}

// Stats counts tagged facts.
func (e *Engine) Stats(ctx context.Context) (LedgerStats, error) {
	return e.ledger.stats(ctx)
}

// InferredFacts lists the newest tagged nodes and edges, limit of each.
func (e *Engine) InferredFacts(ctx context.Context, limit int) (InferredFacts, error) {
	return e.ledger.facts(ctx, limit)
}

// ClearInferred deletes every tagged fact. It waits for running rules to
// finish and blocks new ones until done.
//
// An authored relationship attached to an inferred node cannot outlive
// it: it is removed too, counted in DetachedRelationships rather than
// DeletedRelationships, and logged at Warn level. Authored nodes and
// relationships between authored nodes are never touched.
//
// On error the result still counts what was removed before the failure.
func (e *Engine) ClearInferred(ctx context.Context) (ClearResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.ledger.clear(ctx)
}

func (e *Engine) lock(ruleID string) func() {
	e.runMu.RLock()
	mu := e.locks[ruleID]
	mu.Lock()
	return func() {
		mu.Unlock()
		e.runMu.RUnlock()
	}
}
