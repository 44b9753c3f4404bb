package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/upwreason/pkg/apperror"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/pattern"
	"github.com/orneryd/upwreason/pkg/storage"
)

const (
	kindAxiom      = "axiom"
	kindConstraint = "constraint"
)

// Config holds validator settings.
//
// Example:
//
//	config := validation.DefaultConfig()
//	config.Concurrency = 8
//	v, err := validation.New(store, config)
type Config struct {
	// Axioms and Constraints to register; nil means the defaults.
	Axioms      []*Check
	Constraints []*Check
	// Concurrency bounds the checks an aggregate run executes at once.
	Concurrency int
	// QueryTimeout bounds each check. Zero disables it.
	QueryTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default catalogs, four concurrent checks and
// a 30s query timeout.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		QueryTimeout: 30 * time.Second,
	}
}

// Validator runs axioms and constraints against a store. It never writes
// and is safe for concurrent use.
type Validator struct {
	store       storage.Engine
	axioms      *registry
	constraints *registry
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// registry is an ordered, id-indexed list of checks.
type registry struct {
	kind   string
	checks []*Check
	byID   map[string]*Check
}

func newRegistry(kind string, checks []*Check) (*registry, error) {
	r := &registry{kind: kind, byID: make(map[string]*Check, len(checks))}
	for i, c := range checks {
		if c == nil {
			return nil, apperror.NewValidationError(kind, "", "", "nil definition")
		}
		if c.ID == "" {
			return nil, apperror.NewValidationError(kind, "", "id", "empty id")
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, apperror.NewValidationError(kind, c.ID, "id", "duplicate id")
		}
		if c.Name == "" {
			return nil, apperror.NewValidationError(kind, c.ID, "name", "empty name")
		}
		if c.Limit < 0 {
			return nil, apperror.NewValidationError(kind, c.ID, "limit", "negative limit")
		}
		switch c.Severity {
		case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return nil, apperror.NewValidationError(kind, c.ID, "severity", "unknown severity "+string(c.Severity))
		}
		if c.Definition == nil {
			return nil, apperror.NewValidationError(kind, c.ID, "definition", "missing definition")
		}
		if err := c.Definition.validate(); err != nil {
			return nil, apperror.NewValidationError(kind, c.ID, "definition", err.Error())
		}
		r.checks = append(r.checks, checks[i])
		r.byID[c.ID] = c
	}
	return r, nil
}

func (r *registry) get(id string) (*Check, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, apperror.NewNotFound(r.kind, id)
	}
	return c, nil
}

func (r *registry) infos() []CheckInfo {
	out := make([]CheckInfo, 0, len(r.checks))
	for _, c := range r.checks {
		out = append(out, c.Info())
	}
	return out
}

// New builds a validator over store. A malformed definition is an
// *apperror.ValidationError.
func New(store storage.Engine, config *Config) (*Validator, error) {
	if store == nil {
		return nil, errors.New("validation: nil store")
	}
	if config == nil {
		config = DefaultConfig()
	}
	axioms := config.Axioms
	if axioms == nil {
		axioms = DefaultAxioms()
	}
	constraints := config.Constraints
	if constraints == nil {
		constraints = DefaultConstraints()
	}

	ar, err := newRegistry(kindAxiom, axioms)
	if err != nil {
		return nil, err
	}
	cr, err := newRegistry(kindConstraint, constraints)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		store:       store,
		axioms:      ar,
		constraints: cr,
		concurrency: config.Concurrency,
		timeout:     config.QueryTimeout,
		logger:      config.Logger,
		metrics:     config.Metrics,
		now:         config.Now,
	}
	if v.concurrency < 1 {
		v.concurrency = 1
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// ListAxioms returns every axiom in catalog order.
func (v *Validator) ListAxioms() []CheckInfo { return v.axioms.infos() }

// ListConstraints returns every constraint in catalog order.
func (v *Validator) ListConstraints() []CheckInfo { return v.constraints.infos() }

// CheckAxiom runs one axiom. An unknown id is an *apperror.NotFoundError;
// a failed query is an *apperror.QueryError.
func (v *Validator) CheckAxiom(ctx context.Context, id string) (CheckResult, error) {
	c, err := v.axioms.get(id)
	if err != nil {
		return CheckResult{}, err
	}
	return v.run(ctx, v.axioms.kind, c)
}

// ValidateConstraint runs one constraint. Errors are as for CheckAxiom.
func (v *Validator) ValidateConstraint(ctx context.Context, id string) (CheckResult, error) {
	c, err := v.constraints.get(id)
	if err != nil {
		return CheckResult{}, err
	}
	return v.run(ctx, v.constraints.kind, c)
}

// CheckAllAxioms runs every axiom.
func (v *Validator) CheckAllAxioms(ctx context.Context) (AggregateResult, error) {
	return v.runAll(ctx, v.axioms)
}

// ValidateAllConstraints runs every constraint.
func (v *Validator) ValidateAllConstraints(ctx context.Context) (AggregateResult, error) {
	return v.runAll(ctx, v.constraints)
}

func (v *Validator) run(ctx context.Context, kind string, c *Check) (CheckResult, error) {
	checkedAt := v.now()
	res := CheckResult{
		ID:        c.ID,
		Name:      c.Name,
		Kind:      c.Definition.Kind(),
		Severity:  c.Severity,
		CheckedAt: checkedAt,
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	e := &env{
		store:   v.store,
		matcher: &pattern.Matcher{Source: v.store, Now: checkedAt},
		now:     checkedAt,
	}

	violations, err := c.Definition.violations(ctx, e)
	if err != nil {
		v.metrics.CheckFailed(kind, c.ID)
		v.logger.Warn("check failed",
			zap.String("kind", kind),
			zap.String("id", c.ID),
			zap.Error(err))
		return res, apperror.NewQueryError(c.ID, string(res.Kind), err)
	}

	sortViolations(violations)
	res.ViolationCount = len(violations)
	res.Passed = len(violations) == 0
	if c.Limit > 0 && len(violations) > c.Limit {
		violations = violations[:c.Limit]
	}
	if violations == nil {
		violations = []Violation{}
	}
	res.Violations = violations

	v.metrics.SetViolations(kind, c.ID, res.ViolationCount)
	v.logger.Debug("check completed",
		zap.String("kind", kind),
		zap.String("id", c.ID),
		zap.Int("violations", res.ViolationCount))
	return res, nil
}

// sortViolations orders by subject, then description, then details, so a
// check reports the same list whatever order the store scans in.
func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		if a.Description != b.Description {
			return a.Description < b.Description
		}
		return fmt.Sprint(a.Details) < fmt.Sprint(b.Details)
	})
}

// runAll runs every check of r, at most v.concurrency at a time. A check
// that fails is reported in its result and does not stop the others; only
// cancellation of ctx is returned as an error, alongside the results
// gathered so far.
func (v *Validator) runAll(ctx context.Context, r *registry) (AggregateResult, error) {
	results := make([]CheckResult, len(r.checks))
	done := make([]bool, len(r.checks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, c := range r.checks {
		i, c := i, c
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := v.run(gctx, r.kind, c)
			if err != nil {
				res.Passed = false
				res.Error = apperror.Public(err)
				res.Violations = []Violation{}
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	agg := AggregateResult{CheckedAt: v.now(), Results: make([]CheckResult, 0, len(results))}
	for i, res := range results {
		if !done[i] {
			continue
		}
		agg.Results = append(agg.Results, res)
		agg.Total++
		if res.Passed {
			agg.Passed++
		} else {
			agg.Failed++
		}
		agg.TotalViolations += res.ViolationCount
	}

	v.logger.Info("validation run completed",
		zap.String("kind", r.kind),
		zap.Int("total", agg.Total),
		zap.Int("failed", agg.Failed),
		zap.Int("violations", agg.TotalViolations))

	if err := ctx.Err(); err != nil {
		return agg, err
	}
	return agg, nil
}
