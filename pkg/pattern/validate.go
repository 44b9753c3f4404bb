package pattern

import (
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/upwreason/pkg/convert"
)

// Scope is the set of variables bound at some point in a pattern.
type Scope map[string]bool

// NewScope returns a scope with vars already bound.
func NewScope(vars ...string) Scope {
	s := make(Scope, len(vars))
	for _, v := range vars {
		s[v] = true
	}
	return s
}

// Validate checks steps in order and extends s with every variable they
// bind. It rejects unknown variables, rebinding, empty labels or types
// where one is required, unknown operators and bad regular expressions.
func (s Scope) Validate(steps []Step) error {
	for i, step := range steps {
		if step == nil {
			return fmt.Errorf("%w: step %d is nil", ErrInvalidPattern, i)
		}
		if err := step.validate(s); err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrInvalidPattern, i, step.Describe(), err)
		}
	}
	return nil
}

// Clone returns a copy of s.
func (s Scope) Clone() Scope {
	c := make(Scope, len(s)+1)
	for k := range s {
		c[k] = true
	}
	return c
}

// Validate checks a pattern that starts from an empty binding.
func Validate(steps []Step) error {
	return NewScope().Validate(steps)
}

func (s Scope) require(v string) error {
	if v == "" {
		return errors.New("empty variable name")
	}
	if !s[v] {
		return fmt.Errorf("unknown variable %q", v)
	}
	return nil
}

func (s Scope) define(v string) error {
	if v == "" {
		return errors.New("empty variable name")
	}
	if s[v] {
		return fmt.Errorf("variable %q already bound", v)
	}
	s[v] = true
	return nil
}

func (s Scope) checkConds(conds []Cond) error {
	for _, c := range conds {
		if err := s.checkCond(c); err != nil {
			return err
		}
	}
	return nil
}

func (s Scope) checkCond(c Cond) error {
	if err := s.require(c.Var); err != nil {
		return err
	}
	if r, ok := c.Value.(Ref); ok {
		if err := s.require(r.Var); err != nil {
			return err
		}
	}

	switch c.Op {
	case Eq, Ne, Lt, Lte, Gt, Gte, Contains, Exists, Missing:
		return nil
	case In, NotIn:
		if _, isRef := c.Value.(Ref); isRef {
			return nil
		}
		if _, ok := convert.ToSlice(c.Value); !ok {
			return fmt.Errorf("%s needs a list value, got %T", c.Op, c.Value)
		}
	case Matches:
		expr, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("=~ needs a string pattern, got %T", c.Value)
		}
		if _, err := compileRegex(expr); err != nil {
			return fmt.Errorf("bad regular expression: %w", err)
		}
	case Within:
		if d, ok := c.Value.(time.Duration); !ok || d <= 0 {
			return fmt.Errorf("WITHIN needs a positive time.Duration, got %v", c.Value)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Op)
	}
	return nil
}

func (st Scan) validate(s Scope) error {
	if st.Label == "" {
		return errors.New("scan needs a label")
	}
	return s.define(st.Var)
}

func (st Traverse) validate(s Scope) error {
	if err := s.require(st.From); err != nil {
		return err
	}
	if st.To == "" {
		return errors.New("traverse needs a target variable")
	}
	if !s[st.To] {
		s[st.To] = true
	}
	if st.EdgeVar != "" {
		return s.define(st.EdgeVar)
	}
	return nil
}

func (st Where) validate(s Scope) error {
	if len(st) == 0 {
		return errors.New("empty WHERE")
	}
	return s.checkConds(st)
}

func (st AnyOf) validate(s Scope) error {
	if len(st) == 0 {
		return errors.New("empty disjunction")
	}
	for _, branch := range st {
		if len(branch) == 0 {
			return errors.New("empty disjunction branch")
		}
		if err := s.checkConds(branch); err != nil {
			return err
		}
	}
	return nil
}

func (st NotExists) validate(s Scope) error {
	if err := s.require(st.From); err != nil {
		return err
	}
	if st.Type == "" && st.ToLabel == "" {
		return errors.New("NOT EXISTS needs an edge type or a label")
	}
	if st.To != "" {
		if err := s.require(st.To); err != nil {
			return err
		}
	}
	local := s.Clone()
	if st.As != "" {
		if err := local.define(st.As); err != nil {
			return err
		}
	} else if len(st.Where) > 0 {
		return errors.New("NOT EXISTS with conditions needs As")
	}
	return local.checkConds(st.Where)
}

func (st Aggregate) validate(s Scope) error {
	if err := s.require(st.Var); err != nil {
		return err
	}
	switch st.Func {
	case Count:
	case Avg, Sum, Min, Max, First, Last:
		if st.Property == "" {
			return fmt.Errorf("%s needs a property", st.Func)
		}
	default:
		return fmt.Errorf("unknown aggregate %q", st.Func)
	}
	local := s.Clone()
	if err := local.define(st.As); err != nil {
		return fmt.Errorf("neighbor variable: %w", err)
	}
	if err := local.checkConds(st.Where); err != nil {
		return err
	}
	if st.MinCount < 0 {
		return errors.New("negative MinCount")
	}
	return s.define(st.Into)
}

func (st Compare) validate(s Scope) error {
	if err := s.require(st.Left.Var); err != nil {
		return err
	}
	if err := s.require(st.Right.Var); err != nil {
		return err
	}
	switch st.Op {
	case Eq, Ne, Lt, Lte, Gt, Gte:
		return nil
	}
	return fmt.Errorf("compare does not support %q", st.Op)
}

func (st Different) validate(s Scope) error {
	if err := s.require(st.A); err != nil {
		return err
	}
	return s.require(st.B)
}

func (st Distinct) validate(s Scope) error {
	if len(st) == 0 {
		return errors.New("empty DISTINCT")
	}
	for _, v := range st {
		if err := s.require(v); err != nil {
			return err
		}
	}
	return nil
}

func (st OrderBy) validate(s Scope) error {
	return s.require(st.Var)
}

func (st Reachable) validate(s Scope) error {
	if err := s.require(st.From); err != nil {
		return err
	}
	if err := s.require(st.To); err != nil {
		return err
	}
	if st.Type == "" {
		return errors.New("reachable needs an edge type")
	}
	lo, hi := st.hops()
	if lo > hi {
		return fmt.Errorf("hop range %d..%d is empty", lo, hi)
	}
	return nil
}
