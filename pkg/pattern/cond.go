package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/upwreason/pkg/convert"
)

// Op is a comparison operator in a Cond.
type Op string

// Supported operators.
const (
	Eq       Op = "="
	Ne       Op = "<>"
	Lt       Op = "<"
	Lte      Op = "<="
	Gt       Op = ">"
	Gte      Op = ">="
	In       Op = "IN"
	NotIn    Op = "NOT IN"
	Exists   Op = "IS NOT NULL"
	Missing  Op = "IS NULL"
	Contains Op = "CONTAINS"
	Matches  Op = "=~"
	// Within holds when a time property is later than Now minus the
	// time.Duration in Value.
	Within Op = "WITHIN"
)

// Cond is a single property predicate.
//
// Value is a literal, a Ref to another bound value, a slice for In and
// NotIn, a regular expression string for Matches, or a time.Duration for
// Within.
type Cond struct {
	Var      string
	Property string
	Op       Op
	Value    any
}

func (c Cond) String() string {
	left := Ref{Var: c.Var, Property: c.Property}.String()
	switch c.Op {
	case Exists, Missing:
		return left + " " + string(c.Op)
	case Within:
		return fmt.Sprintf("%s > now() - %v", left, c.Value)
	}
	if r, ok := c.Value.(Ref); ok {
		return fmt.Sprintf("%s %s %s", left, c.Op, r)
	}
	if s, ok := c.Value.(string); ok {
		return fmt.Sprintf("%s %s '%s'", left, c.Op, s)
	}
	return fmt.Sprintf("%s %s %v", left, c.Op, c.Value)
}

// Ref returns the left-hand reference of the condition.
func (c Cond) Ref() Ref {
	return Ref{Var: c.Var, Property: c.Property}
}

// Eval reports whether the condition holds for b at time now.
func (c Cond) Eval(b Binding, now time.Time) bool {
	left, present := b.Lookup(c.Ref())

	switch c.Op {
	case Exists:
		return present
	case Missing:
		return !present
	}
	if !present {
		return false
	}

	right := c.Value
	if r, ok := right.(Ref); ok {
		v, ok := b.Lookup(r)
		if !ok {
			return false
		}
		right = v
	}

	switch c.Op {
	case Eq, Ne, Lt, Lte, Gt, Gte:
		return compareOp(c.Op, left, right)
	case In, NotIn:
		list, ok := convert.ToSlice(right)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if convert.Equal(left, item) {
				found = true
				break
			}
		}
		return found == (c.Op == In)
	case Contains:
		return strings.Contains(convert.ToString(left), convert.ToString(right))
	case Matches:
		re, err := compileRegex(convert.ToString(right))
		if err != nil {
			return false
		}
		return re.MatchString(convert.ToString(left))
	case Within:
		d, ok := right.(time.Duration)
		if !ok {
			return false
		}
		t, ok := convert.ToTime(left)
		return ok && t.After(now.Add(-d))
	}
	return false
}

// compareOp applies one of the six comparison operators. Values that do
// not compare (different kinds, nil) yield false for every operator except
// Ne.
func compareOp(op Op, left, right any) bool {
	switch op {
	case Eq:
		return convert.Equal(left, right)
	case Ne:
		return !convert.Equal(left, right)
	}
	cmp, ok := convert.Compare(left, right)
	if !ok {
		return false
	}
	switch op {
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	}
	return false
}

// evalAll reports whether every condition holds.
func evalAll(conds []Cond, b Binding, now time.Time) bool {
	for _, c := range conds {
		if !c.Eval(b, now) {
			return false
		}
	}
	return true
}

var regexCache sync.Map // string -> *regexp.Regexp

func compileRegex(expr string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Store(expr, re)
	return re, nil
}
