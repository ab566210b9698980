package store

import (
	"context"
	"fmt"
	"maps"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// predicateLanguage is gval's full language plus jsonpath selectors on "$".
// Ordering comparisons against an unset value are false rather than errors.
var predicateLanguage = gval.NewLanguage(
	gval.Full(),
	jsonpath.Language(),
	nilOrdering("<"),
	nilOrdering("<="),
	nilOrdering(">"),
	nilOrdering(">="),
)

// nilOrdering is consulted only after gval's number and text forms of op
// failed to apply to the operands
func nilOrdering(op string) gval.Language {
	return gval.InfixOperator(op, func(a, b any) (any, error) {
		if a == nil || b == nil {
			return false, nil
		}
		return nil, fmt.Errorf("invalid operation (%T) %s (%T)", a, op, b)
	})
}

// Predicate is a filter expression evaluated against an object's values.
//
// Attribute names are variables; integers, doubles and decimals compare as
// numbers, dates as Unix seconds and UUIDs as strings. objectID holds the
// object's ID. Unset attributes are nil; ordering comparisons with nil do not
// match. Substitution variables bound with With take precedence over
// attributes of the same name.
//
//	store.MustPredicate(`done == false && priority >= min`).With("min", 2)
type Predicate struct {
	expr string
	eval gval.Evaluable
	vars map[string]any
}

// NewPredicate parses a predicate expression
func NewPredicate(expr string) (*Predicate, error) {
	eval, err := predicateLanguage.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate %q: %w", expr, err)
	}
	return &Predicate{expr: expr, eval: eval}, nil
}

// MustPredicate is NewPredicate for expressions known to be valid
func MustPredicate(expr string) *Predicate {
	p, err := NewPredicate(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// With returns a copy of the predicate with a substitution variable bound
func (p *Predicate) With(name string, value any) *Predicate {
	next := &Predicate{expr: p.expr, eval: p.eval, vars: maps.Clone(p.vars)}
	if next.vars == nil {
		next.vars = make(map[string]any)
	}
	next.vars[name] = value
	return next
}

// String returns the source expression
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Evaluate reports whether obj matches. A nil predicate matches everything.
func (p *Predicate) Evaluate(obj *Object) (bool, error) {
	if p == nil {
		return true, nil
	}

	params := obj.predicateParams()
	for k, v := range p.vars {
		params[k] = v
	}

	result, err := p.eval(context.Background(), params)
	if err != nil {
		return false, fmt.Errorf("predicate %q: %w", p.expr, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q: %w (got %T)", p.expr, ErrNotBool, result)
	}
	return matched, nil
}
