package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Lookup resolves a parameter name to its value.
type Lookup interface {
	Lookup(name string) (string, bool)
}

// Params is a Lookup backed by a map.
type Params map[string]string

// Lookup implements Lookup.
func (p Params) Lookup(name string) (string, bool) {
	v, ok := p[name]
	return v, ok
}

// Op is a predicate operation.
type Op string

const (
	OpMatches        Op = "matches"
	OpDoesNotMatch   Op = "doesNotMatch"
	OpEquals         Op = "equals"
	OpDoesNotEqual   Op = "doesNotEqual"
	OpContains       Op = "contains"
	OpDoesNotContain Op = "doesNotContain"
	OpExists         Op = "exists"
	OpDoesNotExist   Op = "doesNotExist"
	OpExpr           Op = "expr"

	OpMore        Op = "MORE"
	OpMoreOrEqual Op = "MORE_OR_EQUAL"
	OpLess        Op = "LESS"
	OpLessOrEqual Op = "LESS_OR_EQUAL"
	OpEqual       Op = "EQUAL"
	OpNotEqual    Op = "NOT_EQUAL"
)

// Unit says how numeric predicate operands are parsed.
type Unit string

const (
	UnitDefault Unit = "default"
	UnitBytes   Unit = "bytes"
	UnitMillis  Unit = "ms"
	UnitCount   Unit = "count"
)

// Predicate is a condition over parameters. Step run-conditions, agent
// requirements, trigger conditions and failure conditions all evaluate
// through it.
type Predicate struct {
	Param string
	Op    Op
	Value string
	Unit  Unit

	re      *regexp.Regexp
	program *vm.Program
	number  float64
}

// NewPredicate validates and compiles a predicate.
func NewPredicate(param string, op Op, value string, unit Unit) (Predicate, error) {
	p := Predicate{Param: param, Op: op, Value: value, Unit: unit}
	if p.Unit == "" {
		p.Unit = UnitDefault
	}

	switch op {
	case OpMatches, OpDoesNotMatch:
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return p, fmt.Errorf("bad regular expression %q: %w", value, err)
		}
		p.re = re
	case OpEquals, OpDoesNotEqual, OpContains, OpDoesNotContain:
	case OpExists, OpDoesNotExist:
	case OpExpr:
		program, err := expr.Compile(value, expr.Env(exprEnv{}), expr.AsBool())
		if err != nil {
			return p, fmt.Errorf("bad expression %q: %w", value, err)
		}
		p.program = program
	case OpMore, OpMoreOrEqual, OpLess, OpLessOrEqual, OpEqual, OpNotEqual:
		n, err := ParseQuantity(value, p.Unit)
		if err != nil {
			return p, err
		}
		p.number = n
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}

	if op != OpExpr && param == "" {
		return p, fmt.Errorf("predicate %q needs a param", op)
	}

	return p, nil
}

// MustPredicate is NewPredicate that panics. It's meant for tests and
// statically known predicates.
func MustPredicate(param string, op Op, value string) Predicate {
	p, err := NewPredicate(param, op, value, UnitDefault)
	if err != nil {
		panic(err)
	}

	return p
}

type exprEnv struct {
	Params map[string]string `expr:"params"`
}

// Eval evaluates the predicate against the parameters in l.
func (p Predicate) Eval(l Lookup) (bool, error) {
	if p.Op == OpExpr {
		env := exprEnv{Params: map[string]string{}}
		if m, ok := l.(Params); ok {
			env.Params = m
		} else if lister, ok := l.(interface{ All() map[string]string }); ok {
			env.Params = lister.All()
		}

		out, err := expr.Run(p.program, env)
		if err != nil {
			return false, fmt.Errorf("evaluating %q: %w", p.Value, err)
		}

		return out.(bool), nil
	}

	v, ok := l.Lookup(p.Param)

	switch p.Op {
	case OpExists:
		return ok, nil
	case OpDoesNotExist:
		return !ok, nil
	case OpMatches:
		return ok && p.re.MatchString(v), nil
	case OpDoesNotMatch:
		return !ok || !p.re.MatchString(v), nil
	case OpEquals:
		return ok && v == p.Value, nil
	case OpDoesNotEqual:
		return !ok || v != p.Value, nil
	case OpContains:
		return ok && strings.Contains(v, p.Value), nil
	case OpDoesNotContain:
		return !ok || !strings.Contains(v, p.Value), nil
	}

	// numeric comparisons
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnresolved, p.Param)
	}

	n, err := ParseQuantity(v, p.Unit)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", p.Param, err)
	}

	switch p.Op {
	case OpMore:
		return n > p.number, nil
	case OpMoreOrEqual:
		return n >= p.number, nil
	case OpLess:
		return n < p.number, nil
	case OpLessOrEqual:
		return n <= p.number, nil
	case OpEqual:
		return n == p.number, nil
	case OpNotEqual:
		return n != p.number, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOp, p.Op)
}

// String renders the predicate for logs.
func (p Predicate) String() string {
	switch p.Op {
	case OpExpr:
		return p.Value
	case OpExists, OpDoesNotExist:
		return fmt.Sprintf("%s(%s)", p.Op, p.Param)
	}

	return fmt.Sprintf("%s(%s, %q)", p.Op, p.Param, p.Value)
}

// All evaluates every predicate and reports whether all of them hold. The
// first predicate that fails to evaluate stops the check.
func All(preds []Predicate, l Lookup) (bool, error) {
	for _, p := range preds {
		ok, err := p.Eval(l)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// ParseQuantity parses a numeric operand. Byte units accept sizes like
// "3MB" or "512 KiB".
func ParseQuantity(s string, unit Unit) (float64, error) {
	s = strings.TrimSpace(s)
	if unit == UnitBytes {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("bad byte size %q: %w", s, err)
		}

		return float64(n), nil
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// thresholds written with a size suffix still parse in default units
		if b, berr := humanize.ParseBytes(s); berr == nil {
			return float64(b), nil
		}

		return 0, fmt.Errorf("bad number %q: %w", s, err)
	}

	return n, nil
}
