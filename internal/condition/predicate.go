package condition

import (
	"fmt"
	"regexp"
	"sort"
)

// Attributes provides event data for predicate matching.
type Attributes interface {
	Lookup(key string) (interface{}, bool)
}

type clauseKind int

const (
	clauseScalar clauseKind = iota // attribute == value
	clauseList                     // attribute ∈ values
	clauseOps                      // every operator test holds
)

type opTest struct {
	op      Operator
	operand interface{}
	re      *regexp.Regexp
}

type clause struct {
	key    string
	kind   clauseKind
	value  interface{}
	values []interface{}
	ops    []opTest
}

// Predicate is a compiled rule condition. It matches when every clause is
// satisfied; an empty predicate matches everything.
type Predicate struct {
	clauses []clause
}

// Compile validates a condition map and pre-compiles it. Regexes are compiled
// once here; no parsing happens at match time.
func Compile(conds map[string]interface{}) (*Predicate, error) {
	keys := make([]string, 0, len(conds))
	for k := range conds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := &Predicate{clauses: make([]clause, 0, len(keys))}
	for _, k := range keys {
		c, err := compileClause(k, conds[k])
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", k, err)
		}
		p.clauses = append(p.clauses, c)
	}
	return p, nil
}

func compileClause(key string, v interface{}) (clause, error) {
	switch val := v.(type) {
	case []interface{}:
		return clause{key: key, kind: clauseList, values: val}, nil
	case []string:
		vs := make([]interface{}, len(val))
		for i, s := range val {
			vs[i] = s
		}
		return clause{key: key, kind: clauseList, values: vs}, nil
	case map[string]interface{}:
		c := clause{key: key, kind: clauseOps}
		ops := make([]string, 0, len(val))
		for op := range val {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, name := range ops {
			t, err := compileOp(Operator(name), val[name])
			if err != nil {
				return clause{}, err
			}
			c.ops = append(c.ops, t)
		}
		return c, nil
	default:
		return clause{key: key, kind: clauseScalar, value: v}, nil
	}
}

func compileOp(op Operator, operand interface{}) (opTest, error) {
	if !op.known() {
		return opTest{}, fmt.Errorf("unknown operator %q", op)
	}
	t := opTest{op: op, operand: operand}
	switch op {
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toFloat64(operand); !ok {
			return opTest{}, fmt.Errorf("operator %s requires a number, got %T", op, operand)
		}
	case OpIn, OpNotIn:
		list, ok := operand.([]interface{})
		if !ok {
			return opTest{}, fmt.Errorf("operator %s requires a list, got %T", op, operand)
		}
		t.operand = list
	case OpMatches:
		pattern, ok := operand.(string)
		if !ok {
			return opTest{}, fmt.Errorf("operator matches requires a string pattern, got %T", operand)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return opTest{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		t.re = re
	}
	return t, nil
}

// Match evaluates the predicate against attrs.
func (p *Predicate) Match(attrs Attributes) bool {
	for _, c := range p.clauses {
		v, ok := attrs.Lookup(c.key)
		switch c.kind {
		case clauseScalar:
			if !ok || !equal(v, c.value) {
				return false
			}
		case clauseList:
			if !ok || !member(v, c.values) {
				return false
			}
		case clauseOps:
			for _, t := range c.ops {
				if !compare(t.op, v, ok, t.operand, t.re) {
					return false
				}
			}
		}
	}
	return true
}

// Len returns the number of clauses.
func (p *Predicate) Len() int { return len(p.clauses) }
