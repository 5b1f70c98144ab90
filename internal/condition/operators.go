package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Operator is a comparison used inside an operator-map condition,
// e.g. {"gte": 5} or {"contains": "fail"}.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

func (op Operator) known() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpMatches:
		return true
	}
	return false
}

// toFloat64 accepts the numeric shapes rule JSON and Go literals produce.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// compare applies op to an attribute value and a pre-validated operand.
// A missing attribute (present == false) only satisfies not_in and neq.
func compare(op Operator, left interface{}, present bool, right interface{}, re *regexp.Regexp) bool {
	if !present {
		return op == OpNotIn || op == OpNeq
	}
	switch op {
	case OpEq:
		return equal(left, right)
	case OpNeq:
		return !equal(left, right)
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, left, right)
	case OpIn:
		return member(left, right.([]interface{}))
	case OpNotIn:
		return !member(left, right.([]interface{}))
	case OpContains:
		ls, ok := left.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(ls), strings.ToLower(fmt.Sprintf("%v", right)))
	case OpMatches:
		ls, ok := left.(string)
		return ok && re != nil && re.MatchString(ls)
	}
	return false
}

// equal does deep-ish equality: numeric types are compared by value.
func equal(left, right interface{}) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			return lb == rb
		}
		return false
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func member(v interface{}, set []interface{}) bool {
	for _, s := range set {
		if equal(v, s) {
			return true
		}
	}
	return false
}

func numericCompare(op Operator, left, right interface{}) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return lf > rf
	case OpGte:
		return lf >= rf
	case OpLt:
		return lf < rf
	case OpLte:
		return lf <= rf
	}
	return false
}
