// Package rules evaluates metric conditions against metric records.
package rules

import (
	"math"
	"strings"
)

type Operator int

const (
	OpUnknown Operator = iota
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpLessThan
	OpGreaterOrEqual
	OpLessOrEqual
)

var operatorNames = map[string]Operator{
	"equals":           OpEquals,
	"=":                OpEquals,
	"==":               OpEquals,
	"not_equals":       OpNotEquals,
	"!=":               OpNotEquals,
	"greater_than":     OpGreaterThan,
	">":                OpGreaterThan,
	"less_than":        OpLessThan,
	"<":                OpLessThan,
	"greater_or_equal": OpGreaterOrEqual,
	">=":               OpGreaterOrEqual,
	"less_or_equal":    OpLessOrEqual,
	"<=":               OpLessOrEqual,
}

// ParseOperator maps stored operator strings to the closed set. Anything
// unrecognised becomes OpUnknown, which never matches.
func ParseOperator(s string) Operator {
	if op, ok := operatorNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op
	}
	return OpUnknown
}

func (o Operator) String() string {
	switch o {
	case OpEquals:
		return "equals"
	case OpNotEquals:
		return "not_equals"
	case OpGreaterThan:
		return "greater_than"
	case OpLessThan:
		return "less_than"
	case OpGreaterOrEqual:
		return "greater_or_equal"
	case OpLessOrEqual:
		return "less_or_equal"
	}
	return "unknown"
}

// Compare applies op to actual and threshold. An infinite actual value only
// satisfies not_equals.
func Compare(actual float64, op Operator, threshold float64) bool {
	if math.IsNaN(actual) {
		return false
	}
	if math.IsInf(actual, 0) {
		return op == OpNotEquals
	}

	switch op {
	case OpEquals:
		return actual == threshold
	case OpNotEquals:
		return actual != threshold
	case OpGreaterThan:
		return actual > threshold
	case OpLessThan:
		return actual < threshold
	case OpGreaterOrEqual:
		return actual >= threshold
	case OpLessOrEqual:
		return actual <= threshold
	default:
		return false
	}
}
