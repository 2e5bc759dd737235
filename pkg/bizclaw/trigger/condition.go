// Package trigger – condition.go evaluates the small comparison language
// used by CONDITION triggers. A malformed expression or missing value never
// fires: failing closed beats acting on garbage.
package trigger

import (
	"strconv"
	"strings"
)

// conditionOps in match order. Two-character operators first so "<=" is not
// read as "<" followed by a stray "=".
var conditionOps = []string{"<=", ">=", "==", "!=", "<", ">", "contains", "startsWith", "endsWith"}

// EvaluateCondition evaluates an expression like "value <= 100" or
// "status == error" against the probed value. The left operand must be the
// word "value". Numeric comparison is used when both sides parse as
// numbers; string comparison otherwise. Returns false on any malformation.
func EvaluateCondition(expr, value string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	fields := strings.Fields(expr)
	if len(fields) < 3 || fields[0] != "value" {
		return false
	}
	op := fields[1]
	operand := strings.Join(fields[2:], " ")

	valid := false
	for _, known := range conditionOps {
		if op == known {
			valid = true
			break
		}
	}
	if !valid {
		return false
	}

	switch op {
	case "contains":
		return strings.Contains(value, operand)
	case "startsWith":
		return strings.HasPrefix(value, operand)
	case "endsWith":
		return strings.HasSuffix(value, operand)
	}

	lv, lerr := strconv.ParseFloat(strings.TrimSpace(value), 64)
	rv, rerr := strconv.ParseFloat(strings.TrimSpace(operand), 64)
	if lerr == nil && rerr == nil {
		return compareFloat(lv, rv, op)
	}

	// Non-numeric operands only support equality checks.
	switch op {
	case "==":
		return value == operand
	case "!=":
		return value != operand
	}
	return false
}

func compareFloat(l, r float64, op string) bool {
	switch op {
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	case "==":
		return l == r
	case "!=":
		return l != r
	}
	return false
}
