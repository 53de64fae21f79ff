package flow

import "strings"

// Operator is a condition comparison operator. All comparisons are
// case-insensitive.
type Operator string

// Condition operator constants.
const (
	OpContains    Operator = "contains"
	OpEquals      Operator = "equals"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpNotContains Operator = "not_contains"
)

// Reserved condition variable names resolved outside the variable bag.
const (
	VarMessage  = "message"
	VarPlatform = "platform"
)

// normalizeOperator folds legacy camelCase operator spellings onto the
// canonical constants.
func normalizeOperator(op Operator) Operator {
	switch strings.ToLower(strings.TrimSpace(string(op))) {
	case "contains":
		return OpContains
	case "equals":
		return OpEquals
	case "startswith", "starts_with":
		return OpStartsWith
	case "endswith", "ends_with":
		return OpEndsWith
	case "notcontains", "not_contains":
		return OpNotContains
	default:
		return op
	}
}

// EvaluateCondition compares a resolved variable value against the condition
// value. Unknown operators evaluate false so a bad definition degrades to
// the false branch instead of failing the walk.
func EvaluateCondition(left string, op Operator, right string) bool {
	left = strings.ToLower(strings.TrimSpace(left))
	right = strings.ToLower(strings.TrimSpace(right))
	switch normalizeOperator(op) {
	case OpContains:
		return strings.Contains(left, right)
	case OpEquals:
		return left == right
	case OpStartsWith:
		return strings.HasPrefix(left, right)
	case OpEndsWith:
		return strings.HasSuffix(left, right)
	case OpNotContains:
		return !strings.Contains(left, right)
	default:
		return false
	}
}
