package rules

import "strings"

// EvaluateConditions decides whether a condition list matches data.
//
// Conditions are folded strictly left to right with no precedence: the
// LogicalOperator on condition i joins the running result with condition i+1.
// "a OR b AND c" therefore means "(a OR b) AND c". Rules authored against
// this behaviour depend on it, so it must not be changed to conventional
// precedence. An empty list always matches.
func EvaluateConditions(conds []Condition, data Value) bool {
	result := true
	join := LogicalAnd
	for _, c := range conds {
		switch join {
		case LogicalOr:
			if !result {
				result = EvaluateCondition(c, data)
			}
		default:
			if result {
				result = EvaluateCondition(c, data)
			}
		}
		join = c.LogicalOperator.normalize()
	}
	return result
}

// EvaluateCondition applies a single condition. It never fails: a missing
// field, an unknown operator or an incomparable pair all yield false.
func EvaluateCondition(c Condition, data Value) bool {
	field, found := data.Lookup(c.Field)

	switch c.Operator {
	case OpNotEmpty:
		return found && !field.IsEmpty()
	case OpIsEmpty:
		return !found || field.IsEmpty()
	}

	if !found {
		return false
	}
	operand := ValueOf(c.Value)

	switch c.Operator {
	case OpEquals:
		return Equal(field, operand)
	case OpContains:
		return strings.Contains(strings.ToLower(field.Text()), strings.ToLower(operand.Text()))
	case OpGreaterThan:
		// NaN compares false both ways.
		return field.Float() > operand.Float()
	case OpLessThan:
		return field.Float() < operand.Float()
	default:
		return false
	}
}

// Known reports whether op is one of the supported operators.
func (op Operator) Known() bool {
	switch op {
	case OpEquals, OpContains, OpGreaterThan, OpLessThan, OpNotEmpty, OpIsEmpty:
		return true
	}
	return false
}

// NeedsValue reports whether the operator reads Condition.Value.
func (op Operator) NeedsValue() bool {
	return op != OpNotEmpty && op != OpIsEmpty
}

func (l LogicalOperator) normalize() LogicalOperator {
	if strings.EqualFold(string(l), string(LogicalOr)) {
		return LogicalOr
	}
	return LogicalAnd
}

// Known reports whether l is empty (defaulting to AND) or a supported operator.
func (l LogicalOperator) Known() bool {
	return l == "" || strings.EqualFold(string(l), string(LogicalAnd)) || strings.EqualFold(string(l), string(LogicalOr))
}
