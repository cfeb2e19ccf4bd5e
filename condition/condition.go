// Package condition evaluates chains of comparison records against the
// current execution context. It backs the if block and block-level
// filters. Either side of a comparison may defer to a sandboxed script
// via the "js:" prefix; the substitution happens before the operator is
// applied.
package condition

import (
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/lowkit/lowkit/sandbox"
)

// Op is a comparison operator.
type Op string

const (
	OpEq         Op = "eq"
	OpNeq        Op = "neq"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIsEmpty    Op = "is_empty"
	OpIsNotEmpty Op = "is_not_empty"

	// OpJS ignores lhs/rhs and evaluates the JS field as a
	// boolean-producing script.
	OpJS Op = "js"
)

// Chain describes how a condition combines with the accumulated result.
type Chain string

const (
	ChainAnd Chain = "and"
	ChainOr  Chain = "or"
)

// Condition is one comparison record in a chain.
type Condition struct {
	LHS   any    `json:"lhs,omitempty"`
	RHS   any    `json:"rhs,omitempty"`
	Op    Op     `json:"operator"`
	JS    string `json:"js,omitempty"`
	Chain Chain  `json:"chain,omitempty"`
}

// Scripter runs a script and returns its exported result. Satisfied by
// *sandbox.Sandbox.
type Scripter interface {
	Run(code string, input any) (any, error)
}

const scriptPrefix = "js:"

// Evaluate folds the condition chain left to right into a single boolean.
// Each condition after the first combines with the accumulated result via
// its Chain (and/or, left-associative, short-circuited; no precedence
// grouping). Unknown operators evaluate to false, never error.
func Evaluate(conds []Condition, scr Scripter, input any) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}

	acc, err := evalOne(conds[0], scr, input)
	if err != nil {
		return false, err
	}
	for _, c := range conds[1:] {
		switch c.Chain {
		case ChainOr:
			if acc {
				continue
			}
		default: // and
			if !acc {
				continue
			}
		}
		v, err := evalOne(c, scr, input)
		if err != nil {
			return false, err
		}
		if c.Chain == ChainOr {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc, nil
}

// evalOne resolves both sides and applies the operator.
func evalOne(c Condition, scr Scripter, input any) (bool, error) {
	if c.Op == OpJS {
		v, err := scr.Run(c.JS, input)
		if err != nil {
			return false, err
		}
		return sandbox.Truthy(v), nil
	}

	lhs, err := resolveSide(c.LHS, scr, input)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case OpIsEmpty:
		return IsEmpty(lhs), nil
	case OpIsNotEmpty:
		return !IsEmpty(lhs), nil
	}

	rhs, err := resolveSide(c.RHS, scr, input)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case OpEq:
		return looseEq(lhs, rhs), nil
	case OpNeq:
		return !looseEq(lhs, rhs), nil
	case OpGt:
		cmp, ok := compare(lhs, rhs)
		return ok && cmp > 0, nil
	case OpGte:
		cmp, ok := compare(lhs, rhs)
		return ok && cmp >= 0, nil
	case OpLt:
		cmp, ok := compare(lhs, rhs)
		return ok && cmp < 0, nil
	case OpLte:
		cmp, ok := compare(lhs, rhs)
		return ok && cmp <= 0, nil
	default:
		// Unknown operators fail closed.
		return false, nil
	}
}

// resolveSide substitutes a "js:"-prefixed string with its script result.
func resolveSide(v any, scr Scripter, input any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, scriptPrefix) {
		return v, nil
	}
	return scr.Run(strings.TrimPrefix(s, scriptPrefix), input)
}

// IsEmpty reports whether a value is null, NaN, the empty string, an
// object with zero keys, or an array of length zero. Numeric zero is not
// empty.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// looseEq approximates JS loose equality over exported script values:
// numeric comparison whenever both sides coerce to numbers (including
// numeric strings and booleans), string equality otherwise, and deep
// equality for composite values.
func looseEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two resolved values: numerically when both coerce to
// numbers, lexicographically when both are strings. ok=false when the
// values are not comparable.
func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// toFloat coerces numbers, numeric strings, and booleans to float64.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
