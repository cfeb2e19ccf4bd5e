package sandbox

import (
	"math"
	"math/big"
)

// Truthy reports JS-standard truthiness for an exported script value:
// false, 0, NaN, "", null, and undefined are falsy. Any non-null object
// is truthy, including empty arrays and empty objects.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case float64:
		return x != 0 && !math.IsNaN(x)
	case *big.Int:
		return x != nil && x.Sign() != 0
	default:
		return true
	}
}

// Falsy is the negation of Truthy.
func Falsy(v any) bool {
	return !Truthy(v)
}
