// Package money does overflow-checked arithmetic on integer microdollar amounts.
package money

import (
	"errors"
	"fmt"
	"math"
)

// Microdollars per dollar.
const Scale = 1_000_000

var ErrOutOfRange = errors.New("value out of range")

func SafeAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOutOfRange
	}
	return a + b, nil
}

func SafeMul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a == math.MinInt64 || b == math.MinInt64 {
		return 0, ErrOutOfRange
	}
	if abs(a) > math.MaxInt64/abs(b) {
		return 0, ErrOutOfRange
	}
	return a * b, nil
}

// Format renders an amount as dollars with six decimals, e.g. "-0.005000".
func Format(microdollars int64) string {
	sign := ""
	u := uint64(microdollars)
	if microdollars < 0 {
		sign = "-"
		u = uint64(-(microdollars + 1)) + 1
	}
	return fmt.Sprintf("%s%d.%06d", sign, u/Scale, u%Scale)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
