package domain

import "math"

// CheckedAdd returns a+b, or ErrOverflow when the sum would exceed the
// uint64 range. Every accumulating counter in the ledger (pool totals,
// contribution amounts, archive counters, config versions) goes through
// this so that a failed operation leaves the stored value untouched
// instead of wrapping.
func CheckedAdd(a, b uint64) (uint64, error) {
	if b > math.MaxUint64-a {
		return 0, ErrOverflow
	}
	return a + b, nil
}
