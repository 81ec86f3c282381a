// Package sizing provides overflow-checked size arithmetic for archive and
// block accounting.
package sizing

import "math"

// TarBlock is the tar record unit; headers and content padding are
// multiples of it.
const TarBlock = 512

// AddInt64 adds two non-negative int64 values, returning (sum, false) on
// overflow.
func AddInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// RoundUp rounds n up to the next multiple of unit. unit must be positive.
// It returns (result, false) if the rounded value overflows.
func RoundUp(n, unit int64) (int64, bool) {
	if unit <= 0 || n < 0 {
		return 0, false
	}
	rem := n % unit
	if rem == 0 {
		return n, true
	}
	return AddInt64(n, unit-rem)
}

// Blocks returns how many unit-sized blocks are needed to hold n bytes.
func Blocks(n, unit int64) int64 {
	if n <= 0 || unit <= 0 {
		return 0
	}
	return (n + unit - 1) / unit
}

// Percent returns part as a percentage of whole. A zero whole yields 0.
func Percent(part, whole int64) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100.0
}

// Ratio returns num/den, or 0 when den is zero or either side is negative.
func Ratio(num, den int64) float64 {
	if den <= 0 || num < 0 {
		return 0
	}
	return float64(num) / float64(den)
}
