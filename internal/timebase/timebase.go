// Package timebase implements rational time bases and overflow-safe
// timestamp rescaling. All timeline arithmetic in the engine runs on
// signed 64-bit tick counts paired with a Rational base; conversions
// go through a 128-bit intermediate and never through floating point.
package timebase

import (
	"fmt"
	"math"
	"math/bits"
)

// Rational is a time base: one tick lasts Num/Den seconds.
// Both fields are strictly positive for a valid base.
type Rational struct {
	Num int32 `json:"num"`
	Den int32 `json:"den"`
}

// TimelineBase is the fixed editing time base: microsecond ticks.
var TimelineBase = Rational{Num: 1, Den: 1_000_000}

// New validates and returns a rational time base.
func New(num, den int32) (Rational, error) {
	r := Rational{Num: num, Den: den}
	if !r.Valid() {
		return Rational{}, fmt.Errorf("invalid time base %d/%d: numerator and denominator must be positive", num, den)
	}
	return r, nil
}

// Valid reports whether the base has strictly positive terms.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rescale converts ts from one time base to another, rounding half
// away from zero. The computation is ts*from.Num*to.Den /
// (from.Den*to.Num) in a 128-bit intermediate, so it cannot overflow
// for |ts| up to 2^62 and base terms up to 2^31-1. The result is
// clamped to the int64 range.
//
// The rounding rule is load-bearing: export timestamp monotonicity
// enforcement assumes every call site rounds the same way.
func Rescale(ts int64, from, to Rational) int64 {
	neg := ts < 0
	mag := uint64(ts)
	if neg {
		mag = uint64(-ts)
	}

	hi, lo := bits.Mul64(mag, uint64(from.Num))
	hi, lo = mul128by64(hi, lo, uint64(to.Den))

	den := uint64(from.Den) * uint64(to.Num)
	quoHi, quoLo, rem := div128by64(hi, lo, den)

	// Round half away from zero.
	if rem*2 >= den {
		quoLo++
		if quoLo == 0 {
			quoHi++
		}
	}

	if neg {
		if quoHi > 0 || quoLo > uint64(math.MaxInt64)+1 {
			return math.MinInt64
		}
		return -int64(quoLo - 1) - 1 // negate without overflowing at MinInt64
	}
	if quoHi > 0 || quoLo > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(quoLo)
}

// Compare orders two timestamps expressed in different bases without
// converting either one: it cross-multiplies into 128-bit magnitudes.
// The result is -1, 0 or 1.
func Compare(a int64, abase Rational, b int64, bbase Rational) int {
	// a*abase vs b*bbase in seconds:
	// a*aNum*bDen vs b*bNum*aDen (denominators are positive).
	aNeg, aHi, aLo := widen(a, uint64(abase.Num), uint64(bbase.Den))
	bNeg, bHi, bLo := widen(b, uint64(bbase.Num), uint64(abase.Den))

	aZero := aHi == 0 && aLo == 0
	bZero := bHi == 0 && bLo == 0
	if aZero && bZero {
		return 0
	}
	if aZero {
		if bNeg {
			return 1
		}
		return -1
	}
	if bZero {
		if aNeg {
			return -1
		}
		return 1
	}

	if aNeg != bNeg {
		if aNeg {
			return -1
		}
		return 1
	}

	cmp := cmp128(aHi, aLo, bHi, bLo)
	if aNeg {
		return -cmp
	}
	return cmp
}

// widen computes |ts|*x*y as a 128-bit magnitude plus a sign flag.
func widen(ts int64, x, y uint64) (neg bool, hi, lo uint64) {
	neg = ts < 0
	mag := uint64(ts)
	if neg {
		mag = uint64(-ts)
	}
	hi, lo = bits.Mul64(mag, x)
	hi, lo = mul128by64(hi, lo, y)
	return neg, hi, lo
}

func cmp128(aHi, aLo, bHi, bLo uint64) int {
	switch {
	case aHi < bHi:
		return -1
	case aHi > bHi:
		return 1
	case aLo < bLo:
		return -1
	case aLo > bLo:
		return 1
	default:
		return 0
	}
}

// mul128by64 multiplies a 128-bit value by a 64-bit value, discarding
// overflow past 128 bits. Inputs stay within range for all valid
// bases, so no overflow occurs in practice.
func mul128by64(hi, lo, x uint64) (uint64, uint64) {
	carryHi, newLo := bits.Mul64(lo, x)
	newHi := hi*x + carryHi
	return newHi, newLo
}

// div128by64 divides a 128-bit value by a 64-bit divisor using two
// chained 64-bit divisions, returning a 128-bit quotient and the
// remainder.
func div128by64(hi, lo, den uint64) (quoHi, quoLo, rem uint64) {
	quoHi, rem = bits.Div64(0, hi, den)
	quoLo, rem = bits.Div64(rem, lo, den)
	return quoHi, quoLo, rem
}
