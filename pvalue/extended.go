// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pvalue evaluates probability tails (normal, chi-square,
// quadratic forms in normal variables) without underflowing to zero
// at extreme significance.
package pvalue

import (
	"errors"
	"fmt"
	"math"
)

// ErrDomain is returned when an input is outside the domain of the
// requested distribution (negative variance, NaN statistic, no
// eigenvalue mass).
var ErrDomain = errors.New("input outside distribution domain")

// minLog10 is the smallest log10 magnitude that converts to a
// nonzero float64 (subnormals excluded).
const minLog10 = -307.0

// Extended is a real number stored as a sign and the base-10
// logarithm of its magnitude. It represents p-values such as 1e-1728
// that have no float64 equivalent.
//
// The zero value is 1.
type Extended struct {
	Neg   bool
	log10 float64
}

// Zero is the Extended representation of 0.
var Zero = Extended{log10: math.Inf(-1)}

// FromFloat64 returns x as an Extended.
func FromFloat64(x float64) Extended {
	if x < 0 {
		return Extended{Neg: true, log10: math.Log10(-x)}
	}
	return Extended{log10: math.Log10(x)}
}

// FromLog10 returns the positive Extended whose base-10 logarithm is l.
func FromLog10(l float64) Extended {
	return Extended{log10: l}
}

// FromLn returns the positive Extended whose natural logarithm is l.
func FromLn(l float64) Extended {
	return Extended{log10: l / math.Ln10}
}

// Log10 returns log10(|x|).
func (x Extended) Log10() float64 { return x.log10 }

// NegLog10 returns -log10(|x|), the usual "LOG10P" column value for
// p-values.
func (x Extended) NegLog10() float64 {
	if x.log10 == 0 {
		return 0
	}
	return -x.log10
}

// IsZero reports whether x is exactly zero.
func (x Extended) IsZero() bool { return math.IsInf(x.log10, -1) }

// Float64 returns x as a float64. Values too small to represent
// return 0.
func (x Extended) Float64() float64 {
	v := math.Pow(10, x.log10)
	if x.Neg {
		return -v
	}
	return v
}

// Mul returns x*y.
func (x Extended) Mul(y Extended) Extended {
	return Extended{Neg: x.Neg != y.Neg, log10: x.log10 + y.log10}
}

// Less reports whether x < y.
func (x Extended) Less(y Extended) bool {
	switch {
	case x.Neg && !y.Neg:
		return !(x.IsZero() && y.IsZero())
	case !x.Neg && y.Neg:
		return false
	case x.Neg:
		return x.log10 > y.log10
	default:
		return x.log10 < y.log10
	}
}

// Representable reports whether x converts to a float64 without
// underflow.
func (x Extended) Representable() bool {
	return x.IsZero() || x.log10 >= minLog10
}

// String formats x with 6 significant digits, using a decimal
// mantissa and exponent when x is below the float64 range.
func (x Extended) String() string {
	if x.IsZero() {
		return "0"
	}
	if x.Representable() && x.log10 <= 308 {
		return fmt.Sprintf("%.6g", x.Float64())
	}
	exponent := math.Floor(x.log10)
	mantissa := math.Pow(10, x.log10-exponent)
	if mantissa >= 9.999995 {
		mantissa = 1
		exponent++
	}
	sign := ""
	if x.Neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%.5fe%.0f", sign, mantissa, exponent)
}
