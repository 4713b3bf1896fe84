// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pvalue

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// Beyond this z the erfc closed form loses relative accuracy and
// the continued fraction takes over.
const millsThreshold = 8.0

var lnSqrt2Pi = 0.5 * math.Log(2*math.Pi)

// NormalUpperTail returns P(Z > z) for a standard normal Z.
func NormalUpperTail(z float64) (Extended, error) {
	if math.IsNaN(z) {
		return Zero, fmt.Errorf("normal tail at %v: %w", z, ErrDomain)
	}
	return FromLn(lnNormalUpperTail(z)), nil
}

func lnNormalUpperTail(z float64) float64 {
	switch {
	case math.IsInf(z, 1):
		return math.Inf(-1)
	case z < millsThreshold:
		return math.Log(0.5 * math.Erfc(z/math.Sqrt2))
	}
	// P(Z>z) = phi(z) * R(z), with the Mills ratio
	// R(z) = 1/(z+1/(z+2/(z+3/(z+...)))) evaluated bottom-up.
	r := z
	for k := 60; k >= 1; k-- {
		r = z + float64(k)/r
	}
	return -0.5*z*z - lnSqrt2Pi - math.Log(r)
}

// ChiSquareUpperTail returns P(X > x) for X ~ chi-square(df).
func ChiSquareUpperTail(x, df float64) (Extended, error) {
	if math.IsNaN(x) || !(df > 0) {
		return Zero, fmt.Errorf("chi-square tail at %v with %v df: %w", x, df, ErrDomain)
	}
	if x <= 0 {
		return FromFloat64(1), nil
	}
	if df == 1 {
		// P(chi2(1) > x) = 2 P(Z > sqrt(x))
		return FromLn(math.Ln2 + lnNormalUpperTail(math.Sqrt(x))), nil
	}
	return FromLn(lnGammaIncUpper(df/2, x/2)), nil
}

// ChiSquareUpperTailFloat is the float64 shortcut used where the
// caller already knows the result is representable, e.g. for
// heterogeneity tests with small statistics.
func ChiSquareUpperTailFloat(x, df float64) float64 {
	return distuv.ChiSquared{K: df}.Survival(x)
}

// lnGammaIncUpper returns ln Q(a, x), the log of the regularized upper
// incomplete gamma function, staying finite where Q itself underflows.
func lnGammaIncUpper(a, x float64) float64 {
	if x < a+1 {
		q := mathext.GammaIncRegComp(a, x)
		if q > 0 {
			return math.Log(q)
		}
		// Series for P(a, x); Q = 1 - P.
		return math.Log1p(-math.Exp(lnGammaIncLowerSeries(a, x)))
	}
	lga, _ := math.Lgamma(a)
	prefix := -x + a*math.Log(x) - lga
	// Modified Lentz evaluation of the continued fraction
	// Q(a,x) = prefix * 1/(x+1-a- 1(1-a)/(x+3-a- 2(2-a)/(x+5-a- ...)))
	const tiny = 1e-300
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i < 10000; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < 1e-15 {
			break
		}
	}
	return prefix + math.Log(h)
}

// lnGammaIncLowerSeries returns ln P(a, x) by the power series, valid
// for x < a+1.
func lnGammaIncLowerSeries(a, x float64) float64 {
	lga, _ := math.Lgamma(a)
	ap := a
	sum := 1 / a
	del := sum
	for i := 0; i < 10000; i++ {
		ap++
		del *= x / ap
		sum += del
		if math.Abs(del) < math.Abs(sum)*1e-16 {
			break
		}
	}
	return -x + a*math.Log(x) - lga + math.Log(sum)
}

// BetaDensity returns the Beta(a, b) density at x. It is used to
// weight variants by minor allele frequency.
func BetaDensity(x, a, b float64) (float64, error) {
	if !(a > 0) || !(b > 0) || math.IsNaN(x) || x < 0 || x > 1 {
		return 0, fmt.Errorf("beta(%v, %v) density at %v: %w", a, b, x, ErrDomain)
	}
	return distuv.Beta{Alpha: a, Beta: b}.Prob(x), nil
}

// SidakMin combines p-values from k correlated tests by taking the
// minimum and applying the Šidák correction 1-(1-pmin)^k.
func SidakMin(ps []Extended) (Extended, error) {
	if len(ps) == 0 {
		return Zero, fmt.Errorf("no p-values to combine: %w", ErrDomain)
	}
	min := ps[0]
	for _, p := range ps[1:] {
		if p.Less(min) {
			min = p
		}
	}
	k := float64(len(ps))
	if min.Log10() < -15 {
		// 1-(1-p)^k = k*p to within the precision of p itself.
		return FromLog10(min.Log10() + math.Log10(k)), nil
	}
	p := min.Float64()
	return FromFloat64(-math.Expm1(k * math.Log1p(-p))), nil
}
