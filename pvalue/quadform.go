// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pvalue

import (
	"fmt"
	"math"
)

// Eigenvalues smaller than mean/eigenFloor (mean over the
// non-negative ones) carry no mass and are dropped.
const eigenFloor = 100000

// Liu returns P(Q > q) for Q = sum lambda[j]*chi2(1), approximated by a
// scaled central chi-square matching the first, second and fourth
// cumulants (the modified Liu-Tang-Zhang method). It stays accurate in
// the far tail, where Davies' absolute error bound is useless.
func Liu(lambda []float64, q float64) (Extended, error) {
	var c1, c2, c3, c4 float64
	for _, l := range lambda {
		l2 := l * l
		c1 += l
		c2 += l2
		c3 += l2 * l
		c4 += l2 * l2
	}
	if !(c2 > 0) {
		return Zero, fmt.Errorf("liu: no eigenvalue mass: %w", ErrDomain)
	}
	s2 := c4 / (c2 * c2)
	df := 1 / s2
	a := math.Sqrt(df)
	muX := df
	sigmaX := math.Sqrt2 * a
	qNorm := (q - c1) / math.Sqrt(2*c2)
	return ChiSquareUpperTail(qNorm*sigmaX+muX, df)
}

// QuadFormUpperTail returns P(Q > q) for Q = sum lambda[j]*chi2(1),
// the null distribution of a variance-component score statistic.
//
// Near-zero and negative eigenvalues (numerical noise from a
// rank-deficient covariance) are discarded. Davies' method is used
// when it succeeds and its answer is well above its accuracy,
// otherwise the modified Liu approximation.
func QuadFormUpperTail(lambda []float64, q float64) (Extended, error) {
	if math.IsNaN(q) {
		return Zero, fmt.Errorf("quadratic form statistic %v: %w", q, ErrDomain)
	}
	kept := keepEigenvalues(lambda)
	if len(kept) == 0 {
		return Zero, fmt.Errorf("quadratic form: no positive eigenvalues among %d: %w", len(lambda), ErrDomain)
	}
	if q <= 0 {
		return FromFloat64(1), nil
	}
	if len(kept) == 1 {
		return ChiSquareUpperTail(q/kept[0], 1)
	}
	p, err := Davies(kept, q)
	if err == nil && p > 10*daviesAccuracy && p <= 1 {
		return FromFloat64(p), nil
	}
	return Liu(kept, q)
}

func keepEigenvalues(lambda []float64) []float64 {
	var sum float64
	var npos int
	for _, l := range lambda {
		if l >= 0 {
			sum += l
			npos++
		}
	}
	if npos == 0 || !(sum > 0) {
		return nil
	}
	floor := sum / float64(npos) / eigenFloor
	kept := make([]float64, 0, npos)
	for _, l := range lambda {
		if l > floor {
			kept = append(kept, l)
		}
	}
	return kept
}
