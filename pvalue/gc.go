// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pvalue

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// chi2Median1 is the median of chi-square(1).
const chi2Median1 = 0.4549364231195724

// GenomicControl returns the genomic inflation factor lambda: the
// median of 1-df chi-square statistics divided by its expectation
// under the null.
func GenomicControl(chisq []float64) (float64, error) {
	if len(chisq) == 0 {
		return 0, fmt.Errorf("genomic control of empty set: %w", ErrDomain)
	}
	median, err := stats.Median(stats.Float64Data(chisq))
	if err != nil {
		return 0, err
	}
	return median / chi2Median1, nil
}
