// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Region is a 1-based, inclusive interval on one chromosome.
type Region struct {
	Chrom      string
	Start, End int
}

func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Chrom, r.Start, r.End)
}

// Contains reports whether the site chrom:pos is inside r.
func (r Region) Contains(chrom string, pos int) bool {
	return chrom == r.Chrom && pos >= r.Start && pos <= r.End
}

// ParseRegion accepts "chr:start-end" and "chr" (whole chromosome).
func ParseRegion(s string) (Region, error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		if s == "" {
			return Region{}, fmt.Errorf("empty region")
		}
		return Region{Chrom: s, Start: 1, End: int(^uint(0) >> 1)}, nil
	}
	dash := strings.IndexByte(s[colon:], '-')
	if dash < 0 {
		return Region{}, fmt.Errorf("cannot parse region %q: expected chr:start-end", s)
	}
	start, err := strconv.Atoi(strings.ReplaceAll(s[colon+1:colon+dash], ",", ""))
	if err != nil {
		return Region{}, fmt.Errorf("cannot parse region %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.ReplaceAll(s[colon+dash+1:], ",", ""))
	if err != nil {
		return Region{}, fmt.Errorf("cannot parse region %q: %w", s, err)
	}
	if end < start {
		return Region{}, fmt.Errorf("cannot parse region %q: end before start", s)
	}
	return Region{Chrom: s[:colon], Start: start, End: end}, nil
}
