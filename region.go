// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/raremeta/raremeta/variant"
)

type interval struct {
	start int
	end   int
}

type intervalTreeNode struct {
	interval interval
	maxend   int
}

type intervalTree []intervalTreeNode

// regionSet is a set of 1-based inclusive intervals, queried by site.
// Add intervals, then Freeze, then Check.
type regionSet struct {
	intervals map[string][]interval
	itrees    map[string]intervalTree
	frozen    bool
}

func (rs *regionSet) Add(r variant.Region) {
	if rs.intervals == nil {
		rs.intervals = map[string][]interval{}
	}
	rs.intervals[r.Chrom] = append(rs.intervals[r.Chrom], interval{r.Start, r.End})
}

func (rs *regionSet) Len() int {
	n := 0
	for _, in := range rs.intervals {
		n += len(in)
	}
	return n
}

func (rs *regionSet) Freeze() {
	rs.itrees = map[string]intervalTree{}
	for chrom, intervals := range rs.intervals {
		rs.itrees[chrom] = freezeIntervals(intervals)
	}
	rs.frozen = true
}

// Check reports whether chrom:pos falls in any interval. A nil
// regionSet contains every site.
func (rs *regionSet) Check(chrom string, pos int) bool {
	if rs == nil {
		return true
	}
	if !rs.frozen {
		panic("bug: (*regionSet)Check() called before Freeze()")
	}
	return rs.itrees[chrom].check(0, pos)
}

func freezeIntervals(in []interval) intervalTree {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		return in[i].start < in[j].start
	})
	itreesize := 1
	for itreesize < len(in) {
		itreesize = itreesize * 2
	}
	itree := make(intervalTree, itreesize)
	itree.importSlice(0, in)
	for i := len(in); i < itreesize; i++ {
		itree[i].maxend = -1
	}
	return itree
}

func (itree intervalTree) check(root int, pos int) bool {
	return root < len(itree) &&
		itree[root].maxend >= pos &&
		((itree[root].interval.start <= pos && itree[root].interval.end >= pos) ||
			itree.check(root*2+1, pos) ||
			itree.check(root*2+2, pos))
}

func (itree intervalTree) importSlice(root int, in []interval) int {
	mid := len(in) / 2
	node := intervalTreeNode{interval: in[mid], maxend: in[mid].end}
	if mid > 0 {
		end := itree.importSlice(root*2+1, in[0:mid])
		if end > node.maxend {
			node.maxend = end
		}
	}
	if mid+1 < len(in) {
		end := itree.importSlice(root*2+2, in[mid+1:])
		if end > node.maxend {
			node.maxend = end
		}
	}
	itree[root] = node
	return node.maxend
}

// loadRegions builds a frozen regionSet from chr:start-end arguments
// and BED files (0-based half-open, converted to 1-based inclusive).
// It returns nil if no regions are given.
func loadRegions(specs []string, bedfiles []string) (*regionSet, error) {
	if len(specs) == 0 && len(bedfiles) == 0 {
		return nil, nil
	}
	rs := &regionSet{}
	for _, s := range specs {
		r, err := variant.ParseRegion(s)
		if err != nil {
			return nil, err
		}
		rs.Add(r)
	}
	for _, fnm := range bedfiles {
		if err := readBED(rs, fnm); err != nil {
			return nil, err
		}
	}
	rs.Freeze()
	return rs, nil
}

func readBED(rs *regionSet, fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return fmt.Errorf("%s line %d: expected at least 3 fields, got %d", fnm, lineNum, len(fields))
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		rs.Add(variant.Region{Chrom: fields[0], Start: start + 1, End: end})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", fnm, err)
	}
	return nil
}
