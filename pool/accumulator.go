// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool combines per-study score statistics into pooled
// single-variant estimates.
//
// Every pooled variant is keyed by its site and its unordered allele
// pair (see variant.Variant.Key). Score statistics are summed in key
// orientation: a study reporting the alleles the other way round has
// its U negated before it is added. V and N are orientation invariant
// and always added as reported.
package pool

import (
	"math"

	"github.com/raremeta/raremeta/variant"
)

// Study is one contributing cohort.
type Study struct {
	Name string
	// Size is the study sample size, or 0 if unknown. Studies of
	// known size that lack a variant count as monomorphic for it
	// when pooling allele frequency.
	Size int
}

// Record is one study's summary statistics for one variant.
type Record struct {
	variant.Variant
	U     float64 // score statistic, toward Alt
	V     float64 // variance of U
	AltAF float64
	N     int
}

// CovarianceBlock holds one study's covariances between the score
// statistic at Position and those at Markers (same chromosome), on the
// same scale as V and in the study's own allele orientation.
type CovarianceBlock struct {
	Chrom    string
	Position int
	Markers  []int
	Cov      []float64
}

type contribution struct {
	study int
	u, v  float64 // key orientation
	af    float64 // key orientation
	n     int
	// swapped is true if the study reported the alleles in reverse
	// of key orientation.
	swapped bool
}

// Pooled is the running state for one variant.
type Pooled struct {
	Key variant.Variant
	U   float64
	V   float64
	N   int

	// heterogeneity partial sums over studies with V > 0
	hetU, hetV, hetU2V float64
	hetK               int

	badVariance bool
	contribs    []contribution
	idx         int
}

// Studies returns the number of studies contributing to p.
func (p *Pooled) Studies() int { return len(p.contribs) }

// Swaps returns the number of contributing studies that reported the
// alleles in reverse of key orientation.
func (p *Pooled) Swaps() int {
	n := 0
	for _, c := range p.contribs {
		if c.swapped {
			n++
		}
	}
	return n
}

type site struct {
	chrom string
	pos   int
}

type siteRef struct {
	idx  int
	sign float64
}

type pair struct{ i, j int }

func newPair(i, j int) pair {
	if i > j {
		i, j = j, i
	}
	return pair{i, j}
}

// Accumulator owns all pooled state for one run. It is not safe for
// concurrent use.
type Accumulator struct {
	studies []Study
	index   map[variant.Variant]int
	pooled  []*Pooled
	// per study: site -> pooled variant and the sign applied to
	// that study's statistics
	sites []map[site]siteRef
	cov   map[pair]float64

	// AmbiguousSites counts records that shared a site with an
	// earlier record of the same study; covariance at such sites is
	// attributed to the first record.
	AmbiguousSites int
	// CovarianceDropped counts covariance entries whose markers had
	// no score record in the same study.
	CovarianceDropped int
}

// NewAccumulator returns an empty accumulator for the given studies.
// Study arguments to Add and AddCovariance index this slice.
func NewAccumulator(studies []Study) *Accumulator {
	a := &Accumulator{
		studies: append([]Study(nil), studies...),
		index:   map[variant.Variant]int{},
		sites:   make([]map[site]siteRef, len(studies)),
		cov:     map[pair]float64{},
	}
	for i := range a.sites {
		a.sites[i] = map[site]siteRef{}
	}
	return a
}

// SetStudySize records the sample size of a study once it is known.
func (a *Accumulator) SetStudySize(study, size int) {
	a.studies[study].Size = size
}

// Len returns the number of pooled variants.
func (a *Accumulator) Len() int { return len(a.pooled) }

// Get returns the pooled state for v (either orientation).
func (a *Accumulator) Get(v variant.Variant) (*Pooled, bool) {
	idx, ok := a.index[v.Key()]
	if !ok {
		return nil, false
	}
	return a.pooled[idx], true
}

// Add folds one study record into the pooled variant for its key,
// creating it if needed.
//
// Malformed records (for example a row missing its alt allele, read
// with shifted columns) are not detected here: they pool under
// whatever identifier they carry.
func (a *Accumulator) Add(study int, rec Record) *Pooled {
	key := rec.Variant.Key()
	idx, ok := a.index[key]
	if !ok {
		idx = len(a.pooled)
		a.index[key] = idx
		a.pooled = append(a.pooled, &Pooled{Key: key, idx: idx})
	}
	p := a.pooled[idx]

	swapped := rec.Variant.Swapped()
	sign := 1.0
	af := rec.AltAF
	if swapped {
		sign = -1
		af = 1 - af
	}
	u := sign * rec.U
	p.U += u
	p.V += rec.V
	p.N += rec.N
	if rec.V < 0 || math.IsNaN(rec.V) || math.IsNaN(rec.U) {
		p.badVariance = true
	} else if rec.V > 0 {
		p.hetU += u
		p.hetV += rec.V
		p.hetU2V += u * u / rec.V
		p.hetK++
	}
	p.contribs = append(p.contribs, contribution{
		study:   study,
		u:       u,
		v:       rec.V,
		af:      af,
		n:       rec.N,
		swapped: swapped,
	})

	s := site{rec.Chrom, rec.Position}
	if _, dup := a.sites[study][s]; dup {
		a.AmbiguousSites++
	} else {
		a.sites[study][s] = siteRef{idx: idx, sign: sign}
	}
	return p
}

// AddCovariance folds one study's covariance block into the pooled
// covariance. Each entry is sign-adjusted by the same rule as U for
// both of its members. Entries involving a marker with no score record
// in the same study (absent, or excluded by region) are dropped.
// Diagonal entries are ignored: the pooled diagonal is always the
// pooled V.
func (a *Accumulator) AddCovariance(study int, blk CovarianceBlock) {
	here, ok := a.sites[study][site{blk.Chrom, blk.Position}]
	if !ok {
		a.CovarianceDropped += len(blk.Markers)
		return
	}
	for k, pos := range blk.Markers {
		if k >= len(blk.Cov) {
			break
		}
		there, ok := a.sites[study][site{blk.Chrom, pos}]
		if !ok {
			a.CovarianceDropped++
			continue
		}
		if there.idx == here.idx {
			continue
		}
		a.cov[newPair(here.idx, there.idx)] += here.sign * there.sign * blk.Cov[k]
	}
}
