// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/raremeta/raremeta/pvalue"
	"github.com/raremeta/raremeta/variant"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrVariance is wrapped by per-variant errors for non-positive,
// negative-contribution or NaN variance.
var ErrVariance = errors.New("variance not positive")

// Options select the optional single-variant summaries.
type Options struct {
	AlleleFreq    bool
	Heterogeneity bool
}

// AFSummary describes the spread of per-study allele frequencies,
// weighted by per-study N.
type AFSummary struct {
	Mean, SE, Min, Max float64
}

// Heterogeneity holds Cochran's Q for cross-study consistency of the
// effect.
type Heterogeneity struct {
	Q  float64
	DF int
	P  pvalue.Extended
	I2 float64
}

// Result is a finalized single-variant test, reported in the
// orientation most contributing studies used (ties go to key
// orientation).
type Result struct {
	variant.Variant
	N, Studies int
	// Swaps counts contributing studies whose orientation differed
	// from the reported one.
	Swaps int
	U, V  float64

	Effect, SE, Stat, H2 float64
	P                    pvalue.Extended

	// PooledAltAF is the pooled alt allele frequency, counting
	// studies of known size that lack the variant as monomorphic.
	PooledAltAF float64
	// Direction has one character per study, in configured order:
	// '+' or '-' for the sign of U, '?' for no information.
	Direction string

	AF  *AFSummary
	Het *Heterogeneity

	// Err is non-nil if the variant failed (for example zero
	// variance). A failed result carries only identity fields.
	Err error

	idx  int
	sign float64 // key orientation -> reported orientation
}

// Finalize computes the single-variant result for p. studies gives the
// configured study list, used for the direction string and the pooled
// allele frequency.
func Finalize(p *Pooled, studies []Study, opts Options) *Result {
	nKey, nFlip := 0, 0
	for _, c := range p.contribs {
		if c.swapped {
			nFlip++
		} else {
			nKey++
		}
	}
	res := &Result{
		Variant: p.Key,
		N:       p.N,
		Studies: len(p.contribs),
		Swaps:   nFlip,
		idx:     p.idx,
		sign:    1,
	}
	if nFlip > nKey {
		res.Variant = p.Key.Flip()
		res.Swaps = nKey
		res.sign = -1
	}
	res.U = res.sign * p.U
	res.V = p.V
	if p.badVariance || !(p.V > 0) || math.IsNaN(p.U) {
		res.Err = fmt.Errorf("%s: %w (V=%g)", res.Variant, ErrVariance, p.V)
		return res
	}

	res.Effect = res.U / res.V
	res.SE = 1 / math.Sqrt(res.V)
	res.Stat = res.U * res.U / res.V
	if res.N > 0 {
		res.H2 = res.Stat / float64(res.N)
	}
	var err error
	res.P, err = pvalue.ChiSquareUpperTail(res.Stat, 1)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", res.Variant, err)
		return res
	}

	afs := make([]float64, 0, len(p.contribs))
	ns := make([]float64, 0, len(p.contribs))
	present := make([]bool, len(studies))
	dir := make([]byte, len(studies))
	for i := range dir {
		dir[i] = '?'
	}
	for _, c := range p.contribs {
		af := c.af
		if res.sign < 0 {
			af = 1 - af
		}
		afs = append(afs, af)
		ns = append(ns, float64(c.n))
		if c.study >= 0 && c.study < len(studies) {
			present[c.study] = true
			switch u := res.sign * c.u; {
			case !(c.v > 0):
			case u < 0:
				dir[c.study] = '-'
			default:
				dir[c.study] = '+'
			}
		}
	}
	res.Direction = string(dir)

	alleles, total := floats.Dot(afs, ns), floats.Sum(ns)
	for i, st := range studies {
		if !present[i] && st.Size > 0 {
			total += float64(st.Size)
		}
	}
	if total > 0 {
		res.PooledAltAF = alleles / total
	}

	if opts.AlleleFreq {
		res.AF = summarizeAF(afs, ns)
	}
	if opts.Heterogeneity {
		res.Het = heterogeneity(p)
	}
	return res
}

func summarizeAF(afs, ns []float64) *AFSummary {
	sum := &AFSummary{Min: floats.Min(afs), Max: floats.Max(afs)}
	if floats.Sum(ns) <= 0 {
		ns = nil
	}
	sum.Mean = stat.Mean(afs, ns)
	sq := make([]float64, len(afs))
	for i, af := range afs {
		sq[i] = (af - sum.Mean) * (af - sum.Mean)
	}
	sum.SE = math.Sqrt(stat.Mean(sq, ns))
	return sum
}

// heterogeneity returns Cochran's Q over the studies with positive V.
// Q is clamped at zero; with fewer than two informative studies Q=0,
// DF=0 and P=1.
func heterogeneity(p *Pooled) *Heterogeneity {
	h := &Heterogeneity{P: pvalue.FromFloat64(1)}
	if p.hetK < 2 {
		return h
	}
	h.DF = p.hetK - 1
	h.Q = p.hetU2V - p.hetU*p.hetU/p.hetV
	if h.Q <= 0 {
		h.Q = 0
		return h
	}
	if h.Q > float64(h.DF) {
		h.I2 = (h.Q - float64(h.DF)) / h.Q
	}
	if pv, err := pvalue.ChiSquareUpperTail(h.Q, float64(h.DF)); err == nil {
		h.P = pv
	}
	return h
}

// Pool is the finalized state of an Accumulator: one Result per pooled
// variant in genomic order, plus the pooled covariance.
type Pool struct {
	Studies []Study
	Results []*Result
	byKey   map[variant.Variant]*Result
	cov     map[pair]float64
}

// Finalize computes results for every pooled variant. The accumulator
// must not be modified afterwards.
func (a *Accumulator) Finalize(opts Options) *Pool {
	pl := &Pool{
		Studies: a.studies,
		Results: make([]*Result, 0, len(a.pooled)),
		byKey:   make(map[variant.Variant]*Result, len(a.pooled)),
		cov:     a.cov,
	}
	for _, p := range a.pooled {
		res := Finalize(p, a.studies, opts)
		pl.Results = append(pl.Results, res)
		pl.byKey[p.Key] = res
	}
	sort.Slice(pl.Results, func(i, j int) bool {
		return variant.Less(pl.Results[i].Variant.Key(), pl.Results[j].Variant.Key())
	})
	return pl
}

// Lookup returns the result for v, in either allele orientation.
func (pl *Pool) Lookup(v variant.Variant) (*Result, bool) {
	res, ok := pl.byKey[v.Key()]
	return res, ok
}

// Covariance returns the pooled covariance between the score
// statistics of a and b, each in its reported orientation. The
// covariance of a result with itself is its V.
func (pl *Pool) Covariance(a, b *Result) float64 {
	if a.idx == b.idx {
		return a.V
	}
	return a.sign * b.sign * pl.cov[newPair(a.idx, b.idx)]
}

// HasCovariance reports whether any off-diagonal covariance was pooled.
func (pl *Pool) HasCovariance() bool { return len(pl.cov) > 0 }

// Failed returns the number of failed results.
func (pl *Pool) Failed() int {
	n := 0
	for _, res := range pl.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// ChiSquares returns the test statistics of all successful results,
// for genomic control.
func (pl *Pool) ChiSquares() []float64 {
	var out []float64
	for _, res := range pl.Results {
		if res.Err == nil {
			out = append(out, res.Stat)
		}
	}
	return out
}

// StudyNames returns the configured study names joined by sep.
func (pl *Pool) StudyNames(sep string) string {
	names := make([]string, len(pl.Studies))
	for i, st := range pl.Studies {
		names[i] = st.Name
	}
	return strings.Join(names, sep)
}
