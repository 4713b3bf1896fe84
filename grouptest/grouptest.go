// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package grouptest runs rare-variant group tests (burden, weighted
// burden, variance component, omnibus) on pooled score statistics.
package grouptest

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/raremeta/raremeta/pool"
	"github.com/raremeta/raremeta/pvalue"
	"github.com/raremeta/raremeta/variant"
	"gonum.org/v1/gonum/mat"
)

// ErrNoVariants is the outcome error of every test in a group
// without eligible variants.
var ErrNoVariants = errors.New("no variants tested")

// Kind identifies a group test statistic.
type Kind int

const (
	Burden Kind = iota
	MadsenBrowning
	VarianceComponent
	Omnibus
)

var kindNames = []string{"burden", "MB", "SKAT", "omnibus"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind accepts the names returned by String, case-insensitively,
// and a few aliases ("vc", "minp").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "burden":
		return Burden, nil
	case "mb", "madsenbrowning":
		return MadsenBrowning, nil
	case "skat", "vc", "variancecomponent":
		return VarianceComponent, nil
	case "omnibus", "minp":
		return Omnibus, nil
	}
	return 0, fmt.Errorf("unknown group test %q", s)
}

// Test is one configured group test. A and B are the Beta weight
// parameters for Burden and VarianceComponent; they are ignored for
// the other kinds.
type Test struct {
	Name string
	Kind Kind
	A, B float64
}

// DefaultTest returns the conventional configuration of kind k.
func DefaultTest(k Kind) Test {
	t := Test{Name: k.String(), Kind: k}
	switch k {
	case Burden:
		t.A, t.B = 1, 1
	case VarianceComponent:
		t.A, t.B = 1, 25
	}
	return t
}

// Config selects the tests run on every group.
type Config struct {
	// MaxMAF is the largest pooled minor allele frequency of an
	// eligible variant. Zero means no upper bound.
	MaxMAF float64
	Tests  []Test
}

// DefaultConfig runs burden, variance component and omnibus tests on
// variants with MAF up to 0.05.
func DefaultConfig() Config {
	return Config{
		MaxMAF: 0.05,
		Tests:  []Test{DefaultTest(Burden), DefaultTest(VarianceComponent), DefaultTest(Omnibus)},
	}
}

// Mask is a named group of variants.
type Mask struct {
	Name     string
	Variants []variant.Variant
}

// Outcome is the result of one test on one group.
type Outcome struct {
	Test Test
	Stat float64
	P    pvalue.Extended
	// Effect and SE are set for burden-type tests.
	Effect, SE float64
	Err        error
}

// Result is the outcome of all configured tests on one group.
type Result struct {
	Mask string
	// Variants are the eligible members, in mask order and in
	// reported orientation, with their pooled MAFs.
	Variants []*pool.Result
	MAFs     []float64
	// Missing counts members absent from the pool or failed.
	Missing int
	// Filtered counts members dropped by the MAF bound.
	Filtered int
	// Covariance is the pooled covariance matrix of Variants.
	Covariance *mat.SymDense
	Outcomes   []Outcome
}

// NoVariants reports whether the group had no eligible variants.
func (r *Result) NoVariants() bool { return len(r.Variants) == 0 }

// group is the pooled data one test sees.
type group struct {
	res []*pool.Result
	maf []float64
	u   []float64
	cov *mat.SymDense
}

// Run evaluates every test in cfg on mask. Each test's failure is
// recorded in its Outcome; Run itself never fails.
func Run(mask Mask, pl *pool.Pool, cfg Config) *Result {
	out := &Result{Mask: mask.Name}
	maxMAF := cfg.MaxMAF
	if maxMAF <= 0 {
		maxMAF = 0.5
	}
	seen := map[variant.Variant]bool{}
	for _, v := range mask.Variants {
		res, ok := pl.Lookup(v)
		if !ok || res.Err != nil {
			out.Missing++
			continue
		}
		if seen[res.Variant] {
			continue
		}
		seen[res.Variant] = true
		maf := math.Min(res.PooledAltAF, 1-res.PooledAltAF)
		if !(maf > 0) || maf > maxMAF {
			out.Filtered++
			continue
		}
		out.Variants = append(out.Variants, res)
		out.MAFs = append(out.MAFs, maf)
	}

	out.Outcomes = make([]Outcome, len(cfg.Tests))
	if out.NoVariants() {
		for i, t := range cfg.Tests {
			out.Outcomes[i] = Outcome{Test: t, P: pvalue.FromFloat64(1), Err: fmt.Errorf("%s: %w", mask.Name, ErrNoVariants)}
		}
		return out
	}

	g := &group{res: out.Variants, maf: out.MAFs}
	n := len(g.res)
	g.u = make([]float64, n)
	g.cov = mat.NewSymDense(n, nil)
	for i, a := range g.res {
		g.u[i] = a.U
		for j := i; j < n; j++ {
			g.cov.SetSym(i, j, pl.Covariance(a, g.res[j]))
		}
	}
	out.Covariance = g.cov

	// omnibus combines whatever else ran, so it goes last
	var others []Outcome
	for i, t := range cfg.Tests {
		if t.Kind == Omnibus {
			continue
		}
		out.Outcomes[i] = evaluate(t, g, nil)
		others = append(others, out.Outcomes[i])
	}
	for i, t := range cfg.Tests {
		if t.Kind == Omnibus {
			out.Outcomes[i] = evaluate(t, g, others)
		}
	}
	return out
}

func evaluate(t Test, g *group, others []Outcome) Outcome {
	var o Outcome
	var err error
	switch t.Kind {
	case Burden:
		var w []float64
		if w, err = betaWeights(g.maf, t.A, t.B); err == nil {
			o, err = burden(g, w)
		}
	case MadsenBrowning:
		o, err = burden(g, madsenBrowningWeights(g.maf))
	case VarianceComponent:
		var w []float64
		if w, err = betaWeights(g.maf, t.A, t.B); err == nil {
			o, err = varianceComponent(g, w)
		}
	case Omnibus:
		o, err = omnibus(others)
	default:
		err = fmt.Errorf("unsupported test kind %v", t.Kind)
	}
	o.Test = t
	if err != nil {
		o.P = pvalue.FromFloat64(1)
		o.Err = fmt.Errorf("%s: %w", t.Name, err)
	}
	return o
}

func betaWeights(maf []float64, a, b float64) ([]float64, error) {
	w := make([]float64, len(maf))
	for i, f := range maf {
		d, err := pvalue.BetaDensity(f, a, b)
		if err != nil {
			return nil, err
		}
		w[i] = d
	}
	return w, nil
}

func madsenBrowningWeights(maf []float64) []float64 {
	w := make([]float64, len(maf))
	for i, f := range maf {
		w[i] = 1 / math.Sqrt(f*(1-f))
	}
	return w
}

// burden tests T = sum w_j U_j against its variance w'Vw.
func burden(g *group, w []float64) (Outcome, error) {
	wv := mat.NewVecDense(len(w), w)
	t := mat.Dot(wv, mat.NewVecDense(len(g.u), g.u))
	v := mat.Inner(wv, g.cov, wv)
	if !(v > 0) {
		return Outcome{}, fmt.Errorf("burden variance %g: %w", v, pool.ErrVariance)
	}
	stat := t * t / v
	p, err := pvalue.ChiSquareUpperTail(stat, 1)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stat: stat, P: p, Effect: t / v, SE: 1 / math.Sqrt(v)}, nil
}

// varianceComponent tests Q = sum w_j^2 U_j^2, distributed as a
// weighted sum of chi-square(1) with weights the eigenvalues of WVW.
func varianceComponent(g *group, w []float64) (Outcome, error) {
	n := len(w)
	q := 0.0
	for i, u := range g.u {
		q += w[i] * w[i] * u * u
	}
	if n == 1 {
		// Q/(w^2 V) is the single-variant statistic, so its p-value
		// is reused exactly.
		if !(w[0]*w[0]*g.cov.At(0, 0) > 0) {
			return Outcome{}, fmt.Errorf("variance component weight %g: %w", w[0], pool.ErrVariance)
		}
		return Outcome{Stat: q, P: g.res[0].P}, nil
	}
	wvw := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			wvw.SetSym(i, j, w[i]*g.cov.At(i, j)*w[j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(wvw, false) {
		return Outcome{}, errors.New("eigendecomposition failed")
	}
	p, err := pvalue.QuadFormUpperTail(eig.Values(nil), q)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stat: q, P: p}, nil
}

func omnibus(others []Outcome) (Outcome, error) {
	var ps []pvalue.Extended
	for _, o := range others {
		if o.Err == nil {
			ps = append(ps, o.P)
		}
	}
	if len(ps) == 0 {
		return Outcome{}, errors.New("omnibus: no component test succeeded")
	}
	p, err := pvalue.SidakMin(ps)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stat: float64(len(ps)), P: p}, nil
}
