// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pvalue

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type pvalueSuite struct{}

var _ = check.Suite(&pvalueSuite{})

func relErr(a, b float64) float64 {
	return math.Abs(a-b) / math.Abs(b)
}

func (s *pvalueSuite) TestExtended(c *check.C) {
	p := FromFloat64(0.05)
	c.Check(relErr(p.Float64(), 0.05) < 1e-14, check.Equals, true)
	c.Check(p.Representable(), check.Equals, true)

	tiny := FromLog10(-1727.694)
	c.Check(tiny.Float64(), check.Equals, 0.0)
	c.Check(tiny.Representable(), check.Equals, false)
	c.Check(tiny.NegLog10(), check.Equals, 1727.694)
	c.Check(strings.HasSuffix(tiny.String(), "e-1728"), check.Equals, true)
	c.Check(strings.HasPrefix(tiny.String(), "2.02"), check.Equals, true)

	c.Check(tiny.Less(p), check.Equals, true)
	c.Check(p.Less(tiny), check.Equals, false)
	c.Check(Zero.Less(tiny), check.Equals, true)
	c.Check(FromFloat64(-2).Less(Zero), check.Equals, true)
	c.Check(FromFloat64(-2).Less(FromFloat64(-1)), check.Equals, true)
	c.Check(Zero.String(), check.Equals, "0")
	c.Check(FromFloat64(0.25).String(), check.Equals, "0.25")

	prod := FromFloat64(2).Mul(FromLog10(-1000))
	c.Check(math.Abs(prod.Log10()-(-1000+math.Log10(2))) < 1e-12, check.Equals, true)
}

func (s *pvalueSuite) TestNormalUpperTail(c *check.C) {
	for _, z := range []float64{-3, 0, 1, 2.5, 5, 7.9, 8.1, 10, 20, 30} {
		p, err := NormalUpperTail(z)
		c.Assert(err, check.IsNil)
		// distuv computes 1-erf, which has no precision left past z=8
		expect := distuv.UnitNormal.Survival(z)
		if z >= 8 {
			expect = 0.5 * math.Erfc(z/math.Sqrt2)
		}
		c.Check(relErr(p.Float64(), expect) < 1e-9, check.Equals, true, check.Commentf("z=%v got %v expect %v", z, p.Float64(), expect))
	}
	p, err := NormalUpperTail(10)
	c.Assert(err, check.IsNil)
	c.Check(relErr(p.Float64(), 7.6198530241605e-24) < 1e-12, check.Equals, true, check.Commentf("got %v", p.Float64()))
	_, err = NormalUpperTail(math.NaN())
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestChiSquareUpperTail(c *check.C) {
	for _, df := range []float64{1, 2, 4, 7.5} {
		for _, x := range []float64{0.5, 3.841459, 10, 50, 120} {
			p, err := ChiSquareUpperTail(x, df)
			c.Assert(err, check.IsNil)
			expect := distuv.ChiSquared{K: df}.Survival(x)
			c.Check(relErr(p.Float64(), expect) < 1e-8, check.Equals, true, check.Commentf("df=%v x=%v got %v expect %v", df, x, p.Float64(), expect))
		}
	}
	p, err := ChiSquareUpperTail(0, 1)
	c.Check(err, check.IsNil)
	c.Check(p.Float64(), check.Equals, 1.0)
	_, err = ChiSquareUpperTail(1, 0)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestExtremePrecision(c *check.C) {
	// A 1-df statistic of about 7946.89 has -log10(p) of about
	// 1727.694, far below the smallest float64.
	p, err := ChiSquareUpperTail(7946.89, 1)
	c.Assert(err, check.IsNil)
	c.Check(p.Float64(), check.Equals, 0.0)
	c.Check(math.IsInf(p.NegLog10(), 0), check.Equals, false)
	c.Check(math.Abs(p.NegLog10()-1727.694) < 0.01, check.Equals, true, check.Commentf("%v", p.NegLog10()))

	last := 0.0
	for x := 1000.0; x < 100000; x *= 1.5 {
		p, err := ChiSquareUpperTail(x, 1)
		c.Assert(err, check.IsNil)
		c.Check(p.NegLog10() > last, check.Equals, true)
		last = p.NegLog10()
		p4, err := ChiSquareUpperTail(x, 4)
		c.Assert(err, check.IsNil)
		c.Check(math.IsInf(p4.NegLog10(), 0) || math.IsNaN(p4.NegLog10()), check.Equals, false)
	}
}

func (s *pvalueSuite) TestBetaDensity(c *check.C) {
	w, err := BetaDensity(0.01, 1, 25)
	c.Check(err, check.IsNil)
	c.Check(relErr(w, 25*math.Pow(0.99, 24)) < 1e-10, check.Equals, true)
	w, err = BetaDensity(0.3, 1, 1)
	c.Check(err, check.IsNil)
	c.Check(math.Abs(w-1) < 1e-12, check.Equals, true)
	_, err = BetaDensity(1.5, 1, 1)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestDavies(c *check.C) {
	for _, trial := range []struct {
		lambda []float64
		q      float64
		expect float64
	}{
		// 2*chi2(1)
		{[]float64{2}, 2 * 3.841459, 0.05},
		// chi2(2): P(X>q) = exp(-q/2)
		{[]float64{1, 1}, 5, math.Exp(-2.5)},
		// 0.5*chi2(4): P = exp(-q)(1+q)
		{[]float64{0.5, 0.5, 0.5, 0.5}, 3, math.Exp(-3) * 4},
	} {
		p, err := Davies(trial.lambda, trial.q)
		c.Assert(err, check.IsNil)
		c.Check(math.Abs(p-trial.expect) < 1e-6, check.Equals, true, check.Commentf("%v %v: got %v expect %v", trial.lambda, trial.q, p, trial.expect))
	}
}

func (s *pvalueSuite) TestLiu(c *check.C) {
	p, err := Liu([]float64{3}, 3*3.841459)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(p.Float64()-0.05) < 1e-6, check.Equals, true)

	// Four equal weights are exactly a scaled chi2(4).
	p, err = Liu([]float64{0.5, 0.5, 0.5, 0.5}, 3)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(p.Float64()-math.Exp(-3)*4) < 1e-6, check.Equals, true)

	_, err = Liu([]float64{0}, 1)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestQuadFormUpperTail(c *check.C) {
	// one eigenvalue: exactly the 1-df chi-square tail
	p, err := QuadFormUpperTail([]float64{4, -1e-13, 1e-12}, 40)
	c.Assert(err, check.IsNil)
	expect, _ := ChiSquareUpperTail(10, 1)
	c.Check(p, check.Equals, expect)

	p, err = QuadFormUpperTail([]float64{1, 1}, 5)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(p.Float64()-math.Exp(-2.5)) < 1e-6, check.Equals, true)

	// far tail goes through Liu and stays finite
	p, err = QuadFormUpperTail([]float64{1, 0.5, 0.25}, 5000)
	c.Assert(err, check.IsNil)
	c.Check(p.NegLog10() > 300, check.Equals, true)
	c.Check(math.IsInf(p.NegLog10(), 0), check.Equals, false)

	p, err = QuadFormUpperTail([]float64{1, 2}, 0)
	c.Assert(err, check.IsNil)
	c.Check(p.Float64(), check.Equals, 1.0)

	_, err = QuadFormUpperTail([]float64{0, 0}, 1)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
	_, err = QuadFormUpperTail([]float64{-1}, 1)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestSidakMin(c *check.C) {
	p, err := SidakMin([]Extended{FromFloat64(0.2), FromFloat64(0.01)})
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(p.Float64()-(1-0.99*0.99)) < 1e-12, check.Equals, true)

	p, err = SidakMin([]Extended{FromLog10(-400), FromFloat64(0.5)})
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(p.Log10()-(-400+math.Log10(2))) < 1e-9, check.Equals, true)

	_, err = SidakMin(nil)
	c.Check(errors.Is(err, ErrDomain), check.Equals, true)
}

func (s *pvalueSuite) TestGenomicControl(c *check.C) {
	lambda, err := GenomicControl([]float64{0.1, chi2Median1, 7})
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(lambda-1) < 1e-12, check.Equals, true)
	_, err = GenomicControl(nil)
	c.Check(err, check.NotNil)
}
