// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pvalue

import (
	"errors"
	"fmt"
	"math"
)

// DaviesFault identifies why Davies' method could not produce a
// result within the requested accuracy.
type DaviesFault int

const (
	DaviesOK DaviesFault = iota
	DaviesAccuracy
	DaviesRoundOff
	DaviesInvalid
	DaviesIterations
)

func (f DaviesFault) Error() string {
	switch f {
	case DaviesAccuracy:
		return "davies: required accuracy not obtained"
	case DaviesRoundOff:
		return "davies: round-off error possibly significant"
	case DaviesInvalid:
		return "davies: invalid parameters"
	case DaviesIterations:
		return "davies: integration term limit exceeded"
	default:
		return "davies: ok"
	}
}

const log28 = 0.0866 // log(2)/8

var errCountExceeded = errors.New("count exceeded")

// davies holds the working state of one evaluation of Davies (1980)
// algorithm AS 155 for the distribution of Q = sum lb[j]*chi2(n[j], nc[j]).
type davies struct {
	lb []float64
	nc []float64
	n  []int
	th []int

	sigsq, lmax, lmin, mean, c float64
	intl, ersm                 float64
	count, lim                 int
	ndtsrt, fail               bool
}

func (d *davies) counter() {
	d.count++
	if d.count > d.lim {
		panic(errCountExceeded)
	}
}

func exp1(x float64) float64 {
	if x < -50 {
		return 0
	}
	return math.Exp(x)
}

// log1 returns log(1+x) if first, else log(1+x)-x, accurately for
// small x.
func log1(x float64, first bool) float64 {
	if math.Abs(x) > 0.1 {
		if first {
			return math.Log1p(x)
		}
		return math.Log1p(x) - x
	}
	y := x / (2 + x)
	term := 2 * y * y * y
	k := 3.0
	var s float64
	if first {
		s = 2 * y
	} else {
		s = -x * y
	}
	y = y * y
	for s1 := s + term/k; s1 != s; s1 = s + term/k {
		k += 2
		term *= y
		s = s1
	}
	return s
}

// order sorts th so that |lb[th[0]]| >= |lb[th[1]]| >= ...
func (d *davies) order() {
	for j := range d.lb {
		lj := math.Abs(d.lb[j])
		k := j - 1
		for ; k >= 0; k-- {
			if lj > math.Abs(d.lb[d.th[k]]) {
				d.th[k+1] = d.th[k]
			} else {
				break
			}
		}
		d.th[k+1] = j
	}
	d.ndtsrt = false
}

// errbd bounds the tail probability using the mgf; returns the bound
// and the cutoff point.
func (d *davies) errbd(u float64) (float64, float64) {
	d.counter()
	xconst := u * d.sigsq
	sum1 := u * xconst
	u *= 2
	for j := len(d.lb) - 1; j >= 0; j-- {
		nj, lj, ncj := float64(d.n[j]), d.lb[j], d.nc[j]
		x := u * lj
		y := 1 - x
		xconst += lj * (ncj/y + nj) / y
		sum1 += ncj*(x/y)*(x/y) + nj*(x*x/y+log1(-x, false))
	}
	return exp1(-0.5 * sum1), xconst
}

// ctff finds c such that P(Q > c) < accx if *upn > 0, P(Q < c) < accx
// otherwise.
func (d *davies) ctff(accx float64, upn *float64) float64 {
	u2 := *upn
	u1 := 0.0
	c1 := d.mean
	rb := 2 * d.lmin
	if u2 > 0 {
		rb = 2 * d.lmax
	}
	var c2 float64
	for {
		var bound float64
		bound, c2 = d.errbd(u2 / (1 + u2*rb))
		if bound <= accx {
			break
		}
		u1 = u2
		c1 = c2
		u2 *= 2
	}
	for (c1-d.mean)/(c2-d.mean) < 0.9 {
		u := (u1 + u2) / 2
		bound, xconst := d.errbd(u / (1 + u*rb))
		if bound > accx {
			u1 = u
			c1 = xconst
		} else {
			u2 = u
			c2 = xconst
		}
	}
	*upn = u2
	return c2
}

// truncation bounds the integration error due to truncation at u.
func (d *davies) truncation(u, tausq float64) float64 {
	d.counter()
	var sum1, prod2, prod3 float64
	s := 0
	sum2 := (d.sigsq + tausq) * u * u
	prod1 := 2 * sum2
	u *= 2
	for j := range d.lb {
		lj, ncj, nj := d.lb[j], d.nc[j], d.n[j]
		x := (u * lj) * (u * lj)
		sum1 += ncj * x / (1 + x)
		if x > 1 {
			prod2 += float64(nj) * math.Log(x)
			prod3 += float64(nj) * log1(x, true)
			s += nj
		} else {
			prod1 += float64(nj) * log1(x, true)
		}
	}
	sum1 *= 0.5
	prod2 += prod1
	prod3 += prod1
	x := exp1(-sum1-0.25*prod2) / math.Pi
	y := exp1(-sum1-0.25*prod3) / math.Pi
	err1 := 1.0
	if s != 0 {
		err1 = x * 2 / float64(s)
	}
	err2 := 1.0
	if prod3 > 1 {
		err2 = 2.5 * y
	}
	if err2 < err1 {
		err1 = err2
	}
	x = 0.5 * sum2
	err2 = 1.0
	if x > y {
		err2 = y / x
	}
	if err1 < err2 {
		return err1
	}
	return err2
}

// findu finds u such that truncation(u) < accx and
// truncation(u/1.2) > accx.
func (d *davies) findu(utx *float64, accx float64) {
	divis := [4]float64{2.0, 1.4, 1.2, 1.1}
	ut := *utx
	u := ut / 4
	if d.truncation(u, 0) > accx {
		for u = ut; d.truncation(u, 0) > accx; u = ut {
			ut *= 4
		}
	} else {
		ut = u
		for u = u / 4; d.truncation(u, 0) <= accx; u /= 4 {
			ut = u
		}
	}
	for _, dv := range divis {
		u = ut / dv
		if d.truncation(u, 0) <= accx {
			ut = u
		}
	}
	*utx = ut
}

// integrate carries out the integration with nterm terms at step
// interv. If !mainx the integrand is multiplied by
// 1-exp(-tausq*u^2/2).
func (d *davies) integrate(nterm int, interv, tausq float64, mainx bool) {
	inpi := interv / math.Pi
	for k := nterm; k >= 0; k-- {
		u := (float64(k) + 0.5) * interv
		sum1 := -2 * u * d.c
		sum2 := math.Abs(sum1)
		sum3 := -0.5 * d.sigsq * u * u
		for j := len(d.lb) - 1; j >= 0; j-- {
			nj := float64(d.n[j])
			x := 2 * d.lb[j] * u
			y := x * x
			sum3 -= 0.25 * nj * log1(y, true)
			y = d.nc[j] * x / (1 + y)
			z := nj*math.Atan(x) + y
			sum1 += z
			sum2 += math.Abs(z)
			sum3 -= 0.5 * x * y
		}
		x := inpi * exp1(sum3) / u
		if !mainx {
			x *= 1 - exp1(-0.5*tausq*u*u)
		}
		d.intl += math.Sin(0.5*sum1) * x
		d.ersm += 0.5 * sum2 * x
	}
}

// cfe returns the coefficient of tausq in the error when the
// convergence factor exp1(-tausq*u^2/2) is used at x.
func (d *davies) cfe(x float64) float64 {
	d.counter()
	if d.ndtsrt {
		d.order()
	}
	axl := math.Abs(x)
	sxl := 1.0
	if x <= 0 {
		sxl = -1
	}
	sum1 := 0.0
	for j := len(d.lb) - 1; j >= 0; j-- {
		t := d.th[j]
		if d.lb[t]*sxl > 0 {
			lj := math.Abs(d.lb[t])
			axl1 := axl - lj*(float64(d.n[t])+d.nc[t])
			axl2 := lj / log28
			if axl1 > axl2 {
				axl = axl1
			} else {
				if axl > axl2 {
					axl = axl2
				}
				sum1 = (axl - axl1) / lj
				for k := j - 1; k >= 0; k-- {
					sum1 += float64(d.n[d.th[k]]) + d.nc[d.th[k]]
				}
				break
			}
		}
	}
	if sum1 > 100 {
		d.fail = true
		return 1
	}
	return math.Pow(2, sum1/4) / (math.Pi * axl * axl)
}

// daviesCDF returns P(Q < c) where Q = sum lambda[j]*chi2(1). lim is
// the maximum number of integration terms and acc the required
// absolute accuracy.
func daviesCDF(lambda []float64, c float64, lim int, acc float64) (qfval float64, fault DaviesFault) {
	r := len(lambda)
	d := &davies{
		lb:     lambda,
		nc:     make([]float64, r),
		n:      make([]int, r),
		th:     make([]int, r),
		c:      c,
		lim:    lim,
		ndtsrt: true,
	}
	for j := range d.n {
		d.n[j] = 1
	}
	defer func() {
		if e := recover(); e != nil {
			if e != errCountExceeded {
				panic(e)
			}
			qfval, fault = -1, DaviesIterations
		}
	}()

	acc1 := acc
	xlim := float64(lim)
	sd := d.sigsq
	for j := 0; j < r; j++ {
		lj := d.lb[j]
		sd += lj * lj * (2*float64(d.n[j]) + 4*d.nc[j])
		d.mean += lj * (float64(d.n[j]) + d.nc[j])
		if d.lmax < lj {
			d.lmax = lj
		} else if d.lmin > lj {
			d.lmin = lj
		}
	}
	if sd == 0 {
		if c > 0 {
			return 1, DaviesOK
		}
		return 0, DaviesOK
	}
	if d.lmin == 0 && d.lmax == 0 {
		return -1, DaviesInvalid
	}
	sd = math.Sqrt(sd)
	almx := d.lmax
	if almx < -d.lmin {
		almx = -d.lmin
	}

	// starting values for findu, ctff
	utx := 16 / sd
	up := 4.5 / sd
	un := -up
	// truncation point with no convergence factor
	d.findu(&utx, 0.5*acc1)
	// does a convergence factor help?
	if c != 0 && almx > 0.07*sd {
		tausq := 0.25 * acc1 / d.cfe(c)
		if d.fail {
			d.fail = false
		} else if d.truncation(utx, tausq) < 0.2*acc1 {
			d.sigsq += tausq
			d.findu(&utx, 0.25*acc1)
		}
	}
	acc1 *= 0.5

	var intv, xnt float64
	for {
		// find range of distribution, quit if outside it
		d1 := d.ctff(acc1, &up) - c
		if d1 < 0 {
			return 1, DaviesOK
		}
		d2 := c - d.ctff(acc1, &un)
		if d2 < 0 {
			return 0, DaviesOK
		}
		// integration interval
		if d1 > d2 {
			intv = 2 * math.Pi / d1
		} else {
			intv = 2 * math.Pi / d2
		}
		// number of terms required for main and auxiliary
		// integrations
		xnt = utx / intv
		xntm := 3 / math.Sqrt(acc1)
		if xnt <= xntm*1.5 {
			break
		}
		if xntm > xlim {
			return -1, DaviesAccuracy
		}
		ntm := int(math.Floor(xntm + 0.5))
		intv1 := utx / float64(ntm)
		x := 2 * math.Pi / intv1
		if x <= math.Abs(c) {
			break
		}
		// convergence factor
		tausq := 0.33 * acc1 / (1.1 * (d.cfe(c-x) + d.cfe(c+x)))
		if d.fail {
			break
		}
		acc1 *= 0.67
		// auxiliary integration
		d.integrate(ntm, intv1, tausq, false)
		xlim -= xntm
		d.sigsq += tausq
		// truncation point with new convergence factor
		d.findu(&utx, 0.25*acc1)
		acc1 *= 0.75
	}

	// main integration
	if xnt > xlim {
		return -1, DaviesAccuracy
	}
	nt := int(math.Floor(xnt + 0.5))
	d.integrate(nt, intv, 0, true)
	qfval = 0.5 - d.intl

	// test whether round-off error could be significant; allow for
	// radix 8 or 16 machines
	up = d.ersm
	x := up + acc/10
	for _, rat := range [4]float64{1, 2, 4, 8} {
		if rat*x == rat*up {
			fault = DaviesRoundOff
		}
	}
	return qfval, fault
}

// Davies returns P(Q > c) where Q = sum lambda[j]*chi2(1), computed by
// numerical inversion of the characteristic function.
func Davies(lambda []float64, c float64) (float64, error) {
	for _, l := range lambda {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return 0, fmt.Errorf("davies: eigenvalue %v: %w", l, ErrDomain)
		}
	}
	cdf, fault := daviesCDF(lambda, c, daviesLimit, daviesAccuracy)
	if fault != DaviesOK {
		return 0, fault
	}
	return 1 - cdf, nil
}

const (
	daviesLimit    = 1000000
	daviesAccuracy = 1e-9
)
