// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"io"
	"strconv"
	"strings"

	"github.com/raremeta/raremeta/pool"
)

// covReader reads a RAREMETALWORKER single-variant covariance file.
// Stored values are divided by sample size; Next multiplies them back
// by the scale given at open.
type covReader struct {
	*tsvReader
	chrom, pos, markers, cov int
	scale                    float64
}

func openCovFile(fnm string, scale float64, strict bool) (*covReader, error) {
	rc, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	cr, err := newCovReader(rc, fnm, scale, strict)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return cr, nil
}

func newCovReader(rc io.ReadCloser, name string, scale float64, strict bool) (*covReader, error) {
	tr, err := newTSVReader(rc, name, strict)
	if err != nil {
		return nil, err
	}
	cr := &covReader{tsvReader: tr, scale: scale}
	if cr.chrom, err = tr.column("CHROM"); err != nil {
		return nil, err
	}
	if cr.pos, err = tr.column("CURRENT_POS"); err != nil {
		return nil, err
	}
	if cr.markers, err = tr.column("MARKERS_IN_WINDOW"); err != nil {
		return nil, err
	}
	if cr.cov, err = tr.column("COV_MATRICES"); err != nil {
		return nil, err
	}
	return cr, nil
}

func splitList(s string) []string {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Next returns the next covariance block, or io.EOF.
func (cr *covReader) Next() (pool.CovarianceBlock, error) {
	fields, err := cr.row()
	if err != nil {
		return pool.CovarianceBlock{}, err
	}
	if len(fields) <= cr.cov || len(fields) <= cr.markers {
		return pool.CovarianceBlock{}, cr.errorf("too few fields (%d)", len(fields))
	}
	blk := pool.CovarianceBlock{Chrom: fields[cr.chrom]}
	if blk.Position, err = parseIntField(fields, cr.pos); err != nil {
		return pool.CovarianceBlock{}, cr.errorf("CURRENT_POS: %s", err)
	}
	markers := splitList(fields[cr.markers])
	covs := splitList(fields[cr.cov])
	if len(markers) != len(covs) {
		return pool.CovarianceBlock{}, cr.errorf("%d markers but %d covariances", len(markers), len(covs))
	}
	blk.Markers = make([]int, len(markers))
	blk.Cov = make([]float64, len(covs))
	for i := range markers {
		if blk.Markers[i], err = strconv.Atoi(markers[i]); err != nil {
			return pool.CovarianceBlock{}, cr.errorf("MARKERS_IN_WINDOW: %s", err)
		}
		v, err := strconv.ParseFloat(covs[i], 64)
		if err != nil {
			return pool.CovarianceBlock{}, cr.errorf("COV_MATRICES: %s", err)
		}
		blk.Cov[i] = v * cr.scale
	}
	return blk, nil
}
