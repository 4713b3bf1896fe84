// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/kshedden/gonpy"
	"github.com/raremeta/raremeta/grouptest"
	log "github.com/sirupsen/logrus"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// covDumper writes each group's pooled covariance matrix to
// <dir>/<group>.cov.npy (float64, n x n, row-major, rows in the
// order of the group's VARS column).
type covDumper struct {
	dir string
}

func (cd *covDumper) Write(res *grouptest.Result) error {
	n := len(res.Variants)
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, res.Covariance.At(i, j))
		}
	}
	fnm := fmt.Sprintf("%s/%s.cov.npy", cd.dir, unsafeFilenameChars.ReplaceAllString(res.Mask, "_"))
	return writeNumpyFloat64(fnm, out, n, n)
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
	}).Debugf("writing numpy: %s", fnm)
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}
