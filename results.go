// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/raremeta/raremeta/grouptest"
	"github.com/raremeta/raremeta/pool"
	log "github.com/sirupsen/logrus"
)

// outputFile is a buffered, optionally gzip-compressed output file.
type outputFile struct {
	name string
	f    *os.File
	gz   *pgzip.Writer
	*bufio.Writer
}

func createOutput(fnm string) (*outputFile, error) {
	f, err := os.Create(fnm)
	if err != nil {
		return nil, err
	}
	out := &outputFile{name: fnm, f: f}
	var w io.Writer = f
	if strings.HasSuffix(fnm, ".gz") {
		out.gz = pgzip.NewWriter(f)
		w = out.gz
	}
	out.Writer = bufio.NewWriterSize(w, 1<<20)
	return out, nil
}

func (out *outputFile) Close() error {
	err := out.Flush()
	if err == nil && out.gz != nil {
		err = out.gz.Close()
	}
	if e := out.f.Close(); err == nil {
		err = e
	}
	if err != nil {
		return fmt.Errorf("%s: %w", out.name, err)
	}
	return nil
}

func ftoa(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}

// resultWriter writes single-variant results to
// <prefix>.meta.singlevar.results and each group test to
// <prefix>.meta.<test>.results (".gz" appended if compressing).
type resultWriter struct {
	opts    pool.Options
	single  *outputFile
	groups  []*outputFile
	covDump *covDumper
	closed  bool

	// Omitted counts single-variant results not written because
	// they failed.
	Omitted int
}

func newResultWriter(prefix string, gz bool, studies []pool.Study, opts pool.Options, tests []grouptest.Test) (*resultWriter, error) {
	suffix := ""
	if gz {
		suffix = ".gz"
	}
	rw := &resultWriter{opts: opts}
	names := make([]string, len(studies))
	for i, st := range studies {
		names[i] = st.Name
	}
	var err error
	rw.single, err = createOutput(prefix + ".meta.singlevar.results" + suffix)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(rw.single, "##Method=SinglevarScore\n##STUDY_NUM=%d\n##Studies=%s\n", len(studies), strings.Join(names, ","))
	hdr := "#CHROM\tPOS\tREF\tALT\tN\tPOOLED_ALT_AF\tDIRECTION_BY_STUDY\tEFFECT_SIZE\tEFFECT_SIZE_SD\tH2\tLOG_P\tPVALUE"
	if opts.AlleleFreq {
		hdr += "\tALT_AF_MEAN\tALT_AF_SE\tALT_AF_MIN\tALT_AF_MAX"
	}
	if opts.Heterogeneity {
		hdr += "\tHET_Q\tHET_DF\tHET_PVALUE\tI2"
	}
	fmt.Fprintln(rw.single, hdr)

	for _, t := range tests {
		out, err := createOutput(prefix + ".meta." + t.Name + ".results" + suffix)
		if err != nil {
			rw.Close()
			return nil, err
		}
		fmt.Fprintf(out, "##Method=%s\n##STUDY_NUM=%d\n", t.Kind, len(studies))
		if t.Kind == grouptest.Burden || t.Kind == grouptest.VarianceComponent {
			fmt.Fprintf(out, "##Weight=beta(%g,%g)\n", t.A, t.B)
		}
		fmt.Fprintln(out, "#GROUPNAME\tNUM_VAR\tVARS\tMAFS\tSTAT\tEFFECT_SIZE\tEFFECT_SD\tLOG_P\tPVALUE\tSTATUS")
		rw.groups = append(rw.groups, out)
	}
	return rw, nil
}

// WriteSingle writes one single-variant result. Failed results are
// omitted with a warning.
func (rw *resultWriter) WriteSingle(res *pool.Result) error {
	if res.Err != nil {
		log.WithFields(log.Fields{"variant": res.Variant.String()}).Warnf("omitting result: %s", res.Err)
		rw.Omitted++
		return nil
	}
	w := rw.single
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s",
		res.Chrom, res.Position, res.Ref, res.Alt, res.N,
		ftoa(res.PooledAltAF), res.Direction,
		ftoa(res.Effect), ftoa(res.SE), ftoa(res.H2),
		ftoa(res.P.NegLog10()), res.P)
	if rw.opts.AlleleFreq {
		if af := res.AF; af != nil {
			fmt.Fprintf(w, "\t%s\t%s\t%s\t%s", ftoa(af.Mean), ftoa(af.SE), ftoa(af.Min), ftoa(af.Max))
		} else {
			w.WriteString("\tNA\tNA\tNA\tNA")
		}
	}
	if rw.opts.Heterogeneity {
		if het := res.Het; het != nil {
			fmt.Fprintf(w, "\t%s\t%d\t%s\t%s", ftoa(het.Q), het.DF, het.P, ftoa(het.I2))
		} else {
			w.WriteString("\tNA\tNA\tNA\tNA")
		}
	}
	_, err := w.WriteString("\n")
	return err
}

// WriteGroup writes one row per configured test, plus the group's
// covariance matrix if a dump directory was configured.
func (rw *resultWriter) WriteGroup(res *grouptest.Result) error {
	vars := make([]string, len(res.Variants))
	mafs := make([]string, len(res.Variants))
	for i, v := range res.Variants {
		vars[i] = v.Variant.String()
		mafs[i] = ftoa(res.MAFs[i])
	}
	varsCol, mafsCol := strings.Join(vars, ";"), strings.Join(mafs, ";")
	if len(vars) == 0 {
		varsCol, mafsCol = "-", "-"
	}
	for i, o := range res.Outcomes {
		if i >= len(rw.groups) {
			break
		}
		w := rw.groups[i]
		if o.Err != nil {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\tNA\tNA\tNA\tNA\tNA\t%s\n", res.Mask, len(vars), varsCol, mafsCol, o.Err)
			continue
		}
		effect, sd := "NA", "NA"
		if o.Test.Kind == grouptest.Burden || o.Test.Kind == grouptest.MadsenBrowning {
			effect, sd = ftoa(o.Effect), ftoa(o.SE)
		}
		_, err := fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\tOK\n", res.Mask, len(vars), varsCol, mafsCol, ftoa(o.Stat), effect, sd, ftoa(o.P.NegLog10()), o.P)
		if err != nil {
			return err
		}
	}
	if rw.covDump != nil && !res.NoVariants() {
		return rw.covDump.Write(res)
	}
	return nil
}

func (rw *resultWriter) Close() error {
	if rw.closed {
		return nil
	}
	rw.closed = true
	var err error
	for _, out := range append([]*outputFile{rw.single}, rw.groups...) {
		if out == nil {
			continue
		}
		if e := out.Close(); err == nil {
			err = e
		}
	}
	return err
}
