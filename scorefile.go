// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/raremeta/raremeta/pool"
)

// tsvReader reads a RAREMETALWORKER-style table: "##" metadata
// lines, one "#"-prefixed header line, then rows. Columns are found
// by header name.
type tsvReader struct {
	name    string
	rc      io.ReadCloser
	scanner *bufio.Scanner
	header  []string
	tabs    bool
	lineNum int
	strict  bool

	// Shifted counts rows whose field count differs from the
	// header (accepted unless strict).
	Shifted int
}

func newTSVReader(rc io.ReadCloser, name string, strict bool) (*tsvReader, error) {
	tr := &tsvReader{name: name, rc: rc, strict: strict}
	tr.scanner = bufio.NewScanner(rc)
	tr.scanner.Buffer(make([]byte, 1<<20), 1<<28)
	for tr.scanner.Scan() {
		tr.lineNum++
		line := tr.scanner.Text()
		if strings.HasPrefix(line, "##") || strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return nil, fmt.Errorf("%s line %d: data before header line", name, tr.lineNum)
		}
		tr.tabs = strings.Contains(line, "\t")
		tr.header = tr.split(line[1:])
		return tr, nil
	}
	if err := tr.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return nil, fmt.Errorf("%s: no header line", name)
}

// split merges runs of separators, so an empty field shifts the
// following columns left (and is caught by the field count check).
func (tr *tsvReader) split(line string) []string {
	if tr.tabs {
		return strings.FieldsFunc(line, isTab)
	}
	return strings.Fields(line)
}

func isTab(r rune) bool { return r == '\t' }

// column returns the index of the first of names present in the
// header.
func (tr *tsvReader) column(names ...string) (int, error) {
	for _, name := range names {
		for i, h := range tr.header {
			if strings.TrimSpace(h) == name {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("%s: header has no %s column", tr.name, strings.Join(names, "/"))
}

// row returns the fields of the next data row, or io.EOF.
func (tr *tsvReader) row() ([]string, error) {
	for tr.scanner.Scan() {
		tr.lineNum++
		line := tr.scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := tr.split(line)
		if len(fields) != len(tr.header) {
			if tr.strict {
				return nil, fmt.Errorf("%s line %d: %d fields, header has %d", tr.name, tr.lineNum, len(fields), len(tr.header))
			}
			tr.Shifted++
		}
		return fields, nil
	}
	if err := tr.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", tr.name, err)
	}
	return nil, io.EOF
}

func (tr *tsvReader) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s line %d: %s", tr.name, tr.lineNum, fmt.Sprintf(format, args...))
}

func (tr *tsvReader) Close() error {
	return tr.rc.Close()
}

var errNA = errors.New("NA")

func parseFloatField(fields []string, idx int) (float64, error) {
	if idx >= len(fields) {
		return 0, fmt.Errorf("missing field %d", idx+1)
	}
	s := strings.TrimSpace(fields[idx])
	if s == "NA" || s == "-" || s == "" {
		return 0, errNA
	}
	return strconv.ParseFloat(s, 64)
}

func parseIntField(fields []string, idx int) (int, error) {
	if idx >= len(fields) {
		return 0, fmt.Errorf("missing field %d", idx+1)
	}
	return strconv.Atoi(strings.TrimSpace(fields[idx]))
}

// scoreReader reads a RAREMETALWORKER single-variant score file.
type scoreReader struct {
	*tsvReader
	chrom, pos, ref, alt, n, af, u, sqrtV int

	// Uninformative counts rows skipped because U or V was NA.
	Uninformative int
	// MaxN is the largest N_INFORMATIVE seen so far.
	MaxN int
}

func openScoreFile(fnm string, strict bool) (*scoreReader, error) {
	rc, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	sr, err := newScoreReader(rc, fnm, strict)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return sr, nil
}

func newScoreReader(rc io.ReadCloser, name string, strict bool) (*scoreReader, error) {
	tr, err := newTSVReader(rc, name, strict)
	if err != nil {
		return nil, err
	}
	sr := &scoreReader{tsvReader: tr}
	for _, col := range []struct {
		dst   *int
		names []string
	}{
		{&sr.chrom, []string{"CHROM"}},
		{&sr.pos, []string{"POS"}},
		{&sr.ref, []string{"REF"}},
		{&sr.alt, []string{"ALT"}},
		{&sr.n, []string{"N_INFORMATIVE", "N"}},
		{&sr.af, []string{"ALL_AF", "FOUNDER_AF", "AF"}},
		{&sr.u, []string{"U_STAT"}},
		{&sr.sqrtV, []string{"SQRT_V_STAT"}},
	} {
		if *col.dst, err = tr.column(col.names...); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// Next returns the next informative record, or io.EOF.
func (sr *scoreReader) Next() (pool.Record, error) {
	for {
		fields, err := sr.row()
		if err != nil {
			return pool.Record{}, err
		}
		if len(fields) <= sr.alt {
			return pool.Record{}, sr.errorf("too few fields (%d)", len(fields))
		}
		var rec pool.Record
		rec.Chrom = fields[sr.chrom]
		rec.Ref = fields[sr.ref]
		rec.Alt = fields[sr.alt]
		if rec.Position, err = parseIntField(fields, sr.pos); err != nil {
			return pool.Record{}, sr.errorf("POS: %s", err)
		}
		if rec.N, err = parseIntField(fields, sr.n); err != nil {
			return pool.Record{}, sr.errorf("N_INFORMATIVE: %s", err)
		}
		if rec.N > sr.MaxN {
			sr.MaxN = rec.N
		}
		rec.U, err = parseFloatField(fields, sr.u)
		if err == errNA {
			sr.Uninformative++
			continue
		} else if err != nil {
			return pool.Record{}, sr.errorf("U_STAT: %s", err)
		}
		sqrtV, err := parseFloatField(fields, sr.sqrtV)
		if err == errNA {
			sr.Uninformative++
			continue
		} else if err != nil {
			return pool.Record{}, sr.errorf("SQRT_V_STAT: %s", err)
		}
		rec.V = sqrtV * sqrtV
		if rec.AltAF, err = parseFloatField(fields, sr.af); err == errNA {
			rec.AltAF = 0
		} else if err != nil {
			return pool.Record{}, sr.errorf("allele frequency: %s", err)
		}
		return rec, nil
	}
}
