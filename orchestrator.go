// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"errors"
	"fmt"
	"io"

	"github.com/raremeta/raremeta/grouptest"
	"github.com/raremeta/raremeta/pool"
	"github.com/raremeta/raremeta/pvalue"
	log "github.com/sirupsen/logrus"
)

type scoreStream interface {
	// Next returns io.EOF after the last record.
	Next() (pool.Record, error)
	Close() error
}

type covStream interface {
	// Next returns io.EOF after the last block.
	Next() (pool.CovarianceBlock, error)
	Close() error
}

// sink receives finalized results in genomic order, then group
// results in mask order.
type sink interface {
	WriteSingle(*pool.Result) error
	WriteGroup(*grouptest.Result) error
}

type studySource struct {
	Name string
	// Size is the study sample size; 0 means the largest N in its
	// score stream.
	Size       int
	OpenScores func() (scoreStream, error)
	// OpenCovariance is nil if the study has no covariance input.
	// n is the study sample size.
	OpenCovariance func(n int) (covStream, error)
}

type studyStats struct {
	size    int
	records int
	outside int
	blocks  int
}

type runSummary struct {
	Records       int
	OutsideRegion int
	Variants      int
	Failed        int
	Groups        int
	EmptyGroups   int
	GroupFailures int
	Lambda        float64
}

// orchestrator reads every study in configured order into one
// accumulator, writes the finalized single-variant results, then
// runs the group tests on the finalized pool.
type orchestrator struct {
	Studies []studySource
	// Regions restricts input to the given sites. nil means no
	// restriction.
	Regions *regionSet
	Masks   []grouptest.Mask
	Groups  grouptest.Config
	Options pool.Options
	// Threads > 1 parses study files concurrently. Accumulation
	// still happens in configured study order.
	Threads int
}

func (o *orchestrator) readStudy(src studySource, addRecord func(pool.Record), addBlock func(pool.CovarianceBlock)) (studyStats, error) {
	var st studyStats
	scores, err := src.OpenScores()
	if err != nil {
		return st, fmt.Errorf("study %s: %w", src.Name, err)
	}
	defer scores.Close()
	maxN := 0
	for {
		rec, err := scores.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return st, fmt.Errorf("study %s: %w", src.Name, err)
		}
		st.records++
		if rec.N > maxN {
			maxN = rec.N
		}
		if !o.Regions.Check(rec.Chrom, rec.Position) {
			st.outside++
			continue
		}
		addRecord(rec)
	}
	st.size = src.Size
	if st.size == 0 {
		st.size = maxN
	}
	if src.OpenCovariance == nil {
		return st, nil
	}
	cov, err := src.OpenCovariance(st.size)
	if err != nil {
		return st, fmt.Errorf("study %s: %w", src.Name, err)
	}
	defer cov.Close()
	for {
		blk, err := cov.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return st, fmt.Errorf("study %s: %w", src.Name, err)
		}
		st.blocks++
		if !o.Regions.Check(blk.Chrom, blk.Position) {
			continue
		}
		addBlock(blk)
	}
	return st, nil
}

func (o *orchestrator) logStudy(src studySource, st studyStats) {
	log.WithFields(log.Fields{
		"study":          src.Name,
		"records":        st.records,
		"outside_region": st.outside,
		"cov_blocks":     st.blocks,
		"size":           st.size,
	}).Info("read study")
}

func (o *orchestrator) accumulate(acc *pool.Accumulator) (runSummary, error) {
	var sum runSummary
	if o.Threads <= 1 {
		for i, src := range o.Studies {
			i := i
			st, err := o.readStudy(src,
				func(rec pool.Record) { acc.Add(i, rec) },
				func(blk pool.CovarianceBlock) { acc.AddCovariance(i, blk) })
			if err != nil {
				return sum, err
			}
			acc.SetStudySize(i, st.size)
			o.logStudy(src, st)
			sum.Records += st.records
			sum.OutsideRegion += st.outside
		}
		return sum, nil
	}

	type studyData struct {
		stats   studyStats
		records []pool.Record
		blocks  []pool.CovarianceBlock
	}
	data := make([]*studyData, len(o.Studies))
	thr := throttle{Max: o.Threads}
	for i, src := range o.Studies {
		i, src := i, src
		thr.Go(func() error {
			d := &studyData{}
			var err error
			d.stats, err = o.readStudy(src,
				func(rec pool.Record) { d.records = append(d.records, rec) },
				func(blk pool.CovarianceBlock) { d.blocks = append(d.blocks, blk) })
			data[i] = d
			return err
		})
	}
	if err := thr.Wait(); err != nil {
		return sum, err
	}
	for i, d := range data {
		for _, rec := range d.records {
			acc.Add(i, rec)
		}
		for _, blk := range d.blocks {
			acc.AddCovariance(i, blk)
		}
		acc.SetStudySize(i, d.stats.size)
		o.logStudy(o.Studies[i], d.stats)
		sum.Records += d.stats.records
		sum.OutsideRegion += d.stats.outside
	}
	return sum, nil
}

// Run pools all studies and sends every result to out. It fails only
// on input or output errors; per-variant and per-group failures are
// counted in the summary.
func (o *orchestrator) Run(out sink) (*pool.Pool, runSummary, error) {
	studies := make([]pool.Study, len(o.Studies))
	for i, src := range o.Studies {
		studies[i] = pool.Study{Name: src.Name, Size: src.Size}
	}
	acc := pool.NewAccumulator(studies)
	sum, err := o.accumulate(acc)
	if err != nil {
		return nil, sum, err
	}
	if acc.AmbiguousSites > 0 || acc.CovarianceDropped > 0 {
		log.WithFields(log.Fields{
			"ambiguous_sites":    acc.AmbiguousSites,
			"covariance_dropped": acc.CovarianceDropped,
		}).Debug("covariance alignment")
	}

	pl := acc.Finalize(o.Options)
	sum.Variants = len(pl.Results)
	for _, res := range pl.Results {
		if res.Err != nil {
			sum.Failed++
		}
		if err := out.WriteSingle(res); err != nil {
			return pl, sum, err
		}
	}
	if lambda, err := pvalue.GenomicControl(pl.ChiSquares()); err == nil {
		sum.Lambda = lambda
		log.WithFields(log.Fields{"lambda": lambda}).Info("genomic control")
	}

	for _, mask := range o.Masks {
		res := grouptest.Run(mask, pl, o.Groups)
		sum.Groups++
		if res.NoVariants() {
			sum.EmptyGroups++
		}
		for _, oc := range res.Outcomes {
			if oc.Err != nil && !errors.Is(oc.Err, grouptest.ErrNoVariants) {
				log.WithFields(log.Fields{"group": mask.Name}).Warn(oc.Err)
				sum.GroupFailures++
			}
		}
		if err := out.WriteGroup(res); err != nil {
			return pl, sum, err
		}
	}
	log.WithFields(log.Fields{
		"records":        sum.Records,
		"outside_region": sum.OutsideRegion,
		"variants":       sum.Variants,
		"failed":         sum.Failed,
		"groups":         sum.Groups,
		"empty_groups":   sum.EmptyGroups,
		"group_failures": sum.GroupFailures,
	}).Info("meta-analysis done")
	return pl, sum, nil
}
